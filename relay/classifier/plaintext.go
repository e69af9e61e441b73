package classifier

import (
	"regexp"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
)

// <https://x|label>, <https://x>, <@U123>, <#C123|general>
var slackToken = regexp.MustCompile(`<([^<>|\s]+)(?:\|([^<>]*))?>`)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// PlainText renders Markdown and Slack mrkdwn as plain text.
func PlainText(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	text := slackToken.ReplaceAllStringFunc(raw, func(m string) string {
		parts := slackToken.FindStringSubmatch(m)
		if parts[2] != "" {
			return parts[2]
		}
		target := parts[1]
		if strings.HasPrefix(target, "@") || strings.HasPrefix(target, "#") {
			return target
		}
		if strings.HasPrefix(target, "!") {
			return "@" + strings.TrimPrefix(target, "!")
		}
		return target
	})

	// parsers keep per-document state
	p := parser.NewWithExtensions(parser.CommonExtensions)
	doc := markdown.Parse([]byte(text), p)

	var b strings.Builder
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		switch n := node.(type) {
		case *ast.Text:
			if entering {
				b.Write(n.Literal)
			}
		case *ast.Code:
			if entering {
				b.Write(n.Literal)
			}
		case *ast.CodeBlock:
			if entering {
				b.Write(n.Literal)
				b.WriteByte('\n')
			}
		case *ast.Softbreak, *ast.Hardbreak:
			if entering {
				b.WriteByte('\n')
			}
		case *ast.Paragraph, *ast.Heading, *ast.ListItem, *ast.BlockQuote, *ast.TableRow:
			if !entering {
				b.WriteByte('\n')
			}
		case *ast.TableCell:
			if !entering {
				b.WriteByte(' ')
			}
		}
		return ast.GoToNext
	})

	out := blankRuns.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}
