// Package classifier maps a reasoning reply to exactly one destination class
// using an ordered keyword rule table.
package classifier

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	"github.com/tanpawarit/agent-relay/relay/reasoner"
)

// Rule routes a reply to Class when any keyword appears as a whole word (or
// word sequence) in the text. Matching is case-insensitive.
type Rule struct {
	Class    contractx.DestinationClass
	Keywords []string
}

// DefaultRules is checked top to bottom; the first matching rule wins.
var DefaultRules = []Rule{
	{Class: contractx.ClassSales, Keywords: []string{
		"pricing", "price", "quote", "discount", "purchase", "lead", "deal", "pipeline", "upsell", "renewal",
	}},
	{Class: contractx.ClassSupport, Keywords: []string{
		"ticket", "troubleshoot", "troubleshooting", "issue", "error", "outage", "complaint", "refund request", "help desk",
	}},
	{Class: contractx.ClassFinance, Keywords: []string{
		"invoice", "billing", "payment", "revenue", "budget", "expense", "forecast", "accounting", "payroll",
	}},
	{Class: contractx.ClassEngineering, Keywords: []string{
		"deploy", "deployment", "bug", "incident", "latency", "database", "api", "pull request", "stack trace",
	}},
}

type Classifier struct {
	rules []compiledRule
	now   func() time.Time
}

type compiledRule struct {
	class    contractx.DestinationClass
	patterns []string
}

type Option func(*Classifier)

// WithClock sets the RespondedAt source.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

// New compiles rules. A nil table means DefaultRules; rules naming a class
// outside the fixed enumeration are rejected.
func New(rules []Rule, opts ...Option) (*Classifier, error) {
	if rules == nil {
		rules = DefaultRules
	}
	c := &Classifier{now: time.Now}
	for _, rule := range rules {
		if !rule.Class.Valid() {
			return nil, fmt.Errorf("%w: unknown destination class %q", contractx.ErrValidation, rule.Class)
		}
		compiled := compiledRule{class: rule.Class}
		for _, kw := range rule.Keywords {
			if norm := normalize(kw); norm != "  " {
				compiled.patterns = append(compiled.patterns, norm)
			}
		}
		c.rules = append(c.rules, compiled)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Classify never fails: with no matching rule the reply goes to general.
func (c *Classifier) Classify(trackingID, sessionKey string, resp reasoner.Response) contractx.ClassifiedResponse {
	return contractx.ClassifiedResponse{
		TrackingID:        trackingID,
		DestinationClass:  c.Match(resp.Text),
		RawText:           resp.Text,
		PlainText:         PlainText(resp.Text),
		AgentTraceSummary: resp.TraceSummary,
		SessionKey:        sessionKey,
		RespondedAt:       c.now().UTC(),
	}
}

func (c *Classifier) Match(text string) contractx.DestinationClass {
	haystack := normalize(text)
	for _, rule := range c.rules {
		for _, p := range rule.patterns {
			if strings.Contains(haystack, p) {
				return rule.class
			}
		}
	}
	return contractx.ClassGeneral
}

// normalize lowercases s and reduces it to single-space separated words with
// a leading and trailing space, so " word " matches whole words only.
func normalize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ") + " "
}

// ParseRules reads "class=kw1,kw2;class=kw3" keeping the written order.
func ParseRules(s string) ([]Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var rules []Rule
	for _, chunk := range strings.Split(s, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		name, list, ok := strings.Cut(chunk, "=")
		if !ok {
			return nil, fmt.Errorf("%w: classifier rule %q has no '='", contractx.ErrValidation, chunk)
		}
		class := contractx.DestinationClass(strings.ToLower(strings.TrimSpace(name)))
		if !class.Valid() {
			return nil, fmt.Errorf("%w: unknown destination class %q", contractx.ErrValidation, name)
		}
		rule := Rule{Class: class}
		for _, kw := range strings.Split(list, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				rule.Keywords = append(rule.Keywords, kw)
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
