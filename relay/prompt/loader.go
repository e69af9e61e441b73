package prompt

import (
	_ "embed"
	"strings"
)

//go:embed template/relay.txt
var relayRaw string

// PromptSet holds loaded prompt content.
type PromptSet struct {
	System string
}

// LoadPromptSet returns the embedded prompts, or override when it is set.
func LoadPromptSet(override string) PromptSet {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return PromptSet{System: trimmed}
	}
	return PromptSet{System: strings.TrimSpace(relayRaw)}
}
