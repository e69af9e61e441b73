package reasoner

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	openrouterx "github.com/tanpawarit/agent-relay/pkg/openrouter"
	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	memoryx "github.com/tanpawarit/agent-relay/relay/memory"
	promptx "github.com/tanpawarit/agent-relay/relay/prompt"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
)

type Config struct {
	Provider     string `envconfig:"PROVIDER" default:"openrouter"`
	SystemPrompt string `envconfig:"SYSTEM_PROMPT" split_words:"true"`
	MaxTurns     int    `envconfig:"MAX_TURNS" split_words:"true" default:"20"`
}

func (c Config) Validate() error {
	switch c.provider() {
	case ProviderOpenRouter, ProviderAnthropic:
		return nil
	default:
		return fmt.Errorf("%w: unknown reasoner provider %q", contractx.ErrValidation, c.Provider)
	}
}

func (c Config) provider() string {
	return strings.ToLower(strings.TrimSpace(c.Provider))
}

// Build assembles the configured provider into a memory-backed Agent.
func Build(
	cfg Config,
	openRouterCfg openrouterx.Config,
	anthropicCfg AnthropicConfig,
	store memoryx.Store,
	logger zerolog.Logger,
) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var model ChatModel
	switch cfg.provider() {
	case ProviderAnthropic:
		m, err := NewAnthropicModel(anthropicCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
		}
		model = m
	default:
		client, err := openrouterx.NewClient(openRouterCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
		}
		m, err := NewOpenAIModel(client, openRouterCfg.Model, openRouterCfg.MaxCompletionToken, openRouterCfg.Temperature)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
		}
		model = m
	}

	prompts := promptx.LoadPromptSet(cfg.SystemPrompt)
	return NewAgent(model, store, prompts.System,
		WithLogger(logger),
		WithMaxTurns(cfg.MaxTurns),
	)
}
