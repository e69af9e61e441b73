package reasoner

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	memoryx "github.com/tanpawarit/agent-relay/relay/memory"
)

type AnthropicConfig struct {
	APIKey    string        `envconfig:"API_KEY" split_words:"true"`
	BaseURL   string        `envconfig:"BASE_URL" split_words:"true"`
	Model     string        `envconfig:"MODEL" split_words:"true" default:"claude-sonnet-4-5"`
	MaxTokens int64         `envconfig:"MAX_TOKENS" split_words:"true" default:"4096"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10m"`
}

// AnthropicModel calls the Anthropic Messages API.
type AnthropicModel struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

var _ ChatModel = (*AnthropicModel)(nil)

func NewAnthropicModel(cfg AnthropicConfig, extra ...anthropicoption.RequestOption) (*AnthropicModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("anthropic model is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
		anthropicoption.WithMaxRetries(0),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, anthropicoption.WithBaseURL(base+"/"))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, anthropicoption.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	opts = append(opts, extra...)

	return &AnthropicModel{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (m *AnthropicModel) Complete(ctx context.Context, system string, turns []memoryx.Turn) (Completion, error) {
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, turn := range turns {
		block := anthropic.NewTextBlock(turn.Content)
		switch turn.Role {
		case memoryx.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(block))
		default:
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: m.maxTokens,
		Messages:  messages,
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, classifyAnthropicError(err)
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return Completion{
		Text:         b.String(),
		Model:        string(message.Model),
		StopReason:   string(message.StopReason),
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.StatusCode, err)
	}
	return Transient(err)
}
