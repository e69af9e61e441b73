package reasoner

import (
	"context"
	"errors"
	"strings"

	openaisdk "github.com/openai/openai-go"

	memoryx "github.com/tanpawarit/agent-relay/relay/memory"
)

// OpenAIModel calls an OpenAI-compatible chat completions endpoint
// (OpenRouter by default).
type OpenAIModel struct {
	client      *openaisdk.Client
	model       string
	maxTokens   int64
	temperature float64
}

var _ ChatModel = (*OpenAIModel)(nil)

func NewOpenAIModel(client *openaisdk.Client, model string, maxTokens int64, temperature float64) (*OpenAIModel, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("model name is required")
	}
	return &OpenAIModel{
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

func (m *OpenAIModel) Complete(ctx context.Context, system string, turns []memoryx.Turn) (Completion, error) {
	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openaisdk.SystemMessage(system))
	}
	for _, turn := range turns {
		switch turn.Role {
		case memoryx.RoleAssistant:
			messages = append(messages, openaisdk.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openaisdk.UserMessage(turn.Content))
		}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:       openaisdk.ChatModel(m.model),
		Messages:    messages,
		Temperature: openaisdk.Float(m.temperature),
	}
	if m.maxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(m.maxTokens)
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Completion{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, Transient(errors.New("completion returned no choices"))
	}

	choice := resp.Choices[0]
	return Completion{
		Text:         choice.Message.Content,
		Model:        resp.Model,
		StopReason:   string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.StatusCode, err)
	}
	return Transient(err)
}
