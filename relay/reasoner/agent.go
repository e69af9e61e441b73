package reasoner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	memoryx "github.com/tanpawarit/agent-relay/relay/memory"
)

// Completion is one model reply.
type Completion struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// ChatModel is a hosted chat-completion endpoint. Implementations return
// errors already classified with FromStatus/Transient/Permanent.
type ChatModel interface {
	Complete(ctx context.Context, system string, turns []memoryx.Turn) (Completion, error)
}

// Agent implements Reasoner on top of a ChatModel, keeping per-session
// conversation history in a memory store.
type Agent struct {
	model    ChatModel
	store    memoryx.Store
	system   string
	maxTurns int
	logger   zerolog.Logger
	now      func() time.Time
}

var _ Reasoner = (*Agent)(nil)

type AgentOption func(*Agent)

func WithLogger(logger zerolog.Logger) AgentOption {
	return func(a *Agent) {
		a.logger = logger
	}
}

func WithMaxTurns(n int) AgentOption {
	return func(a *Agent) {
		a.maxTurns = n
	}
}

func NewAgent(model ChatModel, store memoryx.Store, system string, opts ...AgentOption) (*Agent, error) {
	if model == nil {
		return nil, errors.New("chat model is required")
	}
	if store == nil {
		return nil, errors.New("memory store is required")
	}
	a := &Agent{
		model:    model,
		store:    store,
		system:   system,
		maxTurns: 20,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

func (a *Agent) Invoke(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.SessionKey) == "" || strings.TrimSpace(req.MemoryKey) == "" {
		return Response{}, Permanent(fmt.Errorf("malformed session: %w", memoryx.ErrInvalidKey))
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Response{}, Permanent(errors.New("malformed input: empty query"))
	}

	transcript, err := a.store.Load(ctx, req.MemoryKey, req.SessionKey)
	switch {
	case errors.Is(err, memoryx.ErrTranscriptNotFound):
		transcript = memoryx.NewTranscript(req.MemoryKey, req.SessionKey, a.now())
	case err != nil:
		return Response{}, Transient(fmt.Errorf("load conversation memory: %w", err))
	}

	turns := make([]memoryx.Turn, 0, len(transcript.Turns)+1)
	turns = append(turns, transcript.Turns...)
	turns = append(turns, memoryx.Turn{Role: memoryx.RoleUser, Content: query, At: a.now().UTC()})

	completion, err := a.model.Complete(ctx, a.system, turns)
	if err != nil {
		return Response{}, err
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return Response{}, Transient(errors.New("model returned an empty reply"))
	}

	now := a.now()
	transcript.Append(memoryx.RoleUser, query, now, a.maxTurns)
	transcript.Append(memoryx.RoleAssistant, text, now, a.maxTurns)
	if err := a.store.Save(ctx, transcript); err != nil {
		// best effort: the reply is still returned
		a.logger.Warn().Err(err).
			Str("tracking_id", req.TrackingID).
			Str("session_key", req.SessionKey).
			Msg("save conversation memory failed")
	}

	return Response{
		Text:  text,
		Model: completion.Model,
		TraceSummary: fmt.Sprintf(
			"model=%s stop=%s history_turns=%d input_tokens=%d output_tokens=%d",
			completion.Model, completion.StopReason, len(turns)-1, completion.InputTokens, completion.OutputTokens,
		),
	}, nil
}
