package worker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	qstashx "github.com/tanpawarit/agent-relay/pkg/qstash"
	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

const maxPushBody = 1 << 20

type SignatureVerifier interface {
	Verify(signature string, body []byte, url string) error
}

// PushHandler receives items QStash pushes to the worker URL. A 2xx answer
// acks the message; 5xx makes QStash redeliver it until its retries run out
// and it lands in the QStash DLQ.
type PushHandler struct {
	verifier SignatureVerifier
	url      string
	proc     Processor
	tracer   contractx.Tracer
	logger   zerolog.Logger
}

type PushOption func(*PushHandler)

func WithPushTracer(t contractx.Tracer) PushOption {
	return func(h *PushHandler) {
		if t != nil {
			h.tracer = t
		}
	}
}

func WithPushLogger(logger zerolog.Logger) PushOption {
	return func(h *PushHandler) {
		h.logger = logger
	}
}

// NewPushHandler checks signatures against url, the public address QStash
// publishes to.
func NewPushHandler(verifier SignatureVerifier, url string, proc Processor, opts ...PushOption) (*PushHandler, error) {
	if verifier == nil {
		return nil, errors.New("signature verifier is required")
	}
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	h := &PushHandler{
		verifier: verifier,
		url:      strings.TrimSpace(url),
		proc:     proc,
		tracer:   contractx.NopTracer{},
		logger:   log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if err := h.verifier.Verify(r.Header.Get(qstashx.HeaderSignature), body, h.url); err != nil {
		h.logger.Warn().Err(err).Msg("rejected unsigned push")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var item contractx.WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		h.logger.Error().Err(err).
			Str("message_id", r.Header.Get(qstashx.HeaderMessageID)).
			Msg("malformed push payload")
		http.Error(w, "malformed work item", http.StatusBadRequest)
		return
	}
	retried, _ := strconv.Atoi(r.Header.Get(qstashx.HeaderRetried))
	item.AttemptCount = retried + 1

	out := h.proc.Process(r.Context(), item)
	event := contractx.EventAcked
	status := http.StatusOK
	if !out.Ack {
		event = contractx.EventReleased
		status = http.StatusServiceUnavailable
	}
	h.tracer.Emit(item.TrackingID, contractx.StageQueue, event, map[string]any{
		"attempt": item.AttemptCount,
		"stage":   string(out.Stage),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tracking_id": item.TrackingID,
		"acked":       out.Ack,
		"stage":       out.Stage,
	})
}
