// Package gateway admits triggers: it validates them, assigns a tracking id,
// derives the session keys and enqueues a WorkItem without waiting for the
// reasoning backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	"github.com/tanpawarit/agent-relay/relay/session"
)

type Config struct {
	EstimatedProcessingTime string `envconfig:"ESTIMATED_PROCESSING_TIME" split_words:"true" default:"2-5 minutes"`
}

// Trigger is an inbound request from any source.
type Trigger struct {
	Query         string `json:"query"`
	SourceSystem  string `json:"source_system"`
	SourceProcess string `json:"source_process"`
	Timestamp     string `json:"timestamp"`
	CallerID      string `json:"caller_id,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	Channel       string `json:"channel,omitempty"`
}

type Ack struct {
	Success                 bool      `json:"success"`
	TrackingID              string    `json:"tracking_id"`
	QueuedAt                time.Time `json:"queued_at"`
	EstimatedProcessingTime string    `json:"estimated_processing_time"`
}

// ValidationError lists the offending fields. It matches
// contract.ErrValidation with errors.Is.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return fmt.Sprintf("%s: %s", contractx.ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return contractx.ErrValidation
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

type Service struct {
	queue  contractx.Enqueuer
	eta    string
	tracer contractx.Tracer
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Service)

func WithTracer(t contractx.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func NewService(queue contractx.Enqueuer, cfg Config, opts ...Option) (*Service, error) {
	if queue == nil {
		return nil, errors.New("enqueuer is required")
	}
	eta := strings.TrimSpace(cfg.EstimatedProcessingTime)
	if eta == "" {
		eta = "2-5 minutes"
	}
	s := &Service{
		queue:  queue,
		eta:    eta,
		tracer: contractx.NopTracer{},
		logger: log.Logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Validate reports every missing or malformed field at once.
func (t Trigger) Validate() (time.Time, error) {
	fields := map[string]string{}
	if strings.TrimSpace(t.Query) == "" {
		fields["query"] = "is required"
	}
	if strings.TrimSpace(t.SourceSystem) == "" {
		fields["source_system"] = "is required"
	}
	if strings.TrimSpace(t.SourceProcess) == "" {
		fields["source_process"] = "is required"
	}
	var ts time.Time
	switch raw := strings.TrimSpace(t.Timestamp); {
	case raw == "":
		fields["timestamp"] = "is required"
	default:
		parsed, ok := parseTimestamp(raw)
		if !ok {
			fields["timestamp"] = "must be an ISO-8601 timestamp"
		}
		ts = parsed
	}
	if len(fields) > 0 {
		return time.Time{}, &ValidationError{Fields: fields}
	}
	return ts, nil
}

// Admit enqueues the trigger and returns as soon as the queue accepted it.
func (s *Service) Admit(ctx context.Context, t Trigger) (Ack, error) {
	ts, err := t.Validate()
	if err != nil {
		s.tracer.Emit("", contractx.StageAdmission, contractx.EventRejected, map[string]any{
			"source_system": t.SourceSystem,
			"error":         err,
		})
		return Ack{}, err
	}

	system := strings.TrimSpace(t.SourceSystem)
	process := strings.TrimSpace(t.SourceProcess)
	caller := strings.TrimSpace(t.CallerID)
	if caller == "" {
		caller = system + "/" + process
	}

	now := s.now().UTC()
	keys := session.Derive(system, caller, t.ThreadID)
	item := contractx.WorkItem{
		TrackingID: s.newID(),
		SessionKey: keys.SessionKey,
		MemoryKey:  keys.MemoryKey,
		QueryText:  strings.TrimSpace(t.Query),
		Source: contractx.SourceMetadata{
			System:     system,
			Process:    process,
			CallerID:   caller,
			ThreadID:   strings.TrimSpace(t.ThreadID),
			Channel:    strings.TrimSpace(t.Channel),
			Timestamp:  ts,
			ReceivedAt: now,
		},
	}

	if err := s.queue.Enqueue(ctx, item); err != nil {
		s.logger.Error().Err(err).
			Str("tracking_id", item.TrackingID).
			Str("session_key", item.SessionKey).
			Msg("enqueue failed; trigger not acknowledged")
		s.tracer.Emit(item.TrackingID, contractx.StageAdmission, contractx.EventFailed, map[string]any{"error": err})
		return Ack{}, fmt.Errorf("%w: tracking id %s: %w", contractx.ErrEnqueue, item.TrackingID, err)
	}

	s.tracer.Emit(item.TrackingID, contractx.StageAdmission, contractx.EventAccepted, map[string]any{
		"source_system":  system,
		"source_process": process,
		"session_key":    item.SessionKey,
	})
	return Ack{
		Success:                 true,
		TrackingID:              item.TrackingID,
		QueuedAt:                now,
		EstimatedProcessingTime: s.eta,
	}, nil
}
