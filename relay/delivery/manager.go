// Package delivery posts classified replies to their destination with a
// bounded exponential retry and records every attempt in a ledger.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	tracerx "github.com/tanpawarit/agent-relay/relay/tracer"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTrackingID     = "X-Tracking-ID"
)

type Config struct {
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" split_words:"true" default:"3"`
	BackoffBase time.Duration `envconfig:"BACKOFF_BASE" split_words:"true" default:"1s"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"30s"`
}

func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: delivery max attempts must be >= 1", contractx.ErrValidation)
	case c.BackoffBase <= 0:
		return fmt.Errorf("%w: delivery backoff base must be > 0", contractx.ErrValidation)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: delivery timeout must be > 0", contractx.ErrValidation)
	}
	return nil
}

// MaxDuration is the longest a delivery chain can run: every attempt timing
// out plus the backoff between attempts.
func (c Config) MaxDuration() time.Duration {
	if c.MaxAttempts < 1 {
		return 0
	}
	total := time.Duration(c.MaxAttempts) * c.Timeout
	if c.MaxAttempts == 1 || c.BackoffBase <= 0 {
		return total
	}
	b := retry.WithMaxRetries(uint64(c.MaxAttempts-1), retry.NewExponential(c.BackoffBase))
	for {
		next, stop := b.Next()
		if stop {
			return total
		}
		total += next
	}
}

// Payload is the JSON body posted to a destination.
type Payload struct {
	TrackingID       string           `json:"tracking_id"`
	SourceSystem     string           `json:"source_system"`
	SourceProcess    string           `json:"source_process"`
	OriginalQuery    string           `json:"original_query"`
	DestinationClass string           `json:"destination_class"`
	Response         PayloadResponse  `json:"response"`
	DeliveryMetadata DeliveryMetadata `json:"delivery_metadata"`
}

type PayloadResponse struct {
	Text      string    `json:"text"`
	TextPlain string    `json:"text_plain"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

type DeliveryMetadata struct {
	DeliveredAt    time.Time `json:"delivered_at"`
	DestinationURL string    `json:"destination_url"`
	Attempt        int       `json:"attempt"`
}

type Manager struct {
	dest   Destinations
	ledger contractx.DeliveryLedger
	cfg    Config
	client *resty.Client
	tracer contractx.Tracer
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithTracer(t contractx.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithRestyClient(client *resty.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(dest Destinations, ledger contractx.DeliveryLedger, cfg Config, opts ...Option) (*Manager, error) {
	if ledger == nil {
		return nil, errors.New("delivery ledger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		dest:   dest,
		ledger: ledger,
		cfg:    cfg,
		tracer: contractx.NopTracer{},
		logger: log.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.client == nil {
		m.client = resty.New()
	}
	m.client.SetTimeout(cfg.Timeout).SetRetryCount(0)
	return m, nil
}

// Deliver posts resp to the URL for its class. It returns the final record
// of the chain, which is always success or terminal_failure. Errors wrap
// contract.ErrDeliveryRejected for 4xx and contract.ErrDeliveryFailed
// otherwise.
func (m *Manager) Deliver(ctx context.Context, item contractx.WorkItem, resp contractx.ClassifiedResponse) (contractx.DeliveryRecord, error) {
	url := m.dest.Resolve(resp.DestinationClass)
	if url == "" {
		rec := m.record(ctx, resp, url, 1, contractx.DeliveryTerminalFailure, 0, "no destination url configured")
		m.tracer.Emit(resp.TrackingID, contractx.StageDelivery, contractx.EventTerminal, map[string]any{
			"class": string(resp.DestinationClass),
			"error": rec.Error,
		})
		return rec, fmt.Errorf("%w: no destination for class %s", contractx.ErrDeliveryFailed, resp.DestinationClass)
	}

	var (
		final   contractx.DeliveryRecord
		attempt int
	)
	b := retry.WithMaxRetries(uint64(m.cfg.MaxAttempts-1), retry.NewExponential(m.cfg.BackoffBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		start := time.Now()
		status, postErr := m.post(ctx, item, resp, url, attempt)
		last := attempt >= m.cfg.MaxAttempts

		switch {
		case postErr == nil && status >= 200 && status < 300:
			final = m.record(ctx, resp, url, attempt, contractx.DeliverySuccess, status, "")
			m.tracer.Emit(resp.TrackingID, contractx.StageDelivery, contractx.EventSucceeded, map[string]any{
				"attempt":            attempt,
				"status_code":        status,
				"url":                url,
				tracerx.DurationAttr: time.Since(start),
			})
			return nil

		case postErr == nil && !retryableStatus(status):
			final = m.record(ctx, resp, url, attempt, contractx.DeliveryTerminalFailure, status, http.StatusText(status))
			return fmt.Errorf("%w: %s returned %d", contractx.ErrDeliveryRejected, url, status)
		}

		cause := postErr
		if cause == nil {
			cause = fmt.Errorf("%s returned %d", url, status)
		}
		result := contractx.DeliveryRetryableFailure
		if last {
			result = contractx.DeliveryTerminalFailure
		}
		final = m.record(ctx, resp, url, attempt, result, status, cause.Error())
		if !last {
			m.tracer.Emit(resp.TrackingID, contractx.StageDelivery, contractx.EventRetrying, map[string]any{
				"attempt":     attempt,
				"status_code": status,
				"error":       cause,
			})
		}
		return retry.RetryableError(cause)
	})
	if err == nil {
		return final, nil
	}

	// context ended while waiting to retry; close the chain
	if final.Result == contractx.DeliveryRetryableFailure {
		final = m.record(ctx, resp, url, attempt, contractx.DeliveryTerminalFailure, final.StatusCode, err.Error())
	}

	m.tracer.Emit(resp.TrackingID, contractx.StageDelivery, contractx.EventTerminal, map[string]any{
		"attempt":     attempt,
		"status_code": final.StatusCode,
		"url":         url,
		"error":       err,
	})
	m.logger.Error().Err(err).
		Str("tracking_id", resp.TrackingID).
		Str("destination_url", url).
		Int("attempts", attempt).
		Msg("delivery permanently failed")

	if errors.Is(err, contractx.ErrDeliveryRejected) {
		return final, err
	}
	return final, fmt.Errorf("%w: %w", contractx.ErrDeliveryFailed, err)
}

func (m *Manager) post(ctx context.Context, item contractx.WorkItem, resp contractx.ClassifiedResponse, url string, attempt int) (int, error) {
	payload := Payload{
		TrackingID:       resp.TrackingID,
		SourceSystem:     item.Source.System,
		SourceProcess:    item.Source.Process,
		OriginalQuery:    item.QueryText,
		DestinationClass: string(resp.DestinationClass),
		Response: PayloadResponse{
			Text:      resp.RawText,
			TextPlain: resp.PlainText,
			SessionID: resp.SessionKey,
			Timestamp: resp.RespondedAt,
		},
		DeliveryMetadata: DeliveryMetadata{
			DeliveredAt:    m.now().UTC(),
			DestinationURL: url,
			Attempt:        attempt,
		},
	}

	res, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(HeaderIdempotencyKey, resp.TrackingID).
		SetHeader(HeaderTrackingID, resp.TrackingID).
		SetBody(payload).
		Post(url)
	if err != nil {
		return 0, err
	}
	return res.StatusCode(), nil
}

func (m *Manager) record(
	ctx context.Context,
	resp contractx.ClassifiedResponse,
	url string,
	attempt int,
	result contractx.DeliveryResult,
	status int,
	errText string,
) contractx.DeliveryRecord {
	rec := contractx.DeliveryRecord{
		TrackingID:       resp.TrackingID,
		DestinationURL:   url,
		DestinationClass: resp.DestinationClass,
		AttemptNumber:    attempt,
		Result:           result,
		StatusCode:       status,
		Error:            errText,
		Timestamp:        m.now().UTC(),
	}
	// the ledger write must survive a cancelled delivery context
	if err := m.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn().Err(err).
			Str("tracking_id", rec.TrackingID).
			Int("attempt", attempt).
			Msg("append delivery record failed")
	}
	return rec
}

// retryableStatus is true for 5xx and 429; every other non-2xx is terminal.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
