// Package invoker calls the reasoning backend for one work item with a hard
// per-call timeout and a bounded exponential retry on transient failures.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	"github.com/tanpawarit/agent-relay/relay/reasoner"
	tracerx "github.com/tanpawarit/agent-relay/relay/tracer"
)

type Config struct {
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" split_words:"true" default:"3"`
	BackoffBase time.Duration `envconfig:"BACKOFF_BASE" split_words:"true" default:"2s"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10m"`
}

// Validate checks the retry settings against the queue visibility timeout.
// A single call must finish before the item becomes visible again.
func (c Config) Validate(visibility time.Duration) error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: invoke max attempts must be >= 1", contractx.ErrValidation)
	case c.BackoffBase <= 0:
		return fmt.Errorf("%w: invoke backoff base must be > 0", contractx.ErrValidation)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: invoke timeout must be > 0", contractx.ErrValidation)
	case visibility <= 0:
		return fmt.Errorf("%w: visibility timeout must be > 0", contractx.ErrValidation)
	case c.Timeout >= visibility:
		return fmt.Errorf("%w: invoke timeout %s must be below visibility timeout %s",
			contractx.ErrValidation, c.Timeout, visibility)
	}
	return nil
}

// Schedule returns the waits between consecutive attempts: base, 2*base,
// 4*base... one fewer than MaxAttempts.
func Schedule(cfg Config) []time.Duration {
	if cfg.MaxAttempts <= 1 || cfg.BackoffBase <= 0 {
		return nil
	}
	b := backoff(cfg)
	delays := make([]time.Duration, 0, cfg.MaxAttempts-1)
	for {
		next, stop := b.Next()
		if stop {
			return delays
		}
		delays = append(delays, next)
	}
}

// Budget is the deadline for a whole retry chain. It leaves a tenth of the
// visibility timeout plus reserve, the longest delivery chain, for the
// consumer to deliver and ack before the item is redelivered.
func Budget(visibility, reserve time.Duration) time.Duration {
	return visibility - visibility/10 - reserve
}

func backoff(cfg Config) retry.Backoff {
	b := retry.NewExponential(cfg.BackoffBase)
	return retry.WithMaxRetries(uint64(cfg.MaxAttempts-1), b)
}

type Invoker struct {
	reasoner reasoner.Reasoner
	cfg      Config
	budget   time.Duration
	reserve  time.Duration
	tracer   contractx.Tracer
	logger   zerolog.Logger
}

type Option func(*Invoker)

// WithDeliveryReserve keeps d of the visibility window free for delivery.
func WithDeliveryReserve(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.reserve = d
		}
	}
}

func WithTracer(t contractx.Tracer) Option {
	return func(i *Invoker) {
		if t != nil {
			i.tracer = t
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(i *Invoker) {
		i.logger = logger
	}
}

func New(r reasoner.Reasoner, cfg Config, visibility time.Duration, opts ...Option) (*Invoker, error) {
	if r == nil {
		return nil, errors.New("reasoner is required")
	}
	if err := cfg.Validate(visibility); err != nil {
		return nil, err
	}
	inv := &Invoker{
		reasoner: r,
		cfg:      cfg,
		tracer:   contractx.NopTracer{},
		logger:   log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	inv.budget = Budget(visibility, inv.reserve)
	if cfg.Timeout > inv.budget {
		return nil, fmt.Errorf("%w: invoke timeout %s exceeds the %s left of visibility timeout %s after a %s delivery reserve",
			contractx.ErrValidation, cfg.Timeout, inv.budget, visibility, inv.reserve)
	}
	return inv, nil
}

// Invoke runs the reasoner for item. Permanent failures return at once
// wrapped in contract.ErrInvokePermanent; transient failures are retried and,
// once the attempts or the chain budget run out, returned wrapped in
// contract.ErrInvokeTransient.
func (i *Invoker) Invoke(ctx context.Context, item contractx.WorkItem) (reasoner.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, i.budget)
	defer cancel()

	req := reasoner.Request{
		TrackingID: item.TrackingID,
		SessionKey: item.SessionKey,
		MemoryKey:  item.MemoryKey,
		Query:      item.QueryText,
	}
	delays := Schedule(i.cfg)

	var (
		resp    reasoner.Response
		lastErr error
		attempt int
	)
	err := retry.Do(ctx, backoff(i.cfg), func(ctx context.Context) error {
		attempt++
		callCtx, cancelCall := context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancelCall()

		start := time.Now()
		out, err := i.reasoner.Invoke(callCtx, req)
		if err == nil {
			resp = out
			i.tracer.Emit(item.TrackingID, contractx.StageInvocation, contractx.EventSucceeded, map[string]any{
				"attempt":            attempt,
				tracerx.DurationAttr: time.Since(start),
				"model":              out.Model,
			})
			return nil
		}
		lastErr = err

		if reasoner.ClassOf(err) == reasoner.ClassPermanent {
			return err
		}
		if attempt < i.cfg.MaxAttempts {
			attrs := map[string]any{"attempt": attempt, "error": err}
			if attempt-1 < len(delays) {
				attrs["backoff"] = delays[attempt-1]
			}
			i.tracer.Emit(item.TrackingID, contractx.StageInvocation, contractx.EventRetrying, attrs)
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return resp, nil
	}

	// retry.Do reports the context error when the budget expires mid-wait
	if lastErr != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = fmt.Errorf("%w (after %d attempts)", lastErr, attempt)
	}

	i.logger.Warn().Err(err).
		Str("tracking_id", item.TrackingID).
		Int("attempts", attempt).
		Msg("reasoning invoke failed")

	if reasoner.ClassOf(err) == reasoner.ClassPermanent {
		return reasoner.Response{}, fmt.Errorf("%w: %w", contractx.ErrInvokePermanent, err)
	}
	return reasoner.Response{}, fmt.Errorf("%w: %w", contractx.ErrInvokeTransient, err)
}
