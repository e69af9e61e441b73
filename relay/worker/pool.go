// Package worker drives the consumer: a pull pool for queues the relay
// polls itself, and an HTTP handler for queues that push items to it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/agent-relay/relay/consumer"
	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	"github.com/tanpawarit/agent-relay/relay/queue"
)

type Config struct {
	Concurrency int `envconfig:"CONCURRENCY" default:"4"`
}

type Processor interface {
	Process(ctx context.Context, item contractx.WorkItem) consumer.Outcome
}

// Source is the pull side of a queue.
type Source interface {
	Receive(ctx context.Context, max int) ([]queue.Delivery, error)
	Ack(ctx context.Context, d queue.Delivery) error
}

// Pool runs Concurrency independent loops. Loops share nothing but the
// queue; the visibility timeout keeps two loops off the same item.
type Pool struct {
	source      Source
	proc        Processor
	concurrency int
	poll        time.Duration
	batch       int
	tracer      contractx.Tracer
	logger      zerolog.Logger
}

type Option func(*Pool)

func WithTracer(t contractx.Tracer) Option {
	return func(p *Pool) {
		if t != nil {
			p.tracer = t
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

func NewPool(source Source, proc Processor, cfg Config, qcfg queue.Config, opts ...Option) (*Pool, error) {
	if source == nil {
		return nil, errors.New("queue source is required")
	}
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("%w: worker concurrency must be >= 1", contractx.ErrValidation)
	}
	p := &Pool{
		source:      source,
		proc:        proc,
		concurrency: cfg.Concurrency,
		poll:        qcfg.PollInterval,
		batch:       qcfg.BatchSize,
		tracer:      contractx.NopTracer{},
		logger:      log.Logger,
	}
	if p.poll <= 0 {
		p.poll = time.Second
	}
	if p.batch < 1 {
		p.batch = 1
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Run blocks until ctx is cancelled or the queue is closed. Items in flight
// at cancellation are not acked and come back after the visibility timeout.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, p.logger.With().Int("worker", n).Logger())
		}(i)
	}
	p.logger.Info().Int("concurrency", p.concurrency).Msg("worker pool started")
	wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, logger zerolog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := p.source.Receive(ctx, p.batch)
		switch {
		case errors.Is(err, contractx.ErrQueueClosed):
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("queue receive failed")
		}

		if len(deliveries) == 0 {
			if !sleep(ctx, p.poll) {
				return
			}
			continue
		}
		for _, d := range deliveries {
			p.handle(ctx, logger, d)
		}
	}
}

func (p *Pool) handle(ctx context.Context, logger zerolog.Logger, d queue.Delivery) {
	id := d.Item.TrackingID
	out := p.proc.Process(ctx, d.Item)
	if !out.Ack {
		p.tracer.Emit(id, contractx.StageQueue, contractx.EventReleased, map[string]any{
			"attempt": d.ReceiveCount,
			"stage":   string(out.Stage),
		})
		return
	}

	if err := p.source.Ack(context.WithoutCancel(ctx), d); err != nil {
		logger.Warn().Err(err).Str("tracking_id", id).Msg("ack failed; item will be redelivered")
		return
	}
	p.tracer.Emit(id, contractx.StageQueue, contractx.EventAcked, map[string]any{
		"attempt": d.ReceiveCount,
		"stage":   string(out.Stage),
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
