// Package retention runs the periodic housekeeping jobs: purging old
// delivery records and publishing the dead-letter depth.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	"github.com/tanpawarit/agent-relay/relay/queue"
)

var (
	deadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_dead_letters",
		Help: "Items currently held in the dead-letter store",
	})

	purgedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_records_purged_total",
		Help: "Delivery records removed by the retention sweep",
	})
)

type Config struct {
	Schedule        string        `envconfig:"SCHEDULE" default:"@every 1h"`
	LedgerRetention time.Duration `split_words:"true" default:"168h"`
	JobTimeout      time.Duration `split_words:"true" default:"1m"`
}

func (c Config) Validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("%w: retention schedule %q: %w", contractx.ErrValidation, c.Schedule, err)
	}
	if c.LedgerRetention <= 0 {
		return fmt.Errorf("%w: ledger retention must be > 0", contractx.ErrValidation)
	}
	return nil
}

type DeadLetterSource interface {
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}

type Scheduler struct {
	cfg    Config
	ledger contractx.DeliveryLedger
	dead   DeadLetterSource
	cron   *cron.Cron
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Scheduler)

func WithDeadLetters(src DeadLetterSource) Option {
	return func(s *Scheduler) {
		s.dead = src
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, ledger contractx.DeliveryLedger, opts ...Option) (*Scheduler, error) {
	if ledger == nil {
		return nil, errors.New("delivery ledger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	s := &Scheduler{
		cfg:    cfg,
		ledger: ledger,
		now:    time.Now,
		logger: log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With().Str("component", "retention").Logger()

	s.cron = cron.New(
		cron.WithLogger(cron.PrintfLogger(&s.logger)),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&s.logger))),
	)
	if _, err := s.cron.AddFunc(cfg.Schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the sweep on its schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Str("schedule", s.cfg.Schedule).Msg("retention scheduler started")
}

// Stop waits for a running sweep to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if n, err := s.PurgeLedger(ctx); err != nil {
		s.logger.Error().Err(err).Msg("ledger purge failed")
	} else if n > 0 {
		s.logger.Info().Int64("purged", n).Msg("ledger purged")
	}
	if s.dead == nil {
		return
	}
	if _, err := s.MeasureDeadLetters(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("dead-letter depth unavailable")
	}
}

// PurgeLedger removes delivery records older than the retention window.
func (s *Scheduler) PurgeLedger(ctx context.Context) (int64, error) {
	n, err := s.ledger.Purge(ctx, s.now().Add(-s.cfg.LedgerRetention))
	if err != nil {
		return 0, err
	}
	purgedRecordsTotal.Add(float64(n))
	return n, nil
}

// MeasureDeadLetters publishes the current dead-letter count as a gauge.
func (s *Scheduler) MeasureDeadLetters(ctx context.Context) (int, error) {
	if s.dead == nil {
		return 0, nil
	}
	dead, err := s.dead.DeadLetters(ctx, 0)
	if err != nil {
		return 0, err
	}
	deadLetterDepth.Set(float64(len(dead)))
	return len(dead), nil
}
