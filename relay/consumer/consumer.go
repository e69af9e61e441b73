// Package consumer processes one received work item: invoke the reasoner,
// classify the reply, deliver it, and decide whether the queue may forget
// the item.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	"github.com/tanpawarit/agent-relay/relay/reasoner"
	tracerx "github.com/tanpawarit/agent-relay/relay/tracer"
)

type Invoker interface {
	Invoke(ctx context.Context, item contractx.WorkItem) (reasoner.Response, error)
}

type Classifier interface {
	Classify(trackingID, sessionKey string, resp reasoner.Response) contractx.ClassifiedResponse
}

type Deliverer interface {
	Deliver(ctx context.Context, item contractx.WorkItem, resp contractx.ClassifiedResponse) (contractx.DeliveryRecord, error)
}

// Outcome tells the caller whether to ack. Ack=false leaves the item to the
// queue's redelivery and dead-letter handling.
type Outcome struct {
	Ack   bool
	Stage contractx.Stage
	Err   error
}

type Consumer struct {
	invoker    Invoker
	classifier Classifier
	deliverer  Deliverer
	ledger     contractx.DeliveryLedger
	tracer     contractx.Tracer
	logger     zerolog.Logger
}

type Option func(*Consumer)

func WithTracer(t contractx.Tracer) Option {
	return func(c *Consumer) {
		if t != nil {
			c.tracer = t
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

func New(inv Invoker, cls Classifier, del Deliverer, ledger contractx.DeliveryLedger, opts ...Option) (*Consumer, error) {
	switch {
	case inv == nil:
		return nil, errors.New("invoker is required")
	case cls == nil:
		return nil, errors.New("classifier is required")
	case del == nil:
		return nil, errors.New("deliverer is required")
	case ledger == nil:
		return nil, errors.New("delivery ledger is required")
	}
	c := &Consumer{
		invoker:    inv,
		classifier: cls,
		deliverer:  del,
		ledger:     ledger,
		tracer:     contractx.NopTracer{},
		logger:     log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Consumer) Process(ctx context.Context, item contractx.WorkItem) Outcome {
	id := item.TrackingID
	logger := c.logger.With().Str("tracking_id", id).Int("attempt", item.AttemptCount).Logger()

	c.tracer.Emit(id, contractx.StageQueue, contractx.EventReceived, map[string]any{
		"attempt": item.AttemptCount,
	})

	if err := item.Validate(); err != nil {
		c.tracer.Emit(id, contractx.StageQueue, contractx.EventTerminal, map[string]any{"error": err})
		logger.Error().Err(err).Msg("dropping malformed work item")
		return Outcome{Ack: true, Stage: contractx.StageQueue, Err: err}
	}

	delivered, err := c.ledger.Delivered(ctx, id)
	if err != nil {
		// destinations dedupe on Idempotency-Key, so reprocessing is safe
		logger.Warn().Err(err).Msg("delivery ledger lookup failed")
	}
	if delivered {
		c.tracer.Emit(id, contractx.StageQueue, contractx.EventSkipped, map[string]any{"reason": "already delivered"})
		return Outcome{Ack: true, Stage: contractx.StageQueue}
	}

	start := time.Now()
	c.tracer.Emit(id, contractx.StageInvocation, contractx.EventStarted, nil)
	resp, err := c.invoker.Invoke(ctx, item)
	if err != nil {
		if errors.Is(err, contractx.ErrInvokePermanent) {
			c.tracer.Emit(id, contractx.StageInvocation, contractx.EventTerminal, map[string]any{
				"error":              err,
				tracerx.DurationAttr: time.Since(start),
			})
			logger.Error().Err(err).Msg("permanent invocation failure")
			return Outcome{Ack: true, Stage: contractx.StageInvocation, Err: err}
		}
		c.tracer.Emit(id, contractx.StageInvocation, contractx.EventFailed, map[string]any{
			"error":              err,
			tracerx.DurationAttr: time.Since(start),
		})
		return Outcome{Ack: false, Stage: contractx.StageInvocation, Err: err}
	}

	classified := c.classifier.Classify(id, item.SessionKey, resp)
	c.tracer.Emit(id, contractx.StageClassification, contractx.EventClassed, map[string]any{
		"class": string(classified.DestinationClass),
	})

	// shutting down: leave the reply to a redelivery instead of a half-run chain
	if err := ctx.Err(); err != nil {
		return c.release(logger, id, err)
	}

	// the delivery chain records its own terminal failure; the item is done
	if _, err := c.deliverer.Deliver(ctx, item, classified); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return c.release(logger, id, err)
		}
		return Outcome{Ack: true, Stage: contractx.StageDelivery, Err: err}
	}
	return Outcome{Ack: true, Stage: contractx.StageDelivery}
}

// release hands a cancelled item back to the queue. The ledger check on the
// next receive skips it if a delivery already went through.
func (c *Consumer) release(logger zerolog.Logger, id string, err error) Outcome {
	c.tracer.Emit(id, contractx.StageDelivery, contractx.EventFailed, map[string]any{"error": err})
	logger.Warn().Err(err).Msg("delivery interrupted; item left for redelivery")
	return Outcome{Ack: false, Stage: contractx.StageDelivery, Err: err}
}
