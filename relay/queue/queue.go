// Package queue provides the at-least-once work queue between admission and
// processing. A received item stays invisible for the visibility timeout; if
// it is not acked in time it is redelivered, and after MaxReceiveCount
// receives it is moved to the dead-letter store instead.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

var (
	ErrStaleReceipt = errors.New("receipt no longer owns the item")
	ErrNilItem      = errors.New("work item is nil")
)

const (
	defaultQueueName         = "relay"
	defaultVisibilityTimeout = 15 * time.Minute
	defaultMaxReceiveCount   = 3
)

type Config struct {
	Backend           string        `envconfig:"BACKEND" default:"memory"`
	Name              string        `envconfig:"NAME" default:"relay"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" split_words:"true" default:"15m"`
	MaxReceiveCount   int           `envconfig:"MAX_RECEIVE_COUNT" split_words:"true" default:"3"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" split_words:"true" default:"1s"`
	BatchSize         int           `envconfig:"BATCH_SIZE" split_words:"true" default:"1"`
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "memory", "postgres", "qstash":
	default:
		return fmt.Errorf("%w: unknown queue backend %q", contractx.ErrValidation, c.Backend)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("%w: queue visibility timeout must be > 0", contractx.ErrValidation)
	}
	if c.MaxReceiveCount < 1 {
		return fmt.Errorf("%w: queue max receive count must be >= 1", contractx.ErrValidation)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = defaultQueueName
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.MaxReceiveCount < 1 {
		c.MaxReceiveCount = defaultMaxReceiveCount
	}
	return c
}

// Delivery is one receive of a WorkItem. Receipt identifies this receive and
// is required to ack it.
type Delivery struct {
	Item         contractx.WorkItem
	Receipt      string
	ReceiveCount int
	ReceivedAt   time.Time
}

type DeadLetter struct {
	Item           contractx.WorkItem `json:"item"`
	ReceiveCount   int                `json:"receive_count"`
	Reason         string             `json:"reason"`
	DeadLetteredAt time.Time          `json:"dead_lettered_at"`
}

// Queue is the pull-mode contract consumed by the worker pool.
type Queue interface {
	contractx.Enqueuer
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

const (
	reasonMaxReceives = "max receive count exceeded"
	reasonUndecodable = "undecodable payload"
)

// exhausted reports whether an item that has already been received
// receiveCount times must go to the dead-letter store instead of being
// handed out again.
func exhausted(receiveCount, maxReceiveCount int) bool {
	return receiveCount >= maxReceiveCount
}
