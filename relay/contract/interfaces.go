package contract

import (
	"context"
	"time"
)

type Stage string

const (
	StageAdmission      Stage = "admission"
	StageQueue          Stage = "queue"
	StageInvocation     Stage = "invocation"
	StageClassification Stage = "classification"
	StageDelivery       Stage = "delivery"
)

type Event string

const (
	EventRejected  Event = "rejected"
	EventAccepted  Event = "accepted"
	EventReceived  Event = "received"
	EventStarted   Event = "started"
	EventRetrying  Event = "retrying"
	EventSucceeded Event = "succeeded"
	EventFailed    Event = "failed"
	EventTerminal  Event = "terminal_failure"
	EventSkipped   Event = "skipped"
	EventAcked     Event = "acked"
	EventReleased  Event = "released"
	EventClassed   Event = "classified"
)

// Tracer emits correlation events. Implementations must never block or fail
// the caller.
type Tracer interface {
	Emit(trackingID string, stage Stage, event Event, attrs map[string]any)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, item WorkItem) error
}

// DeliveryLedger stores DeliveryRecords per tracking id.
type DeliveryLedger interface {
	Append(ctx context.Context, rec DeliveryRecord) error
	Records(ctx context.Context, trackingID string) ([]DeliveryRecord, error)
	Delivered(ctx context.Context, trackingID string) (bool, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type NopTracer struct{}

func (NopTracer) Emit(string, Stage, Event, map[string]any) {}
