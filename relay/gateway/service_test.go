package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []contractx.WorkItem
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, item contractx.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

type recordingTracer struct {
	mu     sync.Mutex
	events []contractx.Event
	ids    []string
}

func (r *recordingTracer) Emit(id string, _ contractx.Stage, event contractx.Event, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.ids = append(r.ids, id)
}

var validTrigger = Trigger{
	Query:         "ping",
	SourceSystem:  "t",
	SourceProcess: "p",
	Timestamp:     "2025-01-01T00:00:00Z",
}

func TestAdmitEnqueuesOnce(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	tr := &recordingTracer{}
	at := time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)
	svc, err := NewService(q, Config{}, WithTracer(tr), WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	ack, err := svc.Admit(context.Background(), validTrigger)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !ack.Success || ack.TrackingID == "" || !ack.QueuedAt.Equal(at) || ack.EstimatedProcessingTime != "2-5 minutes" {
		t.Fatalf("ack = %+v", ack)
	}
	if len(q.items) != 1 {
		t.Fatalf("enqueued %d items, want 1", len(q.items))
	}
	item := q.items[0]
	if item.TrackingID != ack.TrackingID || item.QueryText != "ping" {
		t.Fatalf("item = %+v", item)
	}
	if item.Source.CallerID != "t/p" || item.SessionKey == "" || item.MemoryKey == "" {
		t.Fatalf("source/session = %+v", item)
	}
	if len(tr.events) != 1 || tr.events[0] != contractx.EventAccepted || tr.ids[0] != ack.TrackingID {
		t.Fatalf("traces = %v %v", tr.events, tr.ids)
	}
}

func TestAdmitThreadIsolation(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	svc, _ := NewService(q, Config{})

	for _, thread := range []string{"th-1", "th-2", "th-1"} {
		trig := validTrigger
		trig.CallerID = "U1"
		trig.ThreadID = thread
		if _, err := svc.Admit(context.Background(), trig); err != nil {
			t.Fatalf("Admit() error = %v", err)
		}
	}
	if q.items[0].SessionKey == q.items[1].SessionKey {
		t.Fatal("different threads share a session key")
	}
	if q.items[0].SessionKey != q.items[2].SessionKey {
		t.Fatal("same thread produced different session keys")
	}
	if q.items[0].TrackingID == q.items[2].TrackingID {
		t.Fatal("tracking ids must be unique per admission")
	}
}

func TestAdmitValidationFailure(t *testing.T) {
	t.Parallel()

	cases := map[string]Trigger{
		"missing query":  {SourceSystem: "t", SourceProcess: "p", Timestamp: "2025-01-01T00:00:00Z"},
		"blank source":   {Query: "q", SourceSystem: " ", SourceProcess: "p", Timestamp: "2025-01-01T00:00:00Z"},
		"bad timestamp":  {Query: "q", SourceSystem: "t", SourceProcess: "p", Timestamp: "yesterday"},
		"missing fields": {},
	}
	for name, trig := range cases {
		trig := trig
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			q := &fakeQueue{}
			tr := &recordingTracer{}
			svc, _ := NewService(q, Config{}, WithTracer(tr))

			_, err := svc.Admit(context.Background(), trig)
			if !errors.Is(err, contractx.ErrValidation) {
				t.Fatalf("Admit() error = %v, want ErrValidation", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || len(verr.Fields) == 0 {
				t.Fatalf("expected field details, got %v", err)
			}
			if len(q.items) != 0 {
				t.Fatalf("enqueued %d items on rejection", len(q.items))
			}
			if len(tr.events) != 1 || tr.events[0] != contractx.EventRejected {
				t.Fatalf("traces = %v, want one rejection", tr.events)
			}
		})
	}
}

func TestAdmitEnqueueFailure(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{err: contractx.ErrQueueClosed}
	svc, _ := NewService(q, Config{EstimatedProcessingTime: "soon"})

	ack, err := svc.Admit(context.Background(), validTrigger)
	if !errors.Is(err, contractx.ErrEnqueue) || !errors.Is(err, contractx.ErrQueueClosed) {
		t.Fatalf("Admit() error = %v", err)
	}
	if ack.Success || ack.TrackingID != "" {
		t.Fatalf("ack must be empty on failure, got %+v", ack)
	}
}

func TestTriggerTimestampLayouts(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"2025-01-01T00:00:00Z", "2025-01-01T07:00:00+07:00", "2025-01-01T00:00:00.123Z", "2025-01-01"} {
		trig := validTrigger
		trig.Timestamp = raw
		ts, err := trig.Validate()
		if err != nil {
			t.Fatalf("Validate(%q) error = %v", raw, err)
		}
		if ts.Year() != 2025 || ts.Location() != time.UTC {
			t.Fatalf("Validate(%q) = %s", raw, ts)
		}
	}
}
