package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	qstashx "github.com/tanpawarit/agent-relay/pkg/qstash"
	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

type fakePublisher struct {
	published []qstashx.PublishRequest
	dlq       []qstashx.DLQMessage
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, req qstashx.PublishRequest) (qstashx.PublishResponse, error) {
	if f.err != nil {
		return qstashx.PublishResponse{}, f.err
	}
	f.published = append(f.published, req)
	return qstashx.PublishResponse{MessageID: "msg"}, nil
}

func (f *fakePublisher) ListDLQ(_ context.Context, limit int) ([]qstashx.DLQMessage, error) {
	if limit > 0 && limit < len(f.dlq) {
		return f.dlq[:limit], nil
	}
	return f.dlq, nil
}

func TestQStashEnqueueMirrorsQueueSettings(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	q, err := NewQStash(pub, "https://relay.example/v1/worker/qstash",
		Config{VisibilityTimeout: 15 * time.Minute, MaxReceiveCount: 3})
	if err != nil {
		t.Fatalf("NewQStash() error = %v", err)
	}
	q.WithFailureCallback("https://relay.example/failed")

	item := contractx.WorkItem{TrackingID: "trk", SessionKey: "s", QueryText: "q", AttemptCount: 4}
	if err := q.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d", len(pub.published))
	}
	req := pub.published[0]
	if req.DeduplicationID != "trk" || req.Retries != 2 || req.Timeout != 15*time.Minute {
		t.Fatalf("request = %+v", req)
	}
	if req.FailureCallback != "https://relay.example/failed" {
		t.Fatalf("failure callback = %q", req.FailureCallback)
	}
	var sent contractx.WorkItem
	if err := json.Unmarshal(req.Body, &sent); err != nil || sent.AttemptCount != 0 || sent.TrackingID != "trk" {
		t.Fatalf("body = %s (%v)", req.Body, err)
	}
}

func TestQStashEnqueueErrors(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: qstashx.ErrRequestFailed}
	q, _ := NewQStash(pub, "https://relay.example", Config{})
	err := q.Enqueue(context.Background(), contractx.WorkItem{TrackingID: "t", SessionKey: "s", QueryText: "q"})
	if !errors.Is(err, qstashx.ErrRequestFailed) {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(context.Background(), contractx.WorkItem{}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Enqueue(invalid) error = %v", err)
	}
	if _, err := NewQStash(pub, " ", Config{}); err == nil {
		t.Fatal("expected missing worker url error")
	}
}

func TestQStashDeadLetters(t *testing.T) {
	t.Parallel()

	raw, _ := json.Marshal(contractx.WorkItem{TrackingID: "a", SessionKey: "s", QueryText: "q"})
	pub := &fakePublisher{dlq: []qstashx.DLQMessage{
		{MessageID: "m1", Body: string(raw), CreatedAt: 1700000000000, ResponseStatus: 500, MaxRetries: 2},
		{MessageID: "m2", Body: base64.StdEncoding.EncodeToString(raw), ResponseStatus: 502},
		{MessageID: "m3", Body: "%%%"},
	}}
	q, _ := NewQStash(pub, "https://relay.example", Config{})

	dead, err := q.DeadLetters(context.Background(), 0)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(dead) != 3 {
		t.Fatalf("len = %d", len(dead))
	}
	if dead[0].Item.TrackingID != "a" || dead[0].ReceiveCount != 3 || dead[0].DeadLetteredAt.Unix() != 1700000000 {
		t.Fatalf("first = %+v", dead[0])
	}
	if dead[1].Item.TrackingID != "a" {
		t.Fatalf("base64 body not decoded: %+v", dead[1])
	}
	if dead[2].Item.TrackingID != "m3" {
		t.Fatalf("foreign body = %+v", dead[2])
	}
}
