package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	qstashx "github.com/tanpawarit/agent-relay/pkg/qstash"
	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

// Publisher is the part of the QStash client the push queue needs.
type Publisher interface {
	Publish(ctx context.Context, req qstashx.PublishRequest) (qstashx.PublishResponse, error)
	ListDLQ(ctx context.Context, limit int) ([]qstashx.DLQMessage, error)
}

// QStash is the push-mode queue: items are published to the worker endpoint
// and QStash owns redelivery. Its retry count and request timeout mirror
// MaxReceiveCount and VisibilityTimeout.
type QStash struct {
	client          Publisher
	workerURL       string
	failureCallback string
	cfg             Config
}

var _ contractx.Enqueuer = (*QStash)(nil)

func NewQStash(client Publisher, workerURL string, cfg Config) (*QStash, error) {
	if client == nil {
		return nil, errors.New("qstash client is required")
	}
	workerURL = strings.TrimSpace(workerURL)
	if workerURL == "" {
		return nil, fmt.Errorf("%w: qstash worker url is required", contractx.ErrValidation)
	}
	return &QStash{client: client, workerURL: workerURL, cfg: cfg.withDefaults()}, nil
}

// WithFailureCallback asks QStash to call url once retries are exhausted.
func (q *QStash) WithFailureCallback(url string) *QStash {
	q.failureCallback = strings.TrimSpace(url)
	return q
}

func (q *QStash) WorkerURL() string {
	return q.workerURL
}

func (q *QStash) Enqueue(ctx context.Context, item contractx.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	item.AttemptCount = 0
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	_, err = q.client.Publish(ctx, qstashx.PublishRequest{
		Destination:     q.workerURL,
		Body:            body,
		DeduplicationID: item.TrackingID,
		Retries:         q.cfg.MaxReceiveCount - 1,
		Timeout:         q.cfg.VisibilityTimeout,
		FailureCallback: q.failureCallback,
	})
	if err != nil {
		return fmt.Errorf("publish work item %s: %w", item.TrackingID, err)
	}
	return nil
}

func (q *QStash) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	msgs, err := q.client.ListDLQ(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list qstash dlq: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		item, err := decodeDLQBody(msg.Body)
		if err != nil {
			// not ours; keep the message id so it can still be inspected
			item = contractx.WorkItem{TrackingID: msg.MessageID}
		}
		out = append(out, DeadLetter{
			Item:           item,
			ReceiveCount:   msg.MaxRetries + 1,
			Reason:         fmt.Sprintf("destination answered %d", msg.ResponseStatus),
			DeadLetteredAt: time.UnixMilli(msg.CreatedAt).UTC(),
		})
	}
	return out, nil
}

// decodeDLQBody accepts the raw JSON body or its base64 form.
func decodeDLQBody(body string) (contractx.WorkItem, error) {
	var item contractx.WorkItem
	if err := json.Unmarshal([]byte(body), &item); err == nil {
		return item, nil
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return item, err
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, err
	}
	return item, nil
}
