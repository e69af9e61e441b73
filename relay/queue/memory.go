package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

type memoryEntry struct {
	item         contractx.WorkItem
	seq          uint64
	receiveCount int
	receipt      string
	visibleAt    time.Time
}

// Memory is an in-process Queue with the same visibility and dead-letter
// semantics as the Postgres queue. Items are lost on restart.
type Memory struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	seq     uint64
	entries map[string]*memoryEntry
	dead    []DeadLetter
	closed  bool
}

var _ Queue = (*Memory)(nil)

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(cfg Config, opts ...MemoryOption) *Memory {
	m := &Memory{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Enqueue ignores a tracking id that is already queued.
func (m *Memory) Enqueue(_ context.Context, item contractx.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return contractx.ErrQueueClosed
	}
	if _, exists := m.entries[item.TrackingID]; exists {
		return nil
	}
	m.seq++
	m.entries[item.TrackingID] = &memoryEntry{
		item:      item,
		seq:       m.seq,
		visibleAt: m.now(),
	}
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, contractx.ErrQueueClosed
	}

	now := m.now()
	visible := make([]*memoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.visibleAt.After(now) {
			visible = append(visible, e)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].seq < visible[j].seq })

	out := make([]Delivery, 0, max)
	for _, e := range visible {
		if len(out) == max {
			break
		}
		if exhausted(e.receiveCount, m.cfg.MaxReceiveCount) {
			m.dead = append(m.dead, DeadLetter{
				Item:           e.item,
				ReceiveCount:   e.receiveCount,
				Reason:         reasonMaxReceives,
				DeadLetteredAt: now,
			})
			delete(m.entries, e.item.TrackingID)
			continue
		}

		e.receiveCount++
		e.receipt = uuid.NewString()
		e.visibleAt = now.Add(m.cfg.VisibilityTimeout)

		item := e.item
		item.AttemptCount = e.receiveCount
		out = append(out, Delivery{
			Item:         item,
			Receipt:      e.receipt,
			ReceiveCount: e.receiveCount,
			ReceivedAt:   now,
		})
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[d.Item.TrackingID]
	if !ok {
		return fmt.Errorf("%w: tracking id %s", contractx.ErrNotFound, d.Item.TrackingID)
	}
	if e.receipt != d.Receipt {
		return fmt.Errorf("%w: tracking id %s", ErrStaleReceipt, d.Item.TrackingID)
	}
	delete(m.entries, d.Item.TrackingID)
	return nil
}

func (m *Memory) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, m.dead[:n])
	return out, nil
}

// Len counts items not yet acked or dead-lettered, visible or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
