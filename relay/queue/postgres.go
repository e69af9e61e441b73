package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

type workItemRow struct {
	bun.BaseModel `bun:"table:relay_work_items,alias:wi"`

	TrackingID   string          `bun:"tracking_id,pk"`
	Queue        string          `bun:"queue,notnull"`
	Payload      json.RawMessage `bun:"payload,type:jsonb,notnull"`
	ReceiveCount int             `bun:"receive_count,notnull,default:0"`
	Receipt      string          `bun:"receipt,nullzero"`
	VisibleAt    time.Time       `bun:"visible_at,notnull"`
	EnqueuedAt   time.Time       `bun:"enqueued_at,notnull"`
}

type deadLetterRow struct {
	bun.BaseModel `bun:"table:relay_dead_letters,alias:dl"`

	TrackingID     string          `bun:"tracking_id,pk"`
	Queue          string          `bun:"queue,notnull"`
	Payload        json.RawMessage `bun:"payload,type:jsonb,notnull"`
	ReceiveCount   int             `bun:"receive_count,notnull"`
	Reason         string          `bun:"reason,notnull"`
	DeadLetteredAt time.Time       `bun:"dead_lettered_at,notnull"`
}

// Postgres is a Queue stored in two tables. Receives lock candidate rows with
// FOR UPDATE SKIP LOCKED, so concurrent workers never claim the same item.
type Postgres struct {
	db  *bun.DB
	cfg Config
	now func() time.Time
}

var _ Queue = (*Postgres)(nil)

func NewPostgres(db *bun.DB, cfg Config) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	return &Postgres{db: db, cfg: cfg.withDefaults(), now: time.Now}, nil
}

// Migrate creates the queue tables when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	models := []any{(*workItemRow)(nil), (*deadLetterRow)(nil)}
	for _, model := range models {
		if _, err := p.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create queue table: %w", err)
		}
	}
	_, err := p.db.NewCreateIndex().
		Model((*workItemRow)(nil)).
		Index("relay_work_items_visible_idx").
		IfNotExists().
		Column("queue", "visible_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create queue index: %w", err)
	}
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, item contractx.WorkItem) error {
	row, err := newWorkItemRow(p.cfg.Name, item, p.now().UTC())
	if err != nil {
		return err
	}
	_, err = p.db.NewInsert().
		Model(row).
		On("CONFLICT (tracking_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert work item %s: %w", item.TrackingID, err)
	}
	return nil
}

func (p *Postgres) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	var out []Delivery
	err := p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		out = out[:0]
		now := p.now().UTC()

		var rows []workItemRow
		err := tx.NewSelect().
			Model(&rows).
			Where("wi.queue = ?", p.cfg.Name).
			Where("wi.visible_at <= ?", now).
			OrderExpr("wi.enqueued_at ASC").
			Limit(max).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select visible work items: %w", err)
		}

		for i := range rows {
			row := &rows[i]
			if exhausted(row.ReceiveCount, p.cfg.MaxReceiveCount) {
				if err := p.deadLetter(ctx, tx, row, reasonMaxReceives, now); err != nil {
					return err
				}
				continue
			}
			item, err := row.item()
			if err != nil {
				// a row no worker can decode would otherwise head the queue forever
				if err := p.deadLetter(ctx, tx, row, reasonUndecodable, now); err != nil {
					return err
				}
				continue
			}

			row.ReceiveCount++
			row.Receipt = uuid.NewString()
			row.VisibleAt = now.Add(p.cfg.VisibilityTimeout)
			_, err = tx.NewUpdate().
				Model(row).
				Column("receive_count", "receipt", "visible_at").
				WherePK().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("claim work item %s: %w", row.TrackingID, err)
			}

			item.AttemptCount = row.ReceiveCount
			out = append(out, Delivery{
				Item:         item,
				Receipt:      row.Receipt,
				ReceiveCount: row.ReceiveCount,
				ReceivedAt:   now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) deadLetter(ctx context.Context, tx bun.Tx, row *workItemRow, reason string, now time.Time) error {
	dl := &deadLetterRow{
		TrackingID:     row.TrackingID,
		Queue:          row.Queue,
		Payload:        row.Payload,
		ReceiveCount:   row.ReceiveCount,
		Reason:         reason,
		DeadLetteredAt: now,
	}
	if _, err := tx.NewInsert().Model(dl).On("CONFLICT (tracking_id) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert dead letter %s: %w", row.TrackingID, err)
	}
	if _, err := tx.NewDelete().Model(row).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("remove dead-lettered item %s: %w", row.TrackingID, err)
	}
	return nil
}

func (p *Postgres) Ack(ctx context.Context, d Delivery) error {
	res, err := p.db.NewDelete().
		Model((*workItemRow)(nil)).
		Where("tracking_id = ?", d.Item.TrackingID).
		Where("receipt = ?", d.Receipt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("ack work item %s: %w", d.Item.TrackingID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack work item %s: %w", d.Item.TrackingID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: tracking id %s", ErrStaleReceipt, d.Item.TrackingID)
	}
	return nil
}

func (p *Postgres) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []deadLetterRow
	err := p.db.NewSelect().
		Model(&rows).
		Where("dl.queue = ?", p.cfg.Name).
		OrderExpr("dl.dead_lettered_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(rows))
	for _, row := range rows {
		item, err := decodeWorkItem(row.TrackingID, row.Payload)
		if err != nil {
			// listed by id so the raw row can still be found
			item = contractx.WorkItem{TrackingID: row.TrackingID}
		}
		out = append(out, DeadLetter{
			Item:           item,
			ReceiveCount:   row.ReceiveCount,
			Reason:         row.Reason,
			DeadLetteredAt: row.DeadLetteredAt,
		})
	}
	return out, nil
}

func newWorkItemRow(queueName string, item contractx.WorkItem, now time.Time) (*workItemRow, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	item.AttemptCount = 0
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal work item: %w", err)
	}
	return &workItemRow{
		TrackingID: item.TrackingID,
		Queue:      queueName,
		Payload:    payload,
		VisibleAt:  now,
		EnqueuedAt: now,
	}, nil
}

func (r *workItemRow) item() (contractx.WorkItem, error) {
	return decodeWorkItem(r.TrackingID, r.Payload)
}

// decodeWorkItem reads a stored payload. The payload must describe the row it
// sits in.
func decodeWorkItem(trackingID string, payload json.RawMessage) (contractx.WorkItem, error) {
	var item contractx.WorkItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return contractx.WorkItem{}, fmt.Errorf("decode work item %s: %w", trackingID, err)
	}
	if item.TrackingID != trackingID {
		return contractx.WorkItem{}, fmt.Errorf("decode work item %s: payload carries tracking id %q", trackingID, item.TrackingID)
	}
	return item, nil
}
