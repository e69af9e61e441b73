package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

// MemoryLedger keeps delivery records in process.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string][]contractx.DeliveryRecord
}

var _ contractx.DeliveryLedger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string][]contractx.DeliveryRecord)}
}

func (l *MemoryLedger) Append(_ context.Context, rec contractx.DeliveryRecord) error {
	if rec.TrackingID == "" {
		return fmt.Errorf("%w: delivery record without tracking id", contractx.ErrValidation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.TrackingID] = append(l.records[rec.TrackingID], rec)
	return nil
}

func (l *MemoryLedger) Records(_ context.Context, trackingID string) ([]contractx.DeliveryRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	recs, ok := l.records[trackingID]
	if !ok {
		return nil, fmt.Errorf("%w: tracking id %s", contractx.ErrNotFound, trackingID)
	}
	return append([]contractx.DeliveryRecord(nil), recs...), nil
}

func (l *MemoryLedger) Delivered(_ context.Context, trackingID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, rec := range l.records[trackingID] {
		if rec.Result == contractx.DeliverySuccess {
			return true, nil
		}
	}
	return false, nil
}

// Purge drops records older than before.
func (l *MemoryLedger) Purge(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, recs := range l.records {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.Timestamp.Before(before) {
				n++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(l.records, id)
			continue
		}
		l.records[id] = kept
	}
	return n, nil
}

type deliveryRecordRow struct {
	bun.BaseModel `bun:"table:relay_delivery_records,alias:dr"`

	ID               int64     `bun:"id,pk,autoincrement"`
	TrackingID       string    `bun:"tracking_id,notnull"`
	DestinationURL   string    `bun:"destination_url"`
	DestinationClass string    `bun:"destination_class"`
	AttemptNumber    int       `bun:"attempt_number,notnull"`
	Result           string    `bun:"result,notnull"`
	StatusCode       int       `bun:"status_code"`
	Error            string    `bun:"error"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
}

func (r deliveryRecordRow) record() contractx.DeliveryRecord {
	return contractx.DeliveryRecord{
		TrackingID:       r.TrackingID,
		DestinationURL:   r.DestinationURL,
		DestinationClass: contractx.DestinationClass(r.DestinationClass),
		AttemptNumber:    r.AttemptNumber,
		Result:           contractx.DeliveryResult(r.Result),
		StatusCode:       r.StatusCode,
		Error:            r.Error,
		Timestamp:        r.CreatedAt,
	}
}

// PostgresLedger stores delivery records in relay_delivery_records.
type PostgresLedger struct {
	db *bun.DB
}

var _ contractx.DeliveryLedger = (*PostgresLedger)(nil)

func NewPostgresLedger(db *bun.DB) (*PostgresLedger, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	return &PostgresLedger{db: db}, nil
}

func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.NewCreateTable().Model((*deliveryRecordRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create delivery ledger table: %w", err)
	}
	_, err := l.db.NewCreateIndex().
		Model((*deliveryRecordRow)(nil)).
		Index("relay_delivery_records_tracking_idx").
		IfNotExists().
		Column("tracking_id", "attempt_number").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create delivery ledger index: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Append(ctx context.Context, rec contractx.DeliveryRecord) error {
	if rec.TrackingID == "" {
		return fmt.Errorf("%w: delivery record without tracking id", contractx.ErrValidation)
	}
	row := &deliveryRecordRow{
		TrackingID:       rec.TrackingID,
		DestinationURL:   rec.DestinationURL,
		DestinationClass: string(rec.DestinationClass),
		AttemptNumber:    rec.AttemptNumber,
		Result:           string(rec.Result),
		StatusCode:       rec.StatusCode,
		Error:            rec.Error,
		CreatedAt:        rec.Timestamp.UTC(),
	}
	if _, err := l.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert delivery record %s: %w", rec.TrackingID, err)
	}
	return nil
}

func (l *PostgresLedger) Records(ctx context.Context, trackingID string) ([]contractx.DeliveryRecord, error) {
	var rows []deliveryRecordRow
	err := l.db.NewSelect().
		Model(&rows).
		Where("dr.tracking_id = ?", trackingID).
		OrderExpr("dr.id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select delivery records %s: %w", trackingID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: tracking id %s", contractx.ErrNotFound, trackingID)
	}
	out := make([]contractx.DeliveryRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (l *PostgresLedger) Delivered(ctx context.Context, trackingID string) (bool, error) {
	ok, err := l.db.NewSelect().
		Model((*deliveryRecordRow)(nil)).
		Where("dr.tracking_id = ?", trackingID).
		Where("dr.result = ?", string(contractx.DeliverySuccess)).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check delivered %s: %w", trackingID, err)
	}
	return ok, nil
}

func (l *PostgresLedger) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.NewDelete().
		Model((*deliveryRecordRow)(nil)).
		Where("created_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge delivery records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge delivery records: %w", err)
	}
	return n, nil
}
