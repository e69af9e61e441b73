package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tanpawarit/agent-relay/pkg/postgres/postgrestest"
	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

func TestPostgresLedger(t *testing.T) {
	ledger, err := NewPostgresLedger(postgrestest.Open(t))
	if err != nil {
		t.Fatalf("NewPostgresLedger() error = %v", err)
	}
	ctx := context.Background()
	if err := ledger.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(48 * time.Hour)
	records := []contractx.DeliveryRecord{
		{TrackingID: "t1", DestinationURL: "https://sales.example", DestinationClass: contractx.ClassSales, AttemptNumber: 1, Result: contractx.DeliveryRetryableFailure, StatusCode: 503, Error: "unavailable", Timestamp: old},
		{TrackingID: "t1", DestinationURL: "https://sales.example", DestinationClass: contractx.ClassSales, AttemptNumber: 2, Result: contractx.DeliverySuccess, StatusCode: 200, Timestamp: recent},
		{TrackingID: "t2", DestinationURL: "https://general.example", DestinationClass: contractx.ClassGeneral, AttemptNumber: 1, Result: contractx.DeliveryTerminalFailure, StatusCode: 400, Timestamp: old},
	}
	for _, rec := range records {
		if err := ledger.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := ledger.Append(ctx, contractx.DeliveryRecord{}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Append() without id error = %v, want ErrValidation", err)
	}

	got, err := ledger.Records(ctx, "t1")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(got) != 2 || got[0].AttemptNumber != 1 || got[1].Result != contractx.DeliverySuccess || got[0].StatusCode != 503 {
		t.Fatalf("records = %+v", got)
	}
	if !got[1].Timestamp.Equal(recent) {
		t.Fatalf("timestamp = %s, want %s", got[1].Timestamp, recent)
	}
	if _, err := ledger.Records(ctx, "missing"); !errors.Is(err, contractx.ErrNotFound) {
		t.Fatalf("Records(missing) error = %v, want ErrNotFound", err)
	}

	if ok, err := ledger.Delivered(ctx, "t1"); err != nil || !ok {
		t.Fatalf("Delivered(t1) = %v, %v", ok, err)
	}
	if ok, err := ledger.Delivered(ctx, "t2"); err != nil || ok {
		t.Fatalf("Delivered(t2) = %v, %v", ok, err)
	}

	n, err := ledger.Purge(ctx, old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if _, err := ledger.Records(ctx, "t2"); !errors.Is(err, contractx.ErrNotFound) {
		t.Fatalf("Records(t2) after purge error = %v", err)
	}
	if ok, _ := ledger.Delivered(ctx, "t1"); !ok {
		t.Fatal("purge dropped the recent success")
	}
}
