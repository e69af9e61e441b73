package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

var (
	testItem = contractx.WorkItem{
		TrackingID: "trk-1",
		SessionKey: "sess",
		QueryText:  "ping",
		Source:     contractx.SourceMetadata{System: "t", Process: "p"},
	}
	testResponse = contractx.ClassifiedResponse{
		TrackingID:       "trk-1",
		DestinationClass: contractx.ClassSales,
		RawText:          "**pong**",
		PlainText:        "pong",
		SessionKey:       "sess",
	}
)

type capture struct {
	mu       sync.Mutex
	payloads []Payload
	headers  []http.Header
}

func (c *capture) add(r *http.Request) {
	var p Payload
	_ = json.NewDecoder(r.Body).Decode(&p)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	c.headers = append(c.headers, r.Header.Clone())
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func statusSequence(t *testing.T, c *capture, statuses ...int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	i := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.add(r)
		mu.Lock()
		status := statuses[len(statuses)-1]
		if i < len(statuses) {
			status = statuses[i]
		}
		i++
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BackoffBase: time.Millisecond, Timeout: 2 * time.Second}
}

func TestDeliverRetriesServerErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	c := &capture{}
	server := statusSequence(t, c, http.StatusInternalServerError, http.StatusOK)
	ledger := NewMemoryLedger()
	m, err := NewManager(NewDestinations(server.URL, nil), ledger, fastConfig(3))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	final, err := m.Deliver(context.Background(), testItem, testResponse)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if final.Result != contractx.DeliverySuccess || final.AttemptNumber != 2 {
		t.Fatalf("final record = %+v", final)
	}

	recs, err := ledger.Records(context.Background(), "trk-1")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(recs))
	}
	if recs[0].Result != contractx.DeliveryRetryableFailure || recs[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("first record = %+v", recs[0])
	}
	if recs[1].Result != contractx.DeliverySuccess {
		t.Fatalf("last record = %+v", recs[1])
	}
	if ok, _ := ledger.Delivered(context.Background(), "trk-1"); !ok {
		t.Fatal("Delivered() = false after success")
	}

	if c.len() != 2 {
		t.Fatalf("destination saw %d posts, want 2", c.len())
	}
	for i, h := range c.headers {
		if h.Get(HeaderIdempotencyKey) != "trk-1" || h.Get(HeaderTrackingID) != "trk-1" {
			t.Fatalf("post %d headers = %v", i, h)
		}
	}
	p := c.payloads[1]
	if p.TrackingID != "trk-1" || p.OriginalQuery != "ping" || p.Response.Text != "**pong**" || p.Response.TextPlain != "pong" {
		t.Fatalf("payload = %+v", p)
	}
	if p.DeliveryMetadata.Attempt != 2 || p.DeliveryMetadata.DestinationURL != server.URL || p.DestinationClass != "sales" {
		t.Fatalf("payload metadata = %+v", p)
	}
}

func TestDeliverClientErrorIsTerminal(t *testing.T) {
	t.Parallel()

	c := &capture{}
	server := statusSequence(t, c, http.StatusBadRequest)
	ledger := NewMemoryLedger()
	m, _ := NewManager(NewDestinations(server.URL, nil), ledger, fastConfig(3))

	final, err := m.Deliver(context.Background(), testItem, testResponse)
	if !errors.Is(err, contractx.ErrDeliveryRejected) {
		t.Fatalf("Deliver() error = %v, want ErrDeliveryRejected", err)
	}
	if final.Result != contractx.DeliveryTerminalFailure || c.len() != 1 {
		t.Fatalf("final=%+v posts=%d", final, c.len())
	}
}

func TestDeliverExhaustionEndsTerminal(t *testing.T) {
	t.Parallel()

	c := &capture{}
	server := statusSequence(t, c, http.StatusServiceUnavailable)
	ledger := NewMemoryLedger()
	m, _ := NewManager(NewDestinations(server.URL, nil), ledger, fastConfig(3))

	_, err := m.Deliver(context.Background(), testItem, testResponse)
	if !errors.Is(err, contractx.ErrDeliveryFailed) {
		t.Fatalf("Deliver() error = %v, want ErrDeliveryFailed", err)
	}
	recs, _ := ledger.Records(context.Background(), "trk-1")
	if len(recs) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.AttemptNumber != i+1 {
			t.Fatalf("record %d attempt = %d", i, rec.AttemptNumber)
		}
	}
	if recs[2].Result != contractx.DeliveryTerminalFailure {
		t.Fatalf("last record = %+v", recs[2])
	}
}

func TestDeliverNetworkErrorIsRetried(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	ledger := NewMemoryLedger()
	m, _ := NewManager(NewDestinations(url, nil), ledger, fastConfig(2))

	_, err := m.Deliver(context.Background(), testItem, testResponse)
	if !errors.Is(err, contractx.ErrDeliveryFailed) {
		t.Fatalf("Deliver() error = %v", err)
	}
	recs, _ := ledger.Records(context.Background(), "trk-1")
	if len(recs) != 2 || recs[0].Result != contractx.DeliveryRetryableFailure {
		t.Fatalf("records = %+v", recs)
	}
}

func TestDeliverWithoutDestination(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	m, _ := NewManager(NewDestinations("", nil), ledger, fastConfig(3))

	final, err := m.Deliver(context.Background(), testItem, testResponse)
	if !errors.Is(err, contractx.ErrDeliveryFailed) {
		t.Fatalf("Deliver() error = %v", err)
	}
	if final.Result != contractx.DeliveryTerminalFailure || final.DestinationURL != "" {
		t.Fatalf("final = %+v", final)
	}
}

func TestDestinationsResolve(t *testing.T) {
	t.Parallel()

	byClass := map[contractx.DestinationClass]string{
		contractx.ClassSales:   " https://sales.example ",
		contractx.ClassFinance: "",
	}
	d := NewDestinations("https://general.example", byClass)
	byClass[contractx.ClassSupport] = "https://mutated.example"

	cases := map[contractx.DestinationClass]string{
		contractx.ClassSales:   "https://sales.example",
		contractx.ClassFinance: "https://general.example",
		contractx.ClassSupport: "https://general.example",
		contractx.ClassGeneral: "https://general.example",
	}
	for class, want := range cases {
		if got := d.Resolve(class); got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", class, got, want)
		}
	}

	cfg := DestinationConfig{GeneralURL: "g", EngineeringURL: "e"}
	if got := cfg.Destinations().Resolve(contractx.ClassEngineering); got != "e" {
		t.Fatalf("config resolve = %q", got)
	}
}

func TestMemoryLedgerPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLedger()
	_ = l.Append(ctx, contractx.DeliveryRecord{TrackingID: "old", Timestamp: base})
	_ = l.Append(ctx, contractx.DeliveryRecord{TrackingID: "new", Timestamp: base.Add(48 * time.Hour)})

	n, err := l.Purge(ctx, base.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Purge() = %d, %v", n, err)
	}
	if _, err := l.Records(ctx, "old"); !errors.Is(err, contractx.ErrNotFound) {
		t.Fatalf("Records(old) error = %v, want ErrNotFound", err)
	}
	if recs, _ := l.Records(ctx, "new"); len(recs) != 1 {
		t.Fatalf("Records(new) = %v", recs)
	}
	if err := l.Append(ctx, contractx.DeliveryRecord{}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Append() without id error = %v", err)
	}
}

func TestConfigMaxDuration(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BackoffBase: time.Second, Timeout: 30 * time.Second}
	if got, want := cfg.MaxDuration(), 93*time.Second; got != want {
		t.Fatalf("MaxDuration() = %s, want %s", got, want)
	}
	if got := (Config{MaxAttempts: 1, BackoffBase: time.Second, Timeout: 5 * time.Second}).MaxDuration(); got != 5*time.Second {
		t.Fatalf("single attempt MaxDuration() = %s", got)
	}
}
