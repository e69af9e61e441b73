package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestUpstashRedisStoreRedisKey(t *testing.T) {
	t.Parallel()

	store := &UpstashRedisStore{keyPrefix: defaultStoreKeyPrefix}
	got, err := store.redisKey("mem", "sess")
	if err != nil {
		t.Fatalf("redisKey() error = %v", err)
	}
	if got != "relay:memory:mem:sess" {
		t.Fatalf("redisKey() = %q, want %q", got, "relay:memory:mem:sess")
	}
}

func TestUpstashRedisStoreRedisKeyEmpty(t *testing.T) {
	t.Parallel()

	store := &UpstashRedisStore{}
	if _, err := store.redisKey("mem", "   "); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("redisKey() error = %v, want ErrInvalidKey", err)
	}
}

func TestUpstashRedisStoreSaveSetsRetention(t *testing.T) {
	t.Parallel()

	var gotCommand []any
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotCommand); err != nil {
			t.Errorf("decode command: %v", err)
		}
		fmt.Fprint(w, `{"result":"OK"}`)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{URL: server.URL, Token: "token", Retention: 90 * time.Minute},
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	tr := NewTranscript("mem", "sess", time.Now())
	tr.Append(RoleUser, "hi", time.Now(), 0)
	if err := store.Save(context.Background(), tr); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if gotAuth != "Bearer token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if len(gotCommand) != 5 {
		t.Fatalf("unexpected command: %#v", gotCommand)
	}
	if gotCommand[0] != "SET" || gotCommand[1] != "relay:memory:mem:sess" {
		t.Fatalf("unexpected command head: %#v", gotCommand[:2])
	}
	if gotCommand[3] != "EX" || gotCommand[4] != float64(5400) {
		t.Fatalf("unexpected expiry: %#v", gotCommand[3:])
	}
}

func TestUpstashRedisStoreLoad(t *testing.T) {
	t.Parallel()

	seed := NewTranscript("mem", "sess", time.Now())
	seed.Append(RoleUser, "what were q3 sales?", time.Now(), 0)
	seed.Append(RoleAssistant, "about 4M", time.Now(), 0)
	payload, err := json.Marshal(seed)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	encoded, err := json.Marshal(string(payload))
	if err != nil {
		t.Fatalf("marshal encoded seed: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"result":%s}`, encoded)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(UpstashRedisConfig{URL: server.URL, Token: "token"}, WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	got, err := store.Load(context.Background(), "mem", "sess")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Turns) != 2 || got.Turns[1].Content != "about 4M" {
		t.Fatalf("unexpected transcript: %+v", got)
	}
}

func TestUpstashRedisStoreLoadMissing(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":null}`)
	}))
	t.Cleanup(server.Close)

	store, _ := NewUpstashRedisStore(UpstashRedisConfig{URL: server.URL, Token: "token"}, WithHTTPClient(server.Client()))
	if _, err := store.Load(context.Background(), "mem", "sess"); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("Load() error = %v, want ErrTranscriptNotFound", err)
	}
}

func TestUpstashRedisStoreErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"WRONGPASS"}`)
	}))
	t.Cleanup(server.Close)

	store, _ := NewUpstashRedisStore(UpstashRedisConfig{URL: server.URL, Token: "bad"}, WithHTTPClient(server.Client()))
	if err := store.Delete(context.Background(), "mem", "sess"); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestNewUpstashRedisStoreRequiresURLAndToken(t *testing.T) {
	t.Parallel()

	if _, err := NewUpstashRedisStore(UpstashRedisConfig{Token: "x"}); err == nil {
		t.Fatal("expected missing url error")
	}
	if _, err := NewUpstashRedisStore(UpstashRedisConfig{URL: "https://example.upstash.io"}); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestLocalStoreExpiresAfterRetention(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewLocalStore(time.Hour)
	store.now = func() time.Time { return now }

	tr := NewTranscript("mem", "sess", now)
	tr.Append(RoleUser, "hello", now, 0)
	if err := store.Save(context.Background(), tr); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := store.Load(context.Background(), "mem", "sess"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := store.Load(context.Background(), "mem", "sess"); !errors.Is(err, ErrTranscriptNotFound) {
		t.Fatalf("Load() after retention error = %v, want ErrTranscriptNotFound", err)
	}
}

func TestTranscriptAppendTrims(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tr := NewTranscript("mem", "sess", now)
	for i := 0; i < 5; i++ {
		tr.Append(RoleUser, fmt.Sprintf("m%d", i), now, 3)
	}
	if len(tr.Turns) != 3 || tr.Turns[0].Content != "m2" {
		t.Fatalf("unexpected turns: %+v", tr.Turns)
	}
}
