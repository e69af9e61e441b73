package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultStoreKeyPrefix = "relay:memory:"
	defaultStoreTTL       = 30 * 24 * time.Hour
	maxResponseSizeBytes  = 2 << 20
)

// Store is the persistence contract used by reasoner adapters.
type Store interface {
	Load(ctx context.Context, memoryKey, sessionKey string) (*Transcript, error)
	Save(ctx context.Context, t *Transcript) error
	Delete(ctx context.Context, memoryKey, sessionKey string) error
}

// StoreOption customizes UpstashRedisStore.
type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

// WithTTL sets the retention window; 0 keeps transcripts forever.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore persists transcripts in Upstash Redis via REST.
type UpstashRedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
}

var _ Store = (*UpstashRedisStore)(nil)

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL       string        `envconfig:"URL" split_words:"true"`
	Token     string        `envconfig:"TOKEN" split_words:"true"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	Retention time.Duration `envconfig:"RETENTION" split_words:"true" default:"720h"`
}

// Enabled reports whether an Upstash endpoint is configured.
func (c UpstashRedisConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ttl := cfg.Retention
	if ttl == 0 {
		ttl = defaultStoreTTL
	}

	store := &UpstashRedisStore{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		keyPrefix: defaultStoreKeyPrefix,
		ttl:       ttl,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return store, nil
}

func (s *UpstashRedisStore) Load(ctx context.Context, memoryKey, sessionKey string) (*Transcript, error) {
	key, err := s.redisKey(memoryKey, sessionKey)
	if err != nil {
		return nil, err
	}

	resp, err := s.exec(ctx, []any{"GET", key})
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrTranscriptNotFound
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode transcript payload: %w", err)
	}

	var t Transcript
	if err := json.Unmarshal([]byte(encoded), &t); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transcript loaded from store: %w", err)
	}

	return &t, nil
}

func (s *UpstashRedisStore) Save(ctx context.Context, t *Transcript) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}

	key, err := s.redisKey(t.MemoryKey, t.SessionKey)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	cmd := []any{"SET", key, string(payload)}
	if s.ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(s.ttl))
	}

	_, err = s.exec(ctx, cmd)
	return err
}

func (s *UpstashRedisStore) Delete(ctx context.Context, memoryKey, sessionKey string) error {
	key, err := s.redisKey(memoryKey, sessionKey)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, []any{"DEL", key})
	return err
}

func (s *UpstashRedisStore) redisKey(memoryKey, sessionKey string) (string, error) {
	if strings.TrimSpace(memoryKey) == "" || strings.TrimSpace(sessionKey) == "" {
		return "", ErrInvalidKey
	}
	return strings.TrimSpace(s.keyPrefix) + memoryKey + ":" + sessionKey, nil
}

func (s *UpstashRedisStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}

// LocalStore keeps transcripts in process with the same retention semantics.
type LocalStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	items map[string]localEntry
}

type localEntry struct {
	payload   []byte
	expiresAt time.Time
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(ttl time.Duration) *LocalStore {
	return &LocalStore{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]localEntry),
	}
}

func (s *LocalStore) Load(_ context.Context, memoryKey, sessionKey string) (*Transcript, error) {
	key, err := localKey(memoryKey, sessionKey)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	entry, ok := s.items[key]
	if ok && !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.items, key)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrTranscriptNotFound
	}
	var t Transcript
	if err := json.Unmarshal(entry.payload, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return &t, nil
}

func (s *LocalStore) Save(_ context.Context, t *Transcript) error {
	if err := t.Validate(); err != nil {
		return err
	}
	key, err := localKey(t.MemoryKey, t.SessionKey)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	entry := localEntry{payload: payload}
	if s.ttl > 0 {
		entry.expiresAt = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	s.items[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) Delete(_ context.Context, memoryKey, sessionKey string) error {
	key, err := localKey(memoryKey, sessionKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func localKey(memoryKey, sessionKey string) (string, error) {
	if strings.TrimSpace(memoryKey) == "" || strings.TrimSpace(sessionKey) == "" {
		return "", ErrInvalidKey
	}
	return memoryKey + ":" + sessionKey, nil
}
