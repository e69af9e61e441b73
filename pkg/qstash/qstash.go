package qstash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "Upstash-Signature"
	HeaderRetried   = "Upstash-Retried"
	HeaderMessageID = "Upstash-Message-Id"
)

var ErrRequestFailed = errors.New("qstash request failed")

type Config struct {
	URL               string        `split_words:"true" default:"https://qstash.upstash.io"`
	Token             string        `split_words:"true" required:"true"`
	CurrentSigningKey string        `split_words:"true" required:"true"`
	NextSigningKey    string        `split_words:"true" required:"true"`
	Timeout           time.Duration `split_words:"true" default:"10s"`
}

type Client struct {
	baseURL           string
	token             string
	currentSigningKey string
	nextSigningKey    string
	httpClient        *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("qstash url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("qstash token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		token:             token,
		currentSigningKey: strings.TrimSpace(cfg.CurrentSigningKey),
		nextSigningKey:    strings.TrimSpace(cfg.NextSigningKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	return client, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// Verifier returns a signature verifier using this client's signing keys.
func (c *Client) Verifier() (*Verifier, error) {
	return NewVerifier(c.currentSigningKey, c.nextSigningKey)
}

// PublishRequest describes one message. Retries is the number of redeliveries
// after the first attempt; Timeout bounds how long QStash waits for the
// destination to answer.
type PublishRequest struct {
	Destination     string
	Body            []byte
	DeduplicationID string
	Retries         int
	Timeout         time.Duration
	FailureCallback string
}

type PublishResponse struct {
	MessageID    string `json:"messageId"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

func (c *Client) Publish(ctx context.Context, req PublishRequest) (PublishResponse, error) {
	dest := strings.TrimSpace(req.Destination)
	if dest == "" {
		return PublishResponse{}, errors.New("qstash destination is required")
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if req.DeduplicationID != "" {
		headers.Set("Upstash-Deduplication-Id", req.DeduplicationID)
	}
	if req.Retries >= 0 {
		headers.Set("Upstash-Retries", strconv.Itoa(req.Retries))
	}
	if req.Timeout > 0 {
		headers.Set("Upstash-Timeout", strconv.Itoa(int(req.Timeout/time.Second))+"s")
	}
	if req.FailureCallback != "" {
		headers.Set("Upstash-Failure-Callback", req.FailureCallback)
	}

	var out PublishResponse
	if err := c.do(ctx, http.MethodPost, "/v2/publish/"+dest, headers, req.Body, &out); err != nil {
		return PublishResponse{}, err
	}
	return out, nil
}

// DLQMessage is a message QStash gave up on.
type DLQMessage struct {
	MessageID      string `json:"messageId"`
	DLQID          string `json:"dlqId"`
	URL            string `json:"url"`
	Body           string `json:"body"`
	CreatedAt      int64  `json:"createdAt"`
	ResponseStatus int    `json:"responseStatus"`
	MaxRetries     int    `json:"maxRetries"`
}

type dlqPage struct {
	Messages []DLQMessage `json:"messages"`
	Cursor   string       `json:"cursor"`
}

// ListDLQ returns up to limit dead-lettered messages, newest first as QStash
// orders them.
func (c *Client) ListDLQ(ctx context.Context, limit int) ([]DLQMessage, error) {
	var (
		out    []DLQMessage
		cursor string
	)
	for {
		path := "/v2/dlq"
		if cursor != "" {
			path += "?cursor=" + url.QueryEscape(cursor)
		}
		var page dlqPage
		if err := c.do(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Messages...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if page.Cursor == "" || len(page.Messages) == 0 {
			return out, nil
		}
		cursor = page.Cursor
	}
}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRequestFailed, method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
	}
	return nil
}
