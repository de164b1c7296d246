// Package notify delivers stored items and scheduler alerts to the
// configured channels (Telegram, Discord, a generic webhook and the Redis
// event bus).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketwatch/watcher-service/internal/model"
)

// Message is one item to announce, with the search that found it.
type Message struct {
	Item   model.Item
	Search model.Search
}

// Channel is one delivery target. Implementations format the payload; the
// Fanout decides when to call them and what a failure means.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
	SendAlert(ctx context.Context, alert model.Alert) error
}

// RateLimitedError is returned by a channel whose remote side asked the
// caller to back off.
type RateLimitedError struct {
	Channel    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Channel, e.RetryAfter)
}

// StatusError is a non-success HTTP answer from a channel endpoint.
type StatusError struct {
	Channel    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Channel, e.StatusCode, e.Body)
}

// BatchResult aggregates per-item outcomes. An item counts as a success when
// at least one channel accepted it.
type BatchResult struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

const (
	maxErrorBody       = 200
	defaultSendTimeout = 10 * time.Second
)

// postJSON sends payload and returns the status code and a bounded body.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) (int, http.Header, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("json marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("http POST: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}

// parseRetryAfter reads a Retry-After value in (possibly fractional) seconds.
func parseRetryAfter(v string, fallback time.Duration) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

func formatPrice(it model.Item) string {
	return strconv.FormatFloat(it.Price, 'f', 2, 64) + " " + it.Currency
}
