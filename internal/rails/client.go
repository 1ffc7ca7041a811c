// Package rails is the outbound client for the persistence/dashboard
// collaborator. Every call runs under its own deadline with bounded
// retries on transient statuses; all failures are classified, and only
// tool dispatch surfaces them to the peer.
package rails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicebridge/internal/provider"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

const providerName = "rails"

// Transient collaborator failures are retried inside the per-call
// deadline; retryability follows the HTTP status classifier.
const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
	retryCap      = time.Second
)

type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client

	mu      sync.Mutex
	callIDs map[string]int64 // external call_id -> rails call row id
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout + time.Second},
		callIDs: make(map[string]int64),
	}
}

// Enabled reports whether a collaborator endpoint is configured at all.
func (c *Client) Enabled() bool { return c.baseURL != "" }

type callRecord struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

// EnsureCall resolves the rails row id for an external call_id, creating
// the call record on first use. Results are cached per process.
func (c *Client) EnsureCall(ctx context.Context, externalID string) (int64, error) {
	c.mu.Lock()
	if id, ok := c.callIDs[externalID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var rec callRecord
	err := c.postJSON(ctx, "/calls", map[string]any{
		"external_id": externalID,
		"status":      "active",
	}, &rec)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.callIDs[externalID] = rec.ID
	c.mu.Unlock()
	return rec.ID, nil
}

// AppendMessage persists one message under the call identified by the
// external call_id, creating the call lazily.
func (c *Client) AppendMessage(ctx context.Context, externalID, role, content string) error {
	callID, err := c.EnsureCall(ctx, externalID)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, fmt.Sprintf("/calls/%d/messages", callID), map[string]any{
		"role":    role,
		"content": content,
	}, nil)
}

type toolResponse struct {
	OK     bool            `json:"ok"`
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// DispatchTool forwards a tool invocation. A collaborator-level refusal
// (ok=false) is returned as a classified error so the caller can relay
// it in the tool_result frame.
func (c *Client) DispatchTool(ctx context.Context, tool string, payload json.RawMessage) (json.RawMessage, error) {
	body := map[string]any{"tool": tool}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	var res toolResponse
	if err := c.postJSON(ctx, "/tools/dispatch", body, &res); err != nil {
		return nil, err
	}
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "tool dispatch refused"
		}
		return nil, provider.NewError(provider.KindProvider, providerName, msg)
	}
	return res.Result, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	if !c.Enabled() {
		return provider.NewError(provider.KindNetwork, providerName, "collaborator not configured")
	}

	_, err := reliability.WithTimeout(ctx, c.timeout, func(ctx context.Context) (struct{}, error) {
		payload, err := json.Marshal(body)
		if err != nil {
			return struct{}{}, fmt.Errorf("marshal request: %w", err)
		}

		var lastErr error
		for attempt := 0; attempt < retryAttempts; attempt++ {
			if attempt > 0 {
				if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, retryBase, retryCap)); err != nil {
					return struct{}{}, err
				}
			}
			retryable, err := c.doOnce(ctx, path, payload, out)
			if err == nil {
				return struct{}{}, nil
			}
			lastErr = err
			if !retryable {
				break
			}
		}
		return struct{}{}, lastErr
	})
	return provider.Classify(providerName, err)
}

// doOnce performs a single POST. The retryable result is true only for
// transient HTTP statuses; transport-level failures are reported as-is
// so their network classification survives.
func (c *Client) doOnce(ctx context.Context, path string, payload []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return false, provider.WrapError(provider.KindNetwork, providerName, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		// A bad-request tool refusal still carries a useful body.
		if out != nil && json.Unmarshal(raw, out) == nil && res.StatusCode == http.StatusBadRequest {
			return false, nil
		}
		return reliability.IsRetryableHTTPStatus(res.StatusCode), provider.NewError(statusKind(res.StatusCode), providerName,
			fmt.Sprintf("rails status %d: %s", res.StatusCode, strings.TrimSpace(string(raw))))
	}

	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return false, provider.WrapError(provider.KindProvider, providerName, fmt.Errorf("decode response: %w", err))
	}
	return false, nil
}

func statusKind(code int) provider.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return provider.KindAuth
	case code == http.StatusTooManyRequests:
		return provider.KindRateLimit
	default:
		return provider.KindProvider
	}
}
