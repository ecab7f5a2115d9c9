// Package probe performs a single status query against the remote endpoint
// for one account and normalizes the heterogeneous response shapes into a
// boolean unlocked signal plus a raw diagnostic payload.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"unlockbot/internal/store"
	logx "unlockbot/pkg/logx"
)

// Status sentinels used when no HTTP status code exists.
const (
	StatusNotConfigured = "not-configured"
	StatusError         = "error"
)

const maxBodyBytes = 1 << 20 // 1 MiB diagnostic cap

// Result is the outcome of one probe. It is never an error: transport and
// parse failures are represented in the fields so a sweep can decide what to
// log and move on.
type Result struct {
	// OK is true iff the transport succeeded and the HTTP status is < 400.
	OK bool
	// Unlocked is the parsed domain signal (false when absent/unparsable).
	Unlocked bool
	// Status is the HTTP status code in decimal, or a sentinel
	// (StatusNotConfigured, StatusError).
	Status string
	// Raw holds the response body or the transport error text, for
	// diagnostics only.
	Raw string
}

// Client issues status probes. Safe for concurrent use.
type Client struct {
	http    *http.Client
	log     logx.Logger
	timeout atomic.Int64 // ns; mutable via SetTimeout on config reload
}

func New(timeout time.Duration, log logx.Logger) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		http: &http.Client{},
		log:  log,
	}
	c.timeout.Store(int64(timeout))
	return c
}

// SetTimeout replaces the request timeout (config reload). Safe to call
// while probes are in flight; only subsequent probes observe it.
func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout.Store(int64(timeout))
	}
}

// Check probes one account. With an unconfigured endpoint it returns
// immediately (StatusNotConfigured) without any network call.
func (c *Client) Check(ctx context.Context, ep store.Endpoint, account string) Result {
	if !ep.Configured() {
		return Result{Status: StatusNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeout.Load()))
	defer cancel()

	body, err := json.Marshal(map[string]string{"account": account})
	if err != nil {
		return Result{Status: StatusError, Raw: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Status: StatusError, Raw: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+ep.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Status: StatusError, Raw: err.Error()}
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{Status: StatusError, Raw: err.Error()}
	}

	out := Result{
		OK:     resp.StatusCode < 400,
		Status: strconv.Itoa(resp.StatusCode),
		Raw:    string(text),
	}
	out.Unlocked = extractUnlocked(text)
	return out
}

// extractUnlocked applies the unlocked-signal policy, in priority order:
//
//  1. a top-level "unlocked" key wins, whatever its value
//  2. else "status" in ("ok", "success") with a nested data.unlocked key
//  3. else false
func extractUnlocked(body []byte) bool {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}

	if v, ok := parsed["unlocked"]; ok {
		return truthy(v)
	}
	if st, _ := parsed["status"].(string); st == "ok" || st == "success" {
		if inner, ok := parsed["data"].(map[string]any); ok {
			if v, ok := inner["unlocked"]; ok {
				return truthy(v)
			}
		}
	}
	return false
}

// truthy mirrors loose JSON truthiness: false, 0, "", null, and empty
// collections are false; everything else is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
