package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guardant/guardant/internal/model"
)

// Client talks to the control-plane registry over its public worker surface.
// Workers hold no API tokens; these endpoints accept only worker-scoped
// payloads and gate everything else behind admin approval.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a registry client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// RegisterPayload mirrors the registry's registration request.
type RegisterPayload struct {
	WorkerID     string                   `json:"worker_id"`
	OwnerEmail   string                   `json:"owner_email"`
	Location     model.WorkerLocation     `json:"location"`
	Capabilities model.WorkerCapabilities `json:"capabilities"`
	Version      string                   `json:"version"`
}

// ApprovalStatus is the registry's answer to an approval poll.
type ApprovalStatus struct {
	Approved    bool                     `json:"approved"`
	Suspended   bool                     `json:"suspended"`
	Credentials *model.BrokerCredentials `json:"credentials"`
	Region      string                   `json:"region"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agent: encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("agent: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("agent: %s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent: decode %s %s: %w", method, path, err)
	}
	return nil
}

// Register submits (or refreshes) the worker's registration.
func (c *Client) Register(ctx context.Context, payload RegisterPayload) (*model.Worker, error) {
	w := &model.Worker{}
	if err := c.doJSON(ctx, http.MethodPost, "/api/workers/register", payload, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Approval polls the worker's approval state.
func (c *Client) Approval(ctx context.Context, workerID string) (*ApprovalStatus, error) {
	st := &ApprovalStatus{}
	if err := c.doJSON(ctx, http.MethodGet, "/api/workers/"+workerID+"/approval", nil, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Heartbeat reports liveness and counters to the registry.
func (c *Client) Heartbeat(ctx context.Context, hb *model.Heartbeat) error {
	return c.doJSON(ctx, http.MethodPost, "/api/workers/"+hb.WorkerID+"/heartbeat", hb, nil)
}

// LastServiceHeartbeat reads the last recorded pulse for a heartbeat-type
// service. Satisfies the probe engine's HeartbeatReader; workers cannot read
// the pulse KV directly, their broker credentials are stream-scoped.
func (c *Client) LastServiceHeartbeat(ctx context.Context, nestID, serviceID string) (time.Time, bool, error) {
	var state struct {
		Seen       bool  `json:"seen"`
		LastPingNs int64 `json:"last_ping_ns"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/push/"+nestID+"/"+serviceID, nil, &state); err != nil {
		return time.Time{}, false, err
	}
	if !state.Seen {
		return time.Time{}, false, nil
	}
	return time.Unix(0, state.LastPingNs), true, nil
}
