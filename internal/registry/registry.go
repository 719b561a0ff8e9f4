// Package registry tracks worker registrations through their lifecycle:
// pending on first contact, approved with scoped broker credentials, and
// optionally suspended or deleted. It also serves the heartbeat-derived
// fleet views (regions, leaderboard).
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sort"
	"time"

	"github.com/guardant/guardant/internal/bus"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/store"
)

// ActiveWindow is the default for how recently a worker must have
// heartbeated to count as active in fleet views. Shorter than the heartbeat
// key TTL so a worker appears inactive before its heartbeat expires entirely.
const ActiveWindow = 60 * time.Second

// CredentialProvisioner creates and revokes broker-side users scoped to a
// single worker. Implementations: ACLProvisioner against the production
// broker, a recording fake in tests.
type CredentialProvisioner interface {
	Provision(ctx context.Context, username, password, workerID, region string) error
	Revoke(ctx context.Context, username string) error
}

// Registry is the worker lifecycle authority.
type Registry struct {
	kv       store.KV
	entities *store.Store
	bus      bus.MessageBus
	prov     CredentialProvisioner

	// brokerURL is the template the connection string is derived from;
	// per-worker credentials replace its userinfo.
	brokerURL string

	activeWindow time.Duration

	now func() time.Time
}

// New wires a registry.
func New(kv store.KV, entities *store.Store, b bus.MessageBus, prov CredentialProvisioner, brokerURL string) *Registry {
	return &Registry{
		kv:           kv,
		entities:     entities,
		bus:          b,
		prov:         prov,
		brokerURL:    brokerURL,
		activeWindow: ActiveWindow,
		now:          time.Now,
	}
}

// SetActiveWindow overrides the fleet-activity window. Must be called before
// the registry starts serving requests.
func (r *Registry) SetActiveWindow(d time.Duration) {
	if d > 0 {
		r.activeWindow = d
	}
}

// RegisterRequest is the payload a worker submits on first contact.
type RegisterRequest struct {
	WorkerID     string                   `json:"worker_id"`
	OwnerEmail   string                   `json:"owner_email"`
	Location     model.WorkerLocation     `json:"location"`
	Capabilities model.WorkerCapabilities `json:"capabilities"`
	Version      string                   `json:"version"`
}

// Register stores a pending registration. Idempotent on worker id: a
// re-registration refreshes location, capabilities, and version but never
// resets approval state.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*model.Worker, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("registry: register: worker_id required")
	}
	if req.OwnerEmail == "" {
		return nil, fmt.Errorf("registry: register: owner_email required")
	}

	existing, err := r.get(ctx, req.WorkerID)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	w := existing
	if w == nil {
		w = &model.Worker{
			WorkerID:       req.WorkerID,
			RegisteredAtNs: r.now().UnixNano(),
		}
	}
	w.OwnerEmail = req.OwnerEmail
	w.Location = req.Location
	w.Capabilities = req.Capabilities
	w.Status.Version = req.Version

	if err := r.put(ctx, w); err != nil {
		return nil, err
	}
	if !w.Status.Approved {
		if err := r.kv.ZAdd(ctx, store.WorkerPendingKey, float64(w.RegisteredAtNs), w.WorkerID); err != nil {
			return nil, fmt.Errorf("registry: register %s: pending zadd: %w", w.WorkerID, err)
		}
	}
	if err := r.kv.SAdd(ctx, store.WorkerByOwnerKey(w.OwnerEmail), w.WorkerID); err != nil {
		return nil, fmt.Errorf("registry: register %s: owner index: %w", w.WorkerID, err)
	}
	if existing == nil {
		log.Printf("[registry] worker %s registered by %s, pending approval", w.WorkerID, w.OwnerEmail)
	}
	return w, nil
}

// Approve issues scoped broker credentials, provisions the broker user, and
// marks the worker approved in the given region. Approving an already
// approved worker returns its existing credentials.
func (r *Registry) Approve(ctx context.Context, workerID, region string) (*model.BrokerCredentials, error) {
	w, err := r.get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w.Status.Approved && w.Status.Credentials != nil {
		return w.Status.Credentials, nil
	}

	password, err := generatePassword()
	if err != nil {
		return nil, fmt.Errorf("registry: approve %s: %w", workerID, err)
	}
	creds := &model.BrokerCredentials{
		Username: "worker-" + workerID,
		Password: password,
	}
	creds.AMQPURL, err = connectionString(r.brokerURL, creds.Username, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("registry: approve %s: %w", workerID, err)
	}

	if err := r.prov.Provision(ctx, creds.Username, creds.Password, workerID, region); err != nil {
		return nil, fmt.Errorf("registry: approve %s: provision broker user: %w", workerID, err)
	}

	w.Status.Approved = true
	w.Status.Suspended = false
	w.Status.Region = region
	w.Status.Credentials = creds
	if err := r.put(ctx, w); err != nil {
		return nil, err
	}
	if err := r.kv.ZRem(ctx, store.WorkerPendingKey, workerID); err != nil {
		return nil, fmt.Errorf("registry: approve %s: pending zrem: %w", workerID, err)
	}
	log.Printf("[registry] worker %s approved for region %s", workerID, region)
	return creds, nil
}

// Reject removes a pending registration, revoking credentials if any were
// ever issued.
func (r *Registry) Reject(ctx context.Context, workerID string) error {
	w, err := r.get(ctx, workerID)
	if err != nil {
		return err
	}
	if creds := w.Status.Credentials; creds != nil {
		if err := r.prov.Revoke(ctx, creds.Username); err != nil {
			return fmt.Errorf("registry: reject %s: revoke: %w", workerID, err)
		}
	}
	return r.removeWorker(ctx, w)
}

// Suspend stops task consumption for a worker and tells it so.
func (r *Registry) Suspend(ctx context.Context, workerID string) error {
	return r.setSuspended(ctx, workerID, true)
}

// Resume re-enables a suspended worker.
func (r *Registry) Resume(ctx context.Context, workerID string) error {
	return r.setSuspended(ctx, workerID, false)
}

func (r *Registry) setSuspended(ctx context.Context, workerID string, suspended bool) error {
	w, err := r.get(ctx, workerID)
	if err != nil {
		return err
	}
	w.Status.Suspended = suspended
	if err := r.put(ctx, w); err != nil {
		return err
	}

	cmd := model.ControlCommand{
		Command:    model.CommandResume,
		Target:     workerID,
		IssuedAtNs: r.now().UnixNano(),
	}
	if suspended {
		cmd.Command = model.CommandSuspend
	}
	if err := r.bus.PublishCommand(ctx, workerID, cmd); err != nil {
		return fmt.Errorf("registry: %s %s: publish command: %w", cmd.Command, workerID, err)
	}
	return nil
}

// ChangeRegion reassigns an approved worker to a new region and notifies it.
func (r *Registry) ChangeRegion(ctx context.Context, workerID, region string) error {
	w, err := r.get(ctx, workerID)
	if err != nil {
		return err
	}
	if !w.Status.Approved {
		return fmt.Errorf("registry: change region %s: worker not approved", workerID)
	}
	w.Status.Region = region
	if err := r.put(ctx, w); err != nil {
		return err
	}
	cmd := model.ControlCommand{
		Command:    model.CommandChangeRegion,
		Data:       map[string]any{"region": region},
		Target:     workerID,
		IssuedAtNs: r.now().UnixNano(),
	}
	if err := r.bus.PublishCommand(ctx, workerID, cmd); err != nil {
		return fmt.Errorf("registry: change region %s: publish command: %w", workerID, err)
	}
	return nil
}

// Broadcast publishes a control command to the whole fleet, or to a single
// worker when target is a worker id.
func (r *Registry) Broadcast(ctx context.Context, target string, name model.CommandName, data map[string]any) error {
	cmd := model.ControlCommand{
		Command:    name,
		Data:       data,
		Target:     target,
		IssuedAtNs: r.now().UnixNano(),
	}
	if err := r.bus.PublishCommand(ctx, target, cmd); err != nil {
		return fmt.Errorf("registry: broadcast %s to %s: %w", name, target, err)
	}
	return nil
}

// Delete revokes credentials and clears every worker-scoped key.
func (r *Registry) Delete(ctx context.Context, workerID string) error {
	w, err := r.get(ctx, workerID)
	if err != nil {
		return err
	}
	if creds := w.Status.Credentials; creds != nil {
		if err := r.prov.Revoke(ctx, creds.Username); err != nil {
			return fmt.Errorf("registry: delete %s: revoke: %w", workerID, err)
		}
	}
	return r.removeWorker(ctx, w)
}

func (r *Registry) removeWorker(ctx context.Context, w *model.Worker) error {
	if err := r.kv.HDel(ctx, store.WorkerRegistrationsKey, w.WorkerID); err != nil {
		return fmt.Errorf("registry: remove %s: %w", w.WorkerID, err)
	}
	if err := r.kv.ZRem(ctx, store.WorkerPendingKey, w.WorkerID); err != nil {
		return fmt.Errorf("registry: remove %s: pending zrem: %w", w.WorkerID, err)
	}
	if err := r.kv.SRem(ctx, store.WorkerByOwnerKey(w.OwnerEmail), w.WorkerID); err != nil {
		return fmt.Errorf("registry: remove %s: owner index: %w", w.WorkerID, err)
	}
	if err := r.entities.DeleteHeartbeat(ctx, w.WorkerID); err != nil {
		return fmt.Errorf("registry: remove %s: heartbeat: %w", w.WorkerID, err)
	}
	log.Printf("[registry] worker %s removed", w.WorkerID)
	return nil
}

// --- Heartbeats ---

// RecordHeartbeat stores the latest heartbeat and folds the worker-reported
// counters into the registration. The worker is authoritative for its own
// counters; the registry only mirrors them.
func (r *Registry) RecordHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	w, err := r.get(ctx, hb.WorkerID)
	if err == store.ErrNotFound {
		return fmt.Errorf("registry: heartbeat from unknown worker %s", hb.WorkerID)
	}
	if err != nil {
		return err
	}

	if err := r.entities.SetHeartbeat(ctx, hb); err != nil {
		return err
	}

	w.Status.LastHeartbeatNs = hb.LastSeenNs
	if hb.Version != "" {
		w.Status.Version = hb.Version
	}
	if hb.UpdateFailed {
		w.Status.UpdateFailedAtNs = r.now().UnixNano()
	}
	w.Counters.ChecksOK = hb.ChecksOK
	w.Counters.ChecksFail = hb.ChecksFail
	w.Counters.TotalPoints = hb.TotalPoints
	w.Counters.CurrentPeriodPoints = hb.CurrentPeriodPoints
	w.Counters.AvgRTMs = hb.AvgRTMs
	return r.put(ctx, w)
}

// --- Queries ---

// ListFilter narrows List. Zero value lists everything.
type ListFilter struct {
	Pending    bool
	Approved   bool
	OwnerEmail string
}

// List returns registrations matching the filter, oldest first.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]*model.Worker, error) {
	var workers []*model.Worker

	if f.OwnerEmail != "" {
		ids, err := r.kv.SMembers(ctx, store.WorkerByOwnerKey(f.OwnerEmail))
		if err != nil {
			return nil, fmt.Errorf("registry: list by owner: %w", err)
		}
		for _, id := range ids {
			w, err := r.get(ctx, id)
			if err == store.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			workers = append(workers, w)
		}
	} else {
		blobs, err := r.kv.HGetAll(ctx, store.WorkerRegistrationsKey)
		if err != nil {
			return nil, fmt.Errorf("registry: list: %w", err)
		}
		for id, blob := range blobs {
			w := &model.Worker{}
			if err := json.Unmarshal([]byte(blob), w); err != nil {
				log.Printf("[registry] skipping malformed registration %s: %v", id, err)
				continue
			}
			workers = append(workers, w)
		}
	}

	filtered := workers[:0]
	for _, w := range workers {
		if f.Pending && w.Status.Approved {
			continue
		}
		if f.Approved && !w.Status.Approved {
			continue
		}
		filtered = append(filtered, w)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].RegisteredAtNs != filtered[j].RegisteredAtNs {
			return filtered[i].RegisteredAtNs < filtered[j].RegisteredAtNs
		}
		return filtered[i].WorkerID < filtered[j].WorkerID
	})
	return filtered, nil
}

// Get loads one registration.
func (r *Registry) Get(ctx context.Context, workerID string) (*model.Worker, error) {
	return r.get(ctx, workerID)
}

// Leaderboard returns approved workers ranked by lifetime points.
func (r *Registry) Leaderboard(ctx context.Context, limit int) ([]*model.Worker, error) {
	workers, err := r.List(ctx, ListFilter{Approved: true})
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].Counters.TotalPoints != workers[j].Counters.TotalPoints {
			return workers[i].Counters.TotalPoints > workers[j].Counters.TotalPoints
		}
		return workers[i].WorkerID < workers[j].WorkerID
	})
	if limit > 0 && len(workers) > limit {
		workers = workers[:limit]
	}
	return workers, nil
}

// --- Internals ---

func (r *Registry) get(ctx context.Context, workerID string) (*model.Worker, error) {
	blob, ok, err := r.kv.HGet(ctx, store.WorkerRegistrationsKey, workerID)
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", workerID, err)
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	w := &model.Worker{}
	if err := json.Unmarshal([]byte(blob), w); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", workerID, err)
	}
	return w, nil
}

func (r *Registry) put(ctx context.Context, w *model.Worker) error {
	blob, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("registry: encode %s: %w", w.WorkerID, err)
	}
	if err := r.kv.HSet(ctx, store.WorkerRegistrationsKey, w.WorkerID, string(blob)); err != nil {
		return fmt.Errorf("registry: put %s: %w", w.WorkerID, err)
	}
	return nil
}

func generatePassword() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// connectionString rewrites the broker URL's userinfo with the issued
// credentials.
func connectionString(brokerURL, username, password string) (string, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	u.User = url.UserPassword(username, password)
	return u.String(), nil
}
