package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/guardant/guardant/internal/model"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("store: not found")

// HeartbeatTTL applies on every heartbeat write path.
const HeartbeatTTL = 90 * time.Second

// Store provides typed access to tenant entities over the KV adapter.
type Store struct {
	kv        KV
	rollupTTL time.Duration
}

// New creates a Store. rollupTTL bounds how long cached rollups survive
// without refresh (24 h per the persisted-state contract).
func New(kv KV, rollupTTL time.Duration) *Store {
	if rollupTTL <= 0 {
		rollupTTL = 24 * time.Hour
	}
	return &Store{kv: kv, rollupTTL: rollupTTL}
}

// KV exposes the raw adapter for subsystems owning their own key families.
func (s *Store) KV() KV { return s.kv }

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(raw), ttl)
}

// scanAll pages a prefix to completion with the cursor API.
func (s *Store) scanAll(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := s.kv.Scan(ctx, prefix, cursor, 200)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// --- Nests ---

// PutNest stores a nest and its subdomain/email lookup entries.
func (s *Store) PutNest(ctx context.Context, n *model.Nest) error {
	if err := s.setJSON(ctx, NestKey(n.ID), n, 0); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, NestSubdomainKey(n.Subdomain), n.ID, 0); err != nil {
		return err
	}
	return s.kv.Set(ctx, NestEmailKey(n.OwnerEmail), n.ID, 0)
}

// GetNest loads a nest by id.
func (s *Store) GetNest(ctx context.Context, id string) (*model.Nest, error) {
	n := &model.Nest{}
	if err := s.getJSON(ctx, NestKey(id), n); err != nil {
		return nil, err
	}
	return n, nil
}

// GetNestBySubdomain resolves a public subdomain to its nest.
func (s *Store) GetNestBySubdomain(ctx context.Context, sub string) (*model.Nest, error) {
	id, ok, err := s.kv.Get(ctx, NestSubdomainKey(sub))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetNest(ctx, id)
}

// ListNests scans all nests.
func (s *Store) ListNests(ctx context.Context) ([]*model.Nest, error) {
	keys, err := s.scanAll(ctx, keyNestPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Nest, 0, len(keys))
	for _, key := range keys {
		// The nest: prefix also matches lookup and channel keys.
		rest := strings.TrimPrefix(key, keyNestPrefix)
		if strings.Contains(rest, ":") {
			continue
		}
		n := &model.Nest{}
		if err := s.getJSON(ctx, key, n); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// DeactivateNest soft-deactivates a nest and all its services.
func (s *Store) DeactivateNest(ctx context.Context, id string) error {
	n, err := s.GetNest(ctx, id)
	if err != nil {
		return err
	}
	n.IsActive = false
	n.UpdatedAtNs = time.Now().UnixNano()
	if err := s.PutNest(ctx, n); err != nil {
		return err
	}
	services, err := s.ListServices(ctx, id)
	if err != nil {
		return err
	}
	for _, svc := range services {
		svc.IsActive = false
		svc.UpdatedAtNs = n.UpdatedAtNs
		if err := s.PutService(ctx, svc); err != nil {
			return err
		}
	}
	return nil
}

// --- Services ---

// PutService stores a service under its nest.
func (s *Store) PutService(ctx context.Context, svc *model.Service) error {
	return s.setJSON(ctx, ServiceKey(svc.NestID, svc.ID), svc, 0)
}

// GetService loads one service.
func (s *Store) GetService(ctx context.Context, nestID, serviceID string) (*model.Service, error) {
	svc := &model.Service{}
	if err := s.getJSON(ctx, ServiceKey(nestID, serviceID), svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// DeleteService removes a service, its rolling state, and its schedule entry.
func (s *Store) DeleteService(ctx context.Context, nestID, serviceID string) error {
	return s.kv.Del(ctx, ServiceKey(nestID, serviceID), RollupKey(nestID, serviceID))
}

// ListServices scans all services of a nest.
func (s *Store) ListServices(ctx context.Context, nestID string) ([]*model.Service, error) {
	keys, err := s.scanAll(ctx, ServicePrefix(nestID))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Service, 0, len(keys))
	for _, key := range keys {
		svc := &model.Service{}
		if err := s.getJSON(ctx, key, svc); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

// ListAllServices scans services across every nest (dispatcher catalogue).
func (s *Store) ListAllServices(ctx context.Context) ([]*model.Service, error) {
	keys, err := s.scanAll(ctx, keyServicePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Service, 0, len(keys))
	for _, key := range keys {
		svc := &model.Service{}
		if err := s.getJSON(ctx, key, svc); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

// --- Rollups ---

// PutRollup caches the derived rollup for a service, refreshed on update.
func (s *Store) PutRollup(ctx context.Context, r *model.ServiceRollup) error {
	return s.setJSON(ctx, RollupKey(r.NestID, r.ServiceID), r, s.rollupTTL)
}

// GetRollup loads the cached rollup for a service.
func (s *Store) GetRollup(ctx context.Context, nestID, serviceID string) (*model.ServiceRollup, error) {
	r := &model.ServiceRollup{}
	if err := s.getJSON(ctx, RollupKey(nestID, serviceID), r); err != nil {
		return nil, err
	}
	return r, nil
}

// --- Incidents ---

// PutIncident stores an incident and maintains the open-incidents index.
func (s *Store) PutIncident(ctx context.Context, inc *model.Incident) error {
	if err := s.setJSON(ctx, IncidentKey(inc.NestID, inc.ID), inc, 0); err != nil {
		return err
	}
	if inc.State == model.IncidentResolved {
		return s.kv.ZRem(ctx, OpenIncidentsKey(inc.NestID), inc.ID)
	}
	return s.kv.ZAdd(ctx, OpenIncidentsKey(inc.NestID), float64(inc.StartedAtNs), inc.ID)
}

// GetIncident loads one incident.
func (s *Store) GetIncident(ctx context.Context, nestID, incidentID string) (*model.Incident, error) {
	inc := &model.Incident{}
	if err := s.getJSON(ctx, IncidentKey(nestID, incidentID), inc); err != nil {
		return nil, err
	}
	return inc, nil
}

// ListOpenIncidents returns open incidents ordered by started_at.
func (s *Store) ListOpenIncidents(ctx context.Context, nestID string) ([]*model.Incident, error) {
	ids, err := s.kv.ZRangeByScore(ctx, OpenIncidentsKey(nestID), math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := s.GetIncident(ctx, nestID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

// --- Heartbeats ---

// SetHeartbeat writes a worker heartbeat with the mandatory 90 s TTL.
func (s *Store) SetHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	return s.setJSON(ctx, HeartbeatKey(hb.WorkerID), hb, HeartbeatTTL)
}

// GetHeartbeat loads one worker's latest heartbeat, if still live.
func (s *Store) GetHeartbeat(ctx context.Context, workerID string) (*model.Heartbeat, error) {
	hb := &model.Heartbeat{}
	if err := s.getJSON(ctx, HeartbeatKey(workerID), hb); err != nil {
		return nil, err
	}
	return hb, nil
}

// ListHeartbeats scans all live heartbeats.
func (s *Store) ListHeartbeats(ctx context.Context) ([]*model.Heartbeat, error) {
	keys, err := s.scanAll(ctx, keyHeartbeatPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Heartbeat, 0, len(keys))
	for _, key := range keys {
		hb := &model.Heartbeat{}
		if err := s.getJSON(ctx, key, hb); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // expired between scan and read
			}
			return nil, err
		}
		out = append(out, hb)
	}
	return out, nil
}

// DeleteHeartbeat clears a worker's heartbeat key.
func (s *Store) DeleteHeartbeat(ctx context.Context, workerID string) error {
	return s.kv.Del(ctx, HeartbeatKey(workerID))
}

// --- Service pulses (heartbeat-type services) ---

// RecordServicePulse stores the arrival time of an inbound heartbeat ping.
func (s *Store) RecordServicePulse(ctx context.Context, nestID, serviceID string, at time.Time) error {
	return s.kv.Set(ctx, ServicePulseKey(nestID, serviceID), strconv.FormatInt(at.UnixNano(), 10), 0)
}

// LastServiceHeartbeat returns the latest recorded pulse for a service.
// Satisfies the probe engine's heartbeat reader.
func (s *Store) LastServiceHeartbeat(ctx context.Context, nestID, serviceID string) (time.Time, bool, error) {
	raw, ok, err := s.kv.Get(ctx, ServicePulseKey(nestID, serviceID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: decode pulse %s/%s: %w", nestID, serviceID, err)
	}
	return time.Unix(0, ns), true, nil
}

// --- API tokens ---

// PutPrincipal maps a bearer token to its principal.
func (s *Store) PutPrincipal(ctx context.Context, token string, p *model.Principal) error {
	return s.setJSON(ctx, APITokenKey(token), p, 0)
}

// ResolvePrincipal looks up the principal for a bearer token.
func (s *Store) ResolvePrincipal(ctx context.Context, token string) (*model.Principal, error) {
	p := &model.Principal{}
	if err := s.getJSON(ctx, APITokenKey(token), p); err != nil {
		return nil, err
	}
	return p, nil
}

// RevokeToken removes a bearer token.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	return s.kv.Del(ctx, APITokenKey(token))
}

// --- SSE fan-out ---

// PublishStatus broadcasts a status-page update on the nest's channel.
func (s *Store) PublishStatus(ctx context.Context, nestID string, payload []byte) error {
	return s.kv.Publish(ctx, StatusChannel(nestID), string(payload))
}

// SubscribeStatus subscribes to one nest's status channel.
func (s *Store) SubscribeStatus(ctx context.Context, nestID string) (<-chan Message, error) {
	return s.kv.Subscribe(ctx, StatusChannel(nestID))
}
