package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/bus"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/regions"
	"github.com/guardant/guardant/internal/registry"
	"github.com/guardant/guardant/internal/store"
)

const testAdminToken = "test-admin-token"

// fakeProvisioner records broker-user operations so worker approval can run
// without a real broker.
type fakeProvisioner struct {
	mu          sync.Mutex
	provisioned map[string]string
	revoked     []string
}

func (f *fakeProvisioner) Provision(_ context.Context, username, password, workerID, region string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisioned == nil {
		f.provisioned = map[string]string{}
	}
	f.provisioned[username] = region
	return nil
}

func (f *fakeProvisioner) Revoke(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, username)
	return nil
}

type apiFixture struct {
	t        *testing.T
	ts       *httptest.Server
	entities *store.Store
	registry *registry.Registry
	bus      *bus.MemoryBus
	audit    *audit.Service
}

func newAPIFixture(t *testing.T, opts ...func(*ServerDeps)) *apiFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	kv := store.NewRedisKV(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { kv.Close() })

	entities := store.New(kv, 24*time.Hour)
	b := bus.NewMemoryBus()
	reg := registry.New(kv, entities, b, &fakeProvisioner{}, "redis://broker.internal:6379/0")

	repo := audit.NewRepo(t.TempDir(), 0, 0)
	if err := repo.Open(); err != nil {
		t.Fatalf("open audit repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	auditSvc := audit.NewService(audit.ServiceConfig{Repo: repo, FlushInterval: 20 * time.Millisecond})
	auditSvc.Start()
	t.Cleanup(auditSvc.Stop)

	catalogue, err := regions.Load("")
	if err != nil {
		t.Fatalf("load region catalogue: %v", err)
	}

	deps := ServerDeps{
		Entities:          entities,
		Registry:          reg,
		Catalogue:         catalogue,
		Audit:             auditSvc,
		Resolver:          &StoreTokenResolver{AdminToken: testAdminToken, Entities: entities},
		SSEHeartbeatEvery: 50 * time.Millisecond,
	}
	for _, o := range opts {
		o(&deps)
	}

	srv := NewServer("127.0.0.1", 0, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{t: t, ts: ts, entities: entities, registry: reg, bus: b, audit: auditSvc}
}

func (fx *apiFixture) do(method, path, token string, body any) *http.Response {
	fx.t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			fx.t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, fx.ts.URL+path, rd)
	if err != nil {
		fx.t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := fx.ts.Client().Do(req)
	if err != nil {
		fx.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, body)
	}
}

func wantErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, body)
	}
	var er ErrorResponse
	decodeInto(t, resp, &er)
	if er.Error.Code != code {
		t.Fatalf("error code = %q, want %q", er.Error.Code, code)
	}
}

func (fx *apiFixture) seedNest(id, subdomain string, servicesLimit int) *model.Nest {
	fx.t.Helper()
	now := time.Now().UnixNano()
	nest := &model.Nest{
		ID:         id,
		Subdomain:  subdomain,
		Name:       "Nest " + id,
		OwnerEmail: id + "@example.com",
		Subscription: model.Subscription{
			Tier:          model.TierFree,
			ServicesLimit: servicesLimit,
		},
		IsActive:    true,
		CreatedAtNs: now,
		UpdatedAtNs: now,
	}
	if err := fx.entities.PutNest(context.Background(), nest); err != nil {
		fx.t.Fatalf("seed nest %s: %v", id, err)
	}
	return nest
}

func (fx *apiFixture) seedUserToken(token, userID, nestID string) {
	fx.t.Helper()
	p := &model.Principal{UserID: userID, Email: userID + "@example.com", NestID: nestID, Role: model.RoleNestUser}
	if err := fx.entities.PutPrincipal(context.Background(), token, p); err != nil {
		fx.t.Fatalf("seed token for %s: %v", userID, err)
	}
}

func (fx *apiFixture) seedService(nestID, serviceID string, typ model.ServiceType) *model.Service {
	fx.t.Helper()
	now := time.Now().UnixNano()
	svc := &model.Service{
		ID:              serviceID,
		NestID:          nestID,
		Name:            "svc " + serviceID,
		Type:            typ,
		Target:          "https://example.com",
		IntervalSeconds: 60,
		TimeoutMs:       5000,
		Regions:         []string{"eu-central-1"},
		IsActive:        true,
		CreatedAtNs:     now,
		UpdatedAtNs:     now,
	}
	if typ == model.ServiceTypeHeartbeat {
		svc.Target = ""
		svc.TypeConfig = model.TypeConfig{Heartbeat: &model.HeartbeatOptions{ExpectedIntervalSeconds: 60}}
	}
	if err := fx.entities.PutService(context.Background(), svc); err != nil {
		fx.t.Fatalf("seed service %s: %v", serviceID, err)
	}
	return svc
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	fx := newAPIFixture(t)
	resp := fx.do(http.MethodGet, "/healthz", "", nil)
	wantStatus(t, resp, http.StatusOK)
	var body map[string]string
	decodeInto(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("healthz body = %v", body)
	}
}
