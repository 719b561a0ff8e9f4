package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/guardant/guardant/internal/model"
)

func registerBody(workerID string) map[string]any {
	return map[string]any{
		"worker_id":   workerID,
		"owner_email": "ops@example.com",
		"location": map[string]any{
			"city":    "Frankfurt",
			"country": "DE",
		},
		"capabilities": map[string]any{
			"service_types": []string{"web", "tcp"},
		},
		"version": "1.4.0",
	}
}

func TestWorkerLifecycle(t *testing.T) {
	fx := newAPIFixture(t)

	// Registration needs no token.
	resp := fx.do(http.MethodPost, "/api/workers/register", "", registerBody("w1"))
	wantStatus(t, resp, http.StatusAccepted)
	var worker model.Worker
	decodeInto(t, resp, &worker)
	if worker.Status.Approved {
		t.Fatal("fresh registration must not be approved")
	}

	// It shows up in the pending queue for admins.
	resp = fx.do(http.MethodGet, "/api/workers/registrations/pending", testAdminToken, nil)
	wantStatus(t, resp, http.StatusOK)
	var pending PageResponse[*model.Worker]
	decodeInto(t, resp, &pending)
	if pending.Total != 1 || pending.Items[0].WorkerID != "w1" {
		t.Fatalf("pending = %+v", pending)
	}

	// The legacy alias serves the same view.
	resp = fx.do(http.MethodGet, "/api/platform/workers/pending", testAdminToken, nil)
	wantStatus(t, resp, http.StatusOK)
	decodeInto(t, resp, &pending)
	if pending.Total != 1 {
		t.Fatalf("alias pending total = %d, want 1", pending.Total)
	}

	// While pending, the approval poll carries no credentials.
	resp = fx.do(http.MethodGet, "/api/workers/w1/approval", "", nil)
	wantStatus(t, resp, http.StatusOK)
	var approval struct {
		Approved    bool                     `json:"approved"`
		Suspended   bool                     `json:"suspended"`
		Credentials *model.BrokerCredentials `json:"credentials"`
		Region      string                   `json:"region"`
	}
	decodeInto(t, resp, &approval)
	if approval.Approved || approval.Credentials != nil {
		t.Fatalf("pending approval = %+v", approval)
	}

	// Approval is admin-only and requires a region.
	resp = fx.do(http.MethodPost, "/api/workers/w1/approve", testAdminToken, map[string]any{})
	wantErrorCode(t, resp, http.StatusBadRequest, "INVALID_ARGUMENT")

	resp = fx.do(http.MethodPost, "/api/workers/w1/approve", testAdminToken, map[string]any{"region": "eu-central-1"})
	wantStatus(t, resp, http.StatusOK)
	var creds model.BrokerCredentials
	decodeInto(t, resp, &creds)
	if creds.Username != "worker-w1" {
		t.Fatalf("credentials username = %q", creds.Username)
	}
	if len(creds.Password) != 64 {
		t.Fatalf("password length = %d, want 64 hex chars", len(creds.Password))
	}
	if !strings.Contains(creds.AMQPURL, "worker-w1") {
		t.Fatalf("connection string %q missing username", creds.AMQPURL)
	}

	// Credentials appear on the approval poll afterwards.
	resp = fx.do(http.MethodGet, "/api/workers/w1/approval", "", nil)
	wantStatus(t, resp, http.StatusOK)
	decodeInto(t, resp, &approval)
	if !approval.Approved || approval.Credentials == nil || approval.Region != "eu-central-1" {
		t.Fatalf("approved poll = %+v", approval)
	}

	// Heartbeats fold counters into the registration.
	resp = fx.do(http.MethodPost, "/api/workers/w1/heartbeat", "", map[string]any{
		"version":               "1.4.0",
		"region":                "eu-central-1",
		"checks_ok":             12,
		"total_points":          14.5,
		"current_period_points": 14.5,
		"connected":             true,
	})
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = fx.do(http.MethodGet, "/api/workers?approved=true", testAdminToken, nil)
	wantStatus(t, resp, http.StatusOK)
	var approved PageResponse[*model.Worker]
	decodeInto(t, resp, &approved)
	if approved.Total != 1 || approved.Items[0].Counters.ChecksOK != 12 {
		t.Fatalf("approved listing = %+v", approved)
	}

	// Leaderboard projects the counters.
	resp = fx.do(http.MethodGet, "/api/workers/leaderboard", testAdminToken, nil)
	wantStatus(t, resp, http.StatusOK)
	var rows []struct {
		WorkerID    string  `json:"worker_id"`
		Region      string  `json:"region"`
		TotalPoints float64 `json:"total_points"`
		ChecksOK    int64   `json:"checks_ok"`
	}
	decodeInto(t, resp, &rows)
	if len(rows) != 1 || rows[0].TotalPoints != 14.5 {
		t.Fatalf("leaderboard = %+v", rows)
	}
}

func TestWorkerSuspendPublishesCommand(t *testing.T) {
	fx := newAPIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp := fx.do(http.MethodPost, "/api/workers/register", "", registerBody("w1"))
	wantStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
	resp = fx.do(http.MethodPost, "/api/workers/w1/approve", testAdminToken, map[string]any{"region": "eu-central-1"})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	cmds, err := fx.bus.ConsumeCommands(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}

	resp = fx.do(http.MethodPost, "/api/workers/w1/suspend", testAdminToken, nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	select {
	case d := <-cmds:
		if d.Command.Command != model.CommandSuspend {
			t.Fatalf("command = %q, want suspend", d.Command.Command)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no suspend command delivered")
	}

	resp = fx.do(http.MethodGet, "/api/workers/w1/approval", "", nil)
	wantStatus(t, resp, http.StatusOK)
	var approval struct {
		Suspended bool `json:"suspended"`
	}
	decodeInto(t, resp, &approval)
	if !approval.Suspended {
		t.Fatal("worker should be suspended")
	}
}

func TestWorkerFleetUpdateBroadcast(t *testing.T) {
	fx := newAPIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp := fx.do(http.MethodPost, "/api/workers/register", "", registerBody("w1"))
	wantStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	// Subscribe first so the broadcast has a queue to reach.
	cmds, err := fx.bus.ConsumeCommands(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}

	resp = fx.do(http.MethodPost, "/api/workers/update", testAdminToken, map[string]any{})
	wantStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	select {
	case d := <-cmds:
		if d.Command.Command != model.CommandUpdateWorker {
			t.Fatalf("command = %q, want update_worker", d.Command.Command)
		}
		if d.Command.Target != model.BroadcastTarget {
			t.Fatalf("target = %q, want broadcast", d.Command.Target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update command delivered")
	}
}

func TestWorkerRejectRemovesRegistration(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(http.MethodPost, "/api/workers/register", "", registerBody("w1"))
	wantStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	resp = fx.do(http.MethodPost, "/api/workers/w1/reject", testAdminToken, nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = fx.do(http.MethodGet, "/api/workers/w1/approval", "", nil)
	wantErrorCode(t, resp, http.StatusNotFound, "NOT_FOUND")
}

func TestWorkerAdminRoutesRequireAdmin(t *testing.T) {
	fx := newAPIFixture(t)
	fx.seedNest("nest-a", "acme", 0)
	fx.seedUserToken("token-a", "u1", "nest-a")

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/workers"},
		{http.MethodGet, "/api/workers/registrations/pending"},
		{http.MethodPost, "/api/workers/w1/suspend"},
		{http.MethodDelete, "/api/workers/w1"},
	} {
		resp := fx.do(route.method, route.path, "token-a", nil)
		wantErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")
	}
}
