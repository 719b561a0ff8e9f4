package agent

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthzPayload(t *testing.T) {
	ag := New(Config{WorkerID: "w1", Region: "eu-central-1"}, nil, nil, nil, nil, nil)
	hs := NewHealthServer(0, ag, NewMetrics())

	rec := httptest.NewRecorder()
	hs.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("healthz status %d", rec.Code)
	}

	var body struct {
		Status   string `json:"status"`
		WorkerID string `json:"worker_id"`
		Region   string `json:"region"`
		Uptime   string `json:"uptime"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.WorkerID != "w1" || body.Region != "eu-central-1" {
		t.Fatalf("unexpected payload: %+v", body)
	}
	if _, err := time.ParseDuration(body.Uptime); err != nil {
		t.Fatalf("uptime %q is not a duration string: %v", body.Uptime, err)
	}
}

func TestHealthMetricsEndpoint(t *testing.T) {
	ag := New(Config{WorkerID: "w1"}, nil, nil, nil, nil, nil)
	m := NewMetrics()
	m.ProbesTotal.WithLabelValues("web", "up").Inc()
	hs := NewHealthServer(0, ag, m)

	rec := httptest.NewRecorder()
	hs.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "guardant_worker_probes_total") {
		t.Fatal("probe counter missing from exposition")
	}
}
