package api

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

// readEvent scans one SSE event (event + data lines) off the stream.
func readEvent(t *testing.T, scanner *bufio.Scanner) (event, data string) {
	t.Helper()
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event != "" {
				return event, data
			}
		}
	}
	t.Fatalf("stream ended early: %v", scanner.Err())
	return "", ""
}

func TestStatusEventsStream(t *testing.T) {
	fx := newAPIFixture(t)
	fx.seedNest("nest-a", "acme", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fx.ts.URL+"/api/status/acme/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := fx.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)

	// The first heartbeat proves the subscription is live; only then is a
	// publish guaranteed to be delivered.
	event, _ := readEvent(t, scanner)
	if event != "heartbeat" {
		t.Fatalf("first event = %q, want heartbeat", event)
	}

	payload := `{"service_id":"svc-1","status":"down"}`
	if err := fx.entities.PublishStatus(context.Background(), "nest-a", []byte(payload)); err != nil {
		t.Fatal(err)
	}

	for {
		event, data := readEvent(t, scanner)
		if event == "heartbeat" {
			continue
		}
		if event != "update" {
			t.Fatalf("event = %q, want update", event)
		}
		if data != payload {
			t.Fatalf("update data = %q, want %q", data, payload)
		}
		return
	}
}

func TestStatusEventsUnknownSubdomain(t *testing.T) {
	fx := newAPIFixture(t)
	resp := fx.do(http.MethodGet, "/api/status/nowhere/events", "", nil)
	wantErrorCode(t, resp, http.StatusNotFound, "NOT_FOUND")
}
