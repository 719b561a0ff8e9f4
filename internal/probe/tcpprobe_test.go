package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/guardant/guardant/internal/model"
)

// bannerListener accepts one connection at a time and writes banner
// immediately, discarding anything the client sends.
func bannerListener(t *testing.T, banner string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if banner != "" {
					_, _ = c.Write([]byte(banner))
				}
				buf := make([]byte, 256)
				_, _ = c.Read(buf)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func tcpSpec(target string, cfg model.TypeConfig) ServiceSpec {
	return ServiceSpec{
		ServiceID:       "svc-tcp",
		NestID:          "nest-1",
		Type:            model.ServiceTypeTCP,
		Target:          target,
		Config:          cfg,
		IntervalSeconds: 60,
		TimeoutMs:       2000,
	}
}

func runTCP(t *testing.T, s *tcpStrategy, spec ServiceSpec) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), spec.Timeout())
	defer cancel()
	return s.Execute(ctx, spec)
}

func TestTCP_ConnectOnly(t *testing.T) {
	ln := bannerListener(t, "")
	out := runTCP(t, &tcpStrategy{connectOnly: true}, tcpSpec(ln.Addr().String(), model.TypeConfig{}))
	if out.Status != model.StatusUp {
		t.Fatalf("expected up, got %s (%v)", out.Status, out.Error)
	}
	if out.RTTMs <= 0 {
		t.Fatalf("expected positive rtt, got %f", out.RTTMs)
	}
}

func TestTCP_ExpectedPrefixMatch(t *testing.T) {
	ln := bannerListener(t, "220 mail.example.com ESMTP\r\n")
	cfg := model.TypeConfig{TCP: &model.TCPOptions{ExpectedPrefix: "220 "}}
	out := runTCP(t, &tcpStrategy{}, tcpSpec(ln.Addr().String(), cfg))
	if out.Status != model.StatusUp {
		t.Fatalf("expected up, got %s (%v)", out.Status, out.Error)
	}
}

func TestTCP_WrongBanner(t *testing.T) {
	ln := bannerListener(t, "550 ERR\r\n")
	cfg := model.TypeConfig{TCP: &model.TCPOptions{ExpectedPrefix: "220 "}}
	out := runTCP(t, &tcpStrategy{}, tcpSpec(ln.Addr().String(), cfg))
	if out.Status != model.StatusDown {
		t.Fatalf("expected down, got %s", out.Status)
	}
	if out.Error == nil || out.Error.Kind != model.KindProbeProtocol {
		t.Fatalf("expected probe.protocol, got %+v", out.Error)
	}
	if out.RTTMs <= 0 {
		t.Fatalf("rtt should be recorded even on mismatch, got %f", out.RTTMs)
	}
}

func TestTCP_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	out := runTCP(t, &tcpStrategy{}, tcpSpec(addr, model.TypeConfig{}))
	if out.Status != model.StatusDown {
		t.Fatalf("expected down, got %s", out.Status)
	}
	if out.Error == nil || out.Error.Kind != model.KindProbeProtocol {
		t.Fatalf("expected probe.protocol for refused connect, got %+v", out.Error)
	}
}

func TestTCP_BannerTimeout(t *testing.T) {
	// Server accepts but never writes; the read must fail at the deadline.
	ln := bannerListener(t, "")
	cfg := model.TypeConfig{TCP: &model.TCPOptions{ExpectedPrefix: "220 "}}
	spec := tcpSpec(ln.Addr().String(), cfg)
	spec.TimeoutMs = 100

	start := time.Now()
	out := runTCP(t, &tcpStrategy{}, spec)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe did not respect deadline, took %s", elapsed)
	}
	if out.Status != model.StatusDown {
		t.Fatalf("expected down, got %s", out.Status)
	}
	if out.Error == nil || out.Error.Kind != model.KindProbeTimeout {
		t.Fatalf("expected probe.timeout, got %+v", out.Error)
	}
}

func TestTCP_InvalidTarget(t *testing.T) {
	out := runTCP(t, &tcpStrategy{}, tcpSpec("no-port-here", model.TypeConfig{}))
	if out.Status != model.StatusDown {
		t.Fatalf("expected down, got %s", out.Status)
	}
	if out.Error == nil || out.Error.Kind != model.KindProbeProtocol {
		t.Fatalf("expected probe.protocol, got %+v", out.Error)
	}
}
