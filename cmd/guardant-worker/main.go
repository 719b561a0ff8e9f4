// Command guardant-worker runs the probe agent: it registers with the
// control plane, waits for operator approval, then consumes probe tasks
// from the broker and publishes results through a durable local buffer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guardant/guardant/internal/agent"
	"github.com/guardant/guardant/internal/buffer"
	"github.com/guardant/guardant/internal/buildinfo"
	"github.com/guardant/guardant/internal/bus"
	"github.com/guardant/guardant/internal/config"
	"github.com/guardant/guardant/internal/geoip"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/netutil"
)

// Exit codes follow sysexits conventions so orchestrators can tell a bad
// deployment from a transient outage.
const (
	exitOK                = 0
	exitConfig            = 64
	exitBrokerUnreachable = 69
	exitBufferCorrupt     = 75
	exitUnauthorized      = 77
)

// runAttempts bounds how often the agent loop is restarted on transient
// broker errors before the process gives up.
const runAttempts = 5

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buf, err := buffer.Open(cfg.DataDir, cfg.BufferCapacity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		if errors.Is(err, buffer.ErrCorrupt) {
			return exitBufferCorrupt
		}
		return exitConfig
	}
	defer buf.Close()

	downloader := netutil.NewDirectDownloader(15*time.Second, "guardant-worker/"+buildinfo.Version)
	geoSvc := geoip.NewService(geoip.ServiceConfig{
		CacheDir:   cfg.DataDir,
		DBURL:      cfg.GeoIPDBURL,
		Downloader: downloader,
	})
	geoSvc.Start()
	defer geoSvc.Close()

	location := detectLocation(ctx, cfg, downloader, geoSvc.Lookup)
	log.Printf("[worker] location: %s, %s (%s)", location.City, location.Country, location.Continent)

	client := agent.NewClient(cfg.RegistryURL)
	metrics := agent.NewMetrics()
	ag := agent.New(agent.Config{
		WorkerID:          cfg.WorkerID,
		OwnerEmail:        cfg.OwnerEmail,
		Version:           buildinfo.Version,
		Region:            cfg.Region,
		Location:          location,
		Concurrency:       cfg.Concurrency,
		RPM:               cfg.RPM,
		MaxRespMB:         cfg.MaxRespMB,
		DisabledProbes:    disabledProbes(cfg.DisabledProbes),
		HeartbeatInterval: cfg.HeartbeatInterval,
		PointsValue:       cfg.PointsValue,
	}, client, nil, buf, func(ctx context.Context, url string) (bus.MessageBus, error) {
		return bus.DialRedisBus(ctx, url)
	}, metrics)
	ag.SetUpdateFunc(func(cmd model.ControlCommand) error {
		// Standalone deployments update via their orchestrator, not in-place.
		return fmt.Errorf("agent: %s requires an orchestrated deployment", cmd.Command)
	})

	health := agent.NewHealthServer(cfg.HealthPort, ag, metrics)
	go func() {
		log.Printf("[worker] health endpoint on :%d", cfg.HealthPort)
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[worker] health server: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	log.Printf("[worker] %s %s starting", cfg.WorkerID, buildinfo.Version)
	code := runAgent(ctx, ag)
	log.Println("[worker] stopped")
	return code
}

// runAgent restarts the agent loop on transient failures; persistent
// rejection or broker unavailability maps to a terminal exit code.
func runAgent(ctx context.Context, ag *agent.Agent) int {
	backoff := 5 * time.Second
	for attempt := 1; ; attempt++ {
		err := ag.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return exitOK
		}
		if errors.Is(err, agent.ErrUnauthorized) {
			log.Printf("[worker] credentials rejected: %v", err)
			return exitUnauthorized
		}
		if attempt >= runAttempts {
			log.Printf("[worker] giving up after %d attempts: %v", attempt, err)
			return exitBrokerUnreachable
		}
		log.Printf("[worker] agent stopped (attempt %d/%d), retrying in %s: %v", attempt, runAttempts, backoff, err)
		select {
		case <-ctx.Done():
			return exitOK
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
}

// detectLocation resolves where this worker runs: cached result, PUBLIC_IP
// override, external-IP lookup against the local GeoIP database, or a
// timezone heuristic as the last resort.
func detectLocation(ctx context.Context, cfg *config.WorkerConfig, downloader netutil.Downloader, lookup geoip.LookupFunc) model.WorkerLocation {
	locator := &geoip.Locator{
		CacheDir:   cfg.DataDir,
		PublicIP:   cfg.PublicIP,
		Downloader: downloader,
		Lookup:     lookup,
	}
	loc := locator.Detect(ctx)
	if cfg.Datacenter != "" {
		// The operator's datacenter label beats the detected city.
		loc.City = cfg.Datacenter
	}
	return loc
}

func disabledProbes(names []string) []model.ServiceType {
	out := make([]model.ServiceType, 0, len(names))
	for _, n := range names {
		out = append(out, model.ServiceType(n))
	}
	return out
}
