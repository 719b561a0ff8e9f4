package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/guardant/guardant/internal/aggregate"
	"github.com/guardant/guardant/internal/api"
	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/buildinfo"
	"github.com/guardant/guardant/internal/bus"
	"github.com/guardant/guardant/internal/config"
	"github.com/guardant/guardant/internal/dispatch"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/regions"
	"github.com/guardant/guardant/internal/registry"
	"github.com/guardant/guardant/internal/store"
)

type guardantApp struct {
	cfg *config.ServerConfig

	kv          *store.RedisKV
	entities    *store.Store
	broker      *bus.RedisBus
	provisioner *registry.ACLProvisioner
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	history     *aggregate.HistoryRepo
	aggregator  *aggregate.Aggregator
	auditRepo   *audit.Repo
	auditSvc    *audit.Service
	reconciler  *store.Reconciler
	schedules   *cron.Cron
	apiSrv      *api.Server
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	if config.IsWeakToken(cfg.AdminToken) {
		log.Println("[main] GUARDANT_ADMIN_TOKEN scores as weak; rotate it before exposing the API")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newGuardantApp(ctx, cfg)
	if err != nil {
		return err
	}

	serverErrCh := app.start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runtimeErr error
	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
	case runtimeErr = <-serverErrCh:
		log.Printf("API server error: %v", runtimeErr)
	}

	// Stop background loops before tearing connections down.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	app.shutdown(shutdownCtx)

	return runtimeErr
}

func newGuardantApp(ctx context.Context, cfg *config.ServerConfig) (*guardantApp, error) {
	app := &guardantApp{cfg: cfg}

	kv, err := store.DialRedisKV(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	app.kv = kv
	app.entities = store.New(kv, cfg.RollupTTL)

	broker, err := bus.DialRedisBus(ctx, cfg.BrokerURL)
	if err != nil {
		app.closeResources()
		return nil, err
	}
	app.broker = broker

	catalogue, err := regions.Load(cfg.RegionsFile)
	if err != nil {
		app.closeResources()
		return nil, err
	}

	managementURL := cfg.BrokerManagement
	if managementURL == "" {
		managementURL = cfg.BrokerURL
	}
	provisioner, err := registry.NewACLProvisioner(managementURL)
	if err != nil {
		app.closeResources()
		return nil, err
	}
	app.provisioner = provisioner
	app.registry = registry.New(kv, app.entities, broker, provisioner, cfg.BrokerURL)
	app.registry.SetActiveWindow(cfg.HeartbeatActiveAge)

	app.dispatcher = dispatch.New(dispatch.Config{
		Tick:            cfg.DispatchTick,
		NoCoverageTicks: cfg.NoCoverageTicks,
		AttemptCap:      cfg.TaskAttemptCap,
		NestRPMDefault:  cfg.NestRPMDefault,
	}, app.entities, app.registry, catalogue, broker)

	app.history, err = aggregate.OpenHistory(cfg.DataDir)
	if err != nil {
		app.closeResources()
		return nil, err
	}
	app.aggregator, err = aggregate.New(aggregate.Config{
		MaxBufferAge: cfg.MaxBufferAge,
		DedupEntries: cfg.DedupCacheEntries,
	}, app.entities, app.dispatcher, app.history)
	if err != nil {
		app.closeResources()
		return nil, err
	}

	app.auditRepo = audit.NewRepo(cfg.LogDir, int64(cfg.AuditDBMaxMB)<<20, cfg.AuditDBRetainCount)
	if err := app.auditRepo.Open(); err != nil {
		app.closeResources()
		return nil, err
	}
	app.auditSvc = audit.NewService(audit.ServiceConfig{Repo: app.auditRepo})

	if cfg.ArchiveDir != "" {
		app.reconciler, err = store.NewReconciler(kv, &store.FileArchive{Dir: cfg.ArchiveDir}, cfg.ArchiveSyncSchedule)
		if err != nil {
			app.closeResources()
			return nil, err
		}
	}

	app.schedules = cron.New()
	if _, err := app.schedules.AddFunc(cfg.PointsPeriodResetSchedule, app.resetPointsPeriod); err != nil {
		app.closeResources()
		return nil, err
	}

	app.apiSrv = api.NewServer(cfg.ListenAddress, cfg.APIPort, api.ServerDeps{
		Entities:  app.entities,
		Registry:  app.registry,
		Catalogue: catalogue,
		Audit:     app.auditSvc,
		Resolver: &api.StoreTokenResolver{
			AdminToken: cfg.AdminToken,
			Entities:   app.entities,
		},
		MaxBodyBytes:       int64(cfg.APIMaxBodyBytes),
		AdminRateLimitRPM:  cfg.AdminRateLimitRPM,
		PublicRateLimitRPM: cfg.PublicRateLimitRPM,
		SSEHeartbeatEvery:  cfg.SSEHeartbeatEvery,
	})

	return app, nil
}

// start launches the background loops and the API server. The returned
// channel receives at most one fatal server error.
func (a *guardantApp) start(ctx context.Context) <-chan error {
	a.auditSvc.Start()
	if a.reconciler != nil {
		a.reconciler.Start()
	}
	a.schedules.Start()

	go a.dispatcher.Run(ctx)

	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = "control-plane"
	}
	go func() {
		if err := a.aggregator.Run(ctx, a.broker, "aggregator", consumer); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[main] aggregator stopped: %v", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("GuardAnt control plane %s listening on %s:%d", buildinfo.Version, a.cfg.ListenAddress, a.cfg.APIPort)
		if err := a.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// resetPointsPeriod broadcasts the monthly period rollover to the fleet.
func (a *guardantApp) resetPointsPeriod() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.registry.Broadcast(ctx, model.BroadcastTarget, model.CommandResetPointsPeriod, nil); err != nil {
		log.Printf("[main] points period reset broadcast failed: %v", err)
		return
	}
	log.Println("[main] points period reset broadcast sent")
}

func (a *guardantApp) shutdown(ctx context.Context) {
	if a.apiSrv != nil {
		if err := a.apiSrv.Shutdown(ctx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
	}
	if a.schedules != nil {
		a.schedules.Stop()
	}
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
	if a.auditSvc != nil {
		a.auditSvc.Stop()
	}
	a.closeResources()
}

// closeResources releases whatever has been wired so far, newest first.
func (a *guardantApp) closeResources() {
	if a.auditRepo != nil {
		if err := a.auditRepo.Close(); err != nil {
			log.Printf("Audit repo close error: %v", err)
		}
		a.auditRepo = nil
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Printf("History close error: %v", err)
		}
		a.history = nil
	}
	if a.provisioner != nil {
		_ = a.provisioner.Close()
		a.provisioner = nil
	}
	if a.broker != nil {
		_ = a.broker.Close()
		a.broker = nil
	}
	if a.kv != nil {
		_ = a.kv.Close()
		a.kv = nil
	}
}
