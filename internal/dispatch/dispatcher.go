// Package dispatch implements the scheduling loop: it walks the service
// catalogue once per tick, decides which regions each due service probes
// from, and publishes tasks to the per-region queues. It also owns retry
// bookkeeping for tasks that never produce a result.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/guardant/guardant/internal/bus"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/regions"
	"github.com/guardant/guardant/internal/registry"
	"github.com/guardant/guardant/internal/scanloop"
	"github.com/guardant/guardant/internal/store"
)

// WorkerSource supplies the dispatch-eligible fleet. Implemented by the
// registry; faked in tests.
type WorkerSource interface {
	ActiveWorkers(ctx context.Context) (map[string]registry.ActiveWorker, error)
}

// Config tunes the scheduling loop.
type Config struct {
	// Tick is the scheduling interval (default 1s).
	Tick time.Duration
	// NoCoverageTicks is how many consecutive uncovered ticks a due service
	// tolerates before a synthetic no-coverage result is injected.
	NoCoverageTicks int
	// AttemptCap bounds redispatch of a task that produced no result.
	AttemptCap int
	// NestRPMDefault is the per-nest dispatch budget when the nest has no
	// explicit override.
	NestRPMDefault int
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.NoCoverageTicks <= 0 {
		c.NoCoverageTicks = 3
	}
	if c.AttemptCap <= 0 {
		c.AttemptCap = 3
	}
	if c.NestRPMDefault <= 0 {
		c.NestRPMDefault = 120
	}
}

type flightKey struct {
	ServiceID string
	Region    string
}

// flight is a published task awaiting its result.
type flight struct {
	task      model.ProbeTask
	emittedAt time.Time
	deadline  time.Time
}

// schedule is per-service dispatch state.
type schedule struct {
	nextDue        time.Time
	rrOffset       int
	uncoveredTicks int
}

// Dispatcher runs the per-tick scheduling pass.
type Dispatcher struct {
	cfg       Config
	entities  *store.Store
	workers   WorkerSource
	catalogue *regions.Catalogue
	bus       bus.MessageBus

	mu        sync.Mutex
	schedules map[string]*schedule // by service id
	inflight  map[flightKey]*flight
	quotas    *xsync.Map[string, *tokenBucket] // by nest id

	now func() time.Time
}

// New wires a dispatcher.
func New(cfg Config, entities *store.Store, workers WorkerSource, catalogue *regions.Catalogue, b bus.MessageBus) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:       cfg,
		entities:  entities,
		workers:   workers,
		catalogue: catalogue,
		bus:       b,
		schedules: make(map[string]*schedule),
		inflight:  make(map[flightKey]*flight),
		quotas:    xsync.NewMap[string, *tokenBucket](),
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	scanloop.Run(ctx, d.cfg.Tick, 0, func() {
		if err := d.Tick(ctx); err != nil {
			log.Printf("[dispatch] tick: %v", err)
		}
	})
}

// MarkCompleted releases retry bookkeeping for a task once its result is
// seen. The aggregator calls this on ingest.
func (d *Dispatcher) MarkCompleted(serviceID, region, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := flightKey{ServiceID: serviceID, Region: region}
	if f, ok := d.inflight[key]; ok && f.task.TaskID == taskID {
		delete(d.inflight, key)
	}
}

// Tick performs one scheduling pass.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now()

	fleet, err := d.workers.ActiveWorkers(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: fleet: %w", err)
	}
	byRegion := groupByRegion(fleet, d.catalogue)

	services, err := d.entities.ListAllServices(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: services: %w", err)
	}

	nests := make(map[string]*model.Nest)
	nestOf := func(id string) *model.Nest {
		if n, ok := nests[id]; ok {
			return n
		}
		n, err := d.entities.GetNest(ctx, id)
		if err != nil {
			n = nil
		}
		nests[id] = n
		return n
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reapExpired(ctx, now, fleet)

	for _, svc := range services {
		if !svc.IsActive {
			continue
		}
		nest := nestOf(svc.NestID)
		if nest == nil || !nest.IsActive {
			continue
		}

		sched := d.schedules[svc.ID]
		if sched == nil {
			// First sight: due immediately, spread within one interval.
			sched = &schedule{nextDue: now.Add(scanloop.Jitter(svc.Interval()/2, 1.0))}
			d.schedules[svc.ID] = sched
		}
		if sched.nextDue.After(now) {
			continue
		}

		// Quota: a nest over budget is delayed to the next tick, not dropped.
		bucket, _ := d.quotas.LoadOrCompute(svc.NestID, func() (*tokenBucket, bool) {
			return newTokenBucket(d.cfg.NestRPMDefault, d.now), false
		})
		if !bucket.take() {
			continue
		}

		targets := d.selectRegions(svc, byRegion)
		if len(targets) == 0 {
			sched.uncoveredTicks++
			if sched.uncoveredTicks >= d.cfg.NoCoverageTicks {
				d.injectSynthetic(ctx, svc, "", model.KindNoCoverage,
					"no active worker covers any configured region")
				sched.uncoveredTicks = 0
				sched.nextDue = nextDue(now, svc)
			}
			continue
		}
		sched.uncoveredTicks = 0

		for _, region := range targets {
			key := flightKey{ServiceID: svc.ID, Region: region}
			if f, ok := d.inflight[key]; ok && now.Sub(f.emittedAt) < svc.Interval() {
				continue
			}
			task := model.ProbeTask{
				TaskID:          uuid.NewString(),
				NestID:          svc.NestID,
				ServiceID:       svc.ID,
				ServiceType:     svc.Type,
				Target:          svc.Target,
				TypeConfig:      svc.TypeConfig,
				IntervalSeconds: svc.IntervalSeconds,
				TimeoutMs:       svc.TimeoutMs,
				RegionHint:      region,
				WorkerHint:      SelectWorker(fleet, region, svc, d.catalogue),
				Priority:        nest.Subscription.Tier.Priority(),
				Attempt:         1,
			}
			if err := d.bus.PublishTask(ctx, region, task); err != nil {
				log.Printf("[dispatch] publish %s to %s: %v", svc.ID, region, err)
				continue
			}
			d.inflight[key] = &flight{
				task:      task,
				emittedAt: now,
				deadline:  now.Add(svc.Interval()),
			}
		}
		if svc.RegionStrategy == model.RegionStrategyRoundRobin {
			sched.rrOffset++
		}
		sched.nextDue = nextDue(now, svc)
	}
	return nil
}

// reapExpired redispatches tasks whose result never arrived, up to the
// attempt cap; past the cap a synthetic undeliverable result is injected.
// Caller holds d.mu.
func (d *Dispatcher) reapExpired(ctx context.Context, now time.Time, fleet map[string]registry.ActiveWorker) {
	for key, f := range d.inflight {
		if now.Before(f.deadline) {
			continue
		}
		if f.task.Attempt >= d.cfg.AttemptCap {
			d.injectSynthetic(ctx, &model.Service{
				ID:     f.task.ServiceID,
				NestID: f.task.NestID,
			}, key.Region, model.KindUndeliverable,
				fmt.Sprintf("task %s produced no result after %d attempts", f.task.TaskID, f.task.Attempt))
			delete(d.inflight, key)
			continue
		}
		f.task.Attempt++
		f.task.TaskID = uuid.NewString()
		// Re-score: the worker preferred on first dispatch may be gone.
		f.task.WorkerHint = SelectWorker(fleet, key.Region, &model.Service{
			ID:      f.task.ServiceID,
			Type:    f.task.ServiceType,
			Regions: []string{key.Region},
		}, d.catalogue)
		if err := d.bus.PublishTask(ctx, key.Region, f.task); err != nil {
			log.Printf("[dispatch] redispatch %s to %s: %v", f.task.ServiceID, key.Region, err)
			continue
		}
		f.emittedAt = now
		f.deadline = now.Add(time.Duration(f.task.IntervalSeconds) * time.Second)
	}
}

// injectSynthetic publishes a dispatcher-minted down result so the
// aggregator and status page reflect the delivery failure.
func (d *Dispatcher) injectSynthetic(ctx context.Context, svc *model.Service, region string, kind model.ErrorKind, detail string) {
	res := model.ProbeResult{
		ResultID:    uuid.NewString(),
		TaskID:      uuid.NewString(),
		ServiceID:   svc.ID,
		NestID:      svc.NestID,
		WorkerID:    "dispatcher",
		Region:      region,
		StartedAtNs: d.now().UnixNano(),
		Status:      model.StatusDown,
		Error:       &model.ProbeError{Kind: kind, Detail: detail},
	}
	if err := d.bus.PublishResult(ctx, res); err != nil {
		log.Printf("[dispatch] inject synthetic %s for %s: %v", kind, svc.ID, err)
	}
}

func nextDue(now time.Time, svc *model.Service) time.Time {
	return now.Add(scanloop.Jitter(svc.Interval(), 0.1))
}
