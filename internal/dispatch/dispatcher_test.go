package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/internal/bus"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/regions"
	"github.com/guardant/guardant/internal/registry"
	"github.com/guardant/guardant/internal/store"
)

// captureBus records publishes without any queue semantics.
type captureBus struct {
	mu      sync.Mutex
	tasks   []publishedTask
	results []model.ProbeResult
}

type publishedTask struct {
	Region string
	Task   model.ProbeTask
}

func (b *captureBus) PublishTask(_ context.Context, region string, task model.ProbeTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, publishedTask{Region: region, Task: task})
	return nil
}

func (b *captureBus) PublishResult(_ context.Context, res model.ProbeResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, res)
	return nil
}

func (b *captureBus) publishedTasks() []publishedTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedTask(nil), b.tasks...)
}

func (b *captureBus) publishedResults() []model.ProbeResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ProbeResult(nil), b.results...)
}

func (b *captureBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = nil
	b.results = nil
}

func (b *captureBus) PublishCommand(context.Context, string, model.ControlCommand) error { return nil }
func (b *captureBus) ConsumeTasks(context.Context, string, string) (<-chan bus.TaskDelivery, error) {
	return nil, nil
}
func (b *captureBus) ConsumeCommands(context.Context, string) (<-chan bus.CommandDelivery, error) {
	return nil, nil
}
func (b *captureBus) ConsumeResults(context.Context, string, string) (<-chan bus.ResultDelivery, error) {
	return nil, nil
}
func (b *captureBus) Close() error { return nil }

// staticFleet is a fixed WorkerSource.
type staticFleet map[string]registry.ActiveWorker

func (f staticFleet) ActiveWorkers(context.Context) (map[string]registry.ActiveWorker, error) {
	return f, nil
}

func activeWorker(id, region string, types ...model.ServiceType) registry.ActiveWorker {
	if len(types) == 0 {
		types = []model.ServiceType{model.ServiceTypeWeb, model.ServiceTypeTCP, model.ServiceTypePing}
	}
	return registry.ActiveWorker{
		Worker: &model.Worker{
			WorkerID: id,
			Status:   model.WorkerStatus{Approved: true, Region: region},
			Capabilities: model.WorkerCapabilities{
				ServiceTypes: types,
				Limits:       model.WorkerLimits{MaxConcurrency: 10},
			},
		},
		LastSeen: time.Now(),
	}
}

type dispatchFixture struct {
	d       *Dispatcher
	bus     *captureBus
	store   *store.Store
	now     time.Time
	advance func(time.Duration)
}

func newFixture(t *testing.T, cfg Config, fleet staticFleet) *dispatchFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := store.NewRedisKV(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { kv.Close() })
	entities := store.New(kv, 24*time.Hour)

	cat, err := regions.Load("")
	if err != nil {
		t.Fatalf("catalogue: %v", err)
	}

	cb := &captureBus{}
	d := New(cfg, entities, fleet, cat, cb)

	fx := &dispatchFixture{d: d, bus: cb, store: entities, now: time.Now()}
	d.now = func() time.Time { return fx.now }
	fx.advance = func(dt time.Duration) { fx.now = fx.now.Add(dt) }
	return fx
}

func (fx *dispatchFixture) seedNest(t *testing.T, id string, tier model.SubscriptionTier) {
	t.Helper()
	err := fx.store.PutNest(context.Background(), &model.Nest{
		ID:           id,
		Subdomain:    id,
		OwnerEmail:   id + "@example.com",
		Subscription: model.Subscription{Tier: tier},
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("seed nest: %v", err)
	}
}

func (fx *dispatchFixture) seedService(t *testing.T, svc *model.Service) {
	t.Helper()
	if svc.IntervalSeconds == 0 {
		svc.IntervalSeconds = 60
	}
	if svc.TimeoutMs == 0 {
		svc.TimeoutMs = 5000
	}
	svc.IsActive = true
	if err := fx.store.PutService(context.Background(), svc); err != nil {
		t.Fatalf("seed service: %v", err)
	}
}

// tickUntilDue runs ticks across one interval so the initial spread elapses.
func (fx *dispatchFixture) tickUntilDue(t *testing.T, interval time.Duration) {
	t.Helper()
	if err := fx.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	fx.advance(interval)
	if err := fx.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

func TestTick_DispatchesToConfiguredRegions(t *testing.T) {
	fleet := staticFleet{
		"w-eu": activeWorker("w-eu", "eu-central-1"),
		"w-us": activeWorker("w-us", "us-east-1"),
	}
	fx := newFixture(t, Config{}, fleet)
	fx.seedNest(t, "nest-1", model.TierPro)
	fx.seedService(t, &model.Service{
		ID:      "svc-1",
		NestID:  "nest-1",
		Type:    model.ServiceTypeWeb,
		Target:  "https://example.com",
		Regions: []string{"eu-central-1", "us-east-1"},
	})

	fx.tickUntilDue(t, time.Minute)

	tasks := fx.bus.publishedTasks()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d: %+v", len(tasks), tasks)
	}
	seen := map[string]bool{}
	for _, pt := range tasks {
		seen[pt.Region] = true
		if pt.Task.ServiceID != "svc-1" || pt.Task.RegionHint != pt.Region {
			t.Fatalf("malformed task: %+v", pt)
		}
		if pt.Task.Priority != model.TierPro.Priority() {
			t.Fatalf("expected pro priority %d, got %d", model.TierPro.Priority(), pt.Task.Priority)
		}
		if pt.Task.Attempt != 1 {
			t.Fatalf("fresh task must carry attempt 1, got %d", pt.Task.Attempt)
		}
	}
	if !seen["eu-central-1"] || !seen["us-east-1"] {
		t.Fatalf("regions missed: %v", seen)
	}
}

func TestTick_TasksCarryScoredWorkerHint(t *testing.T) {
	idle := activeWorker("w-idle", "eu-central-1")
	loaded := activeWorker("w-loaded", "eu-central-1")
	loaded.BufferDepth = 8
	fleet := staticFleet{"w-idle": idle, "w-loaded": loaded}

	fx := newFixture(t, Config{}, fleet)
	fx.seedNest(t, "nest-1", model.TierPro)
	fx.seedService(t, &model.Service{
		ID:      "svc-1",
		NestID:  "nest-1",
		Type:    model.ServiceTypeWeb,
		Target:  "https://example.com",
		Regions: []string{"eu-central-1"},
	})

	fx.tickUntilDue(t, time.Minute)

	tasks := fx.bus.publishedTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if got := tasks[0].Task.WorkerHint; got != "w-idle" {
		t.Fatalf("expected the worker with headroom hinted, got %q", got)
	}
}

func TestTick_InFlightSuppression(t *testing.T) {
	fleet := staticFleet{"w-eu": activeWorker("w-eu", "eu-central-1")}
	fx := newFixture(t, Config{}, fleet)
	fx.seedNest(t, "nest-1", model.TierFree)
	fx.seedService(t, &model.Service{
		ID:      "svc-1",
		NestID:  "nest-1",
		Type:    model.ServiceTypeWeb,
		Target:  "https://example.com",
		Regions: []string{"eu-central-1"},
	})

	fx.tickUntilDue(t, time.Minute)
	if n := len(fx.bus.publishedTasks()); n != 1 {
		t.Fatalf("expected 1 task, got %d", n)
	}

	// Force the service due again well inside the interval: the in-flight
	// task suppresses a second publish for the same (service, region).
	fx.d.mu.Lock()
	fx.d.schedules["svc-1"].nextDue = fx.now
	fx.d.mu.Unlock()
	fx.advance(time.Second)
	if err := fx.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := len(fx.bus.publishedTasks()); n != 1 {
		t.Fatalf("in-flight task not suppressed, got %d tasks", n)
	}
}

func TestTick_NoCoverageInjectsSyntheticResult(t *testing.T) {
	// Fleet exists but nothing supports ping.
	fleet := staticFleet{"w-eu": activeWorker("w-eu", "eu-central-1", model.ServiceTypeWeb)}
	fx := newFixture(t, Config{NoCoverageTicks: 3}, fleet)
	fx.seedNest(t, "nest-1", model.TierFree)
	fx.seedService(t, &model.Service{
		ID:      "svc-1",
		NestID:  "nest-1",
		Type:    model.ServiceTypePing,
		Target:  "192.0.2.1",
		Regions: []string{"eu-central-1"},
	})

	fx.tickUntilDue(t, time.Minute)
	for i := 0; i < 2; i++ {
		fx.advance(time.Second)
		if err := fx.d.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	if n := len(fx.bus.publishedTasks()); n != 0 {
		t.Fatalf("uncovered service must not dispatch, got %d tasks", n)
	}
	results := fx.bus.publishedResults()
	if len(results) != 1 {
		t.Fatalf("expected 1 synthetic result after 3 uncovered ticks, got %d", len(results))
	}
	res := results[0]
	if res.Status != model.StatusDown || res.Error == nil || res.Error.Kind != model.KindNoCoverage {
		t.Fatalf("unexpected synthetic result: %+v", res)
	}
	if res.ServiceID != "svc-1" || res.NestID != "nest-1" {
		t.Fatalf("synthetic result misattributed: %+v", res)
	}
}

func TestReap_RedispatchThenUndeliverable(t *testing.T) {
	fleet := staticFleet{"w-eu": activeWorker("w-eu", "eu-central-1")}
	fx := newFixture(t, Config{AttemptCap: 3}, fleet)
	fx.seedNest(t, "nest-1", model.TierFree)
	fx.seedService(t, &model.Service{
		ID:              "svc-1",
		NestID:          "nest-1",
		Type:            model.ServiceTypeWeb,
		Target:          "https://example.com",
		Regions:         []string{"eu-central-1"},
		IntervalSeconds: 60,
	})

	fx.tickUntilDue(t, time.Minute)
	if n := len(fx.bus.publishedTasks()); n != 1 {
		t.Fatalf("expected initial dispatch, got %d", n)
	}

	// No result ever arrives. Each interval the task is redispatched with a
	// bumped attempt until the cap, then a synthetic undeliverable result.
	attempts := []int{2, 3}
	for _, want := range attempts {
		fx.advance(61 * time.Second)
		if err := fx.d.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
		tasks := fx.bus.publishedTasks()
		last := tasks[len(tasks)-1]
		if last.Task.Attempt != want {
			t.Fatalf("expected redispatch attempt %d, got %+v", want, last.Task)
		}
	}

	fx.advance(61 * time.Second)
	if err := fx.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	results := fx.bus.publishedResults()
	if len(results) != 1 {
		t.Fatalf("expected synthetic undeliverable result, got %d results", len(results))
	}
	if results[0].Error == nil || results[0].Error.Kind != model.KindUndeliverable {
		t.Fatalf("unexpected synthetic result: %+v", results[0])
	}
}

func TestMarkCompleted_StopsRedispatch(t *testing.T) {
	fleet := staticFleet{"w-eu": activeWorker("w-eu", "eu-central-1")}
	fx := newFixture(t, Config{}, fleet)
	fx.seedNest(t, "nest-1", model.TierFree)
	fx.seedService(t, &model.Service{
		ID:      "svc-1",
		NestID:  "nest-1",
		Type:    model.ServiceTypeWeb,
		Target:  "https://example.com",
		Regions: []string{"eu-central-1"},
	})

	fx.tickUntilDue(t, time.Minute)
	tasks := fx.bus.publishedTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	fx.d.MarkCompleted("svc-1", "eu-central-1", tasks[0].Task.TaskID)

	fx.bus.reset()
	fx.advance(61 * time.Second)
	if err := fx.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	for _, pt := range fx.bus.publishedTasks() {
		if pt.Task.Attempt != 1 {
			t.Fatalf("completed task redispatched: %+v", pt)
		}
	}
	if n := len(fx.bus.publishedResults()); n != 0 {
		t.Fatalf("completed task produced synthetic result: %+v", fx.bus.publishedResults())
	}
}

func TestTick_QuotaDelaysNotDrops(t *testing.T) {
	fleet := staticFleet{"w-eu": activeWorker("w-eu", "eu-central-1")}
	fx := newFixture(t, Config{NestRPMDefault: 60}, fleet) // 1 token/s, burst 60
	fx.seedNest(t, "nest-1", model.TierFree)
	for _, id := range []string{"svc-a", "svc-b"} {
		fx.seedService(t, &model.Service{
			ID:      id,
			NestID:  "nest-1",
			Type:    model.ServiceTypeWeb,
			Target:  "https://example.com",
			Regions: []string{"eu-central-1"},
		})
	}

	// Let the schedules spread, then drain the burst right before the due
	// tick so the bucket is empty when the services come up.
	if err := fx.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	fx.advance(time.Minute)
	bucket := newTokenBucket(60, fx.d.now)
	for bucket.take() {
	}
	fx.d.quotas.Store("nest-1", bucket)

	if err := fx.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := len(fx.bus.publishedTasks()); n != 0 {
		t.Fatalf("quota-exhausted nest must not dispatch, got %d", n)
	}

	// Two minutes refill enough tokens; both delayed services dispatch.
	fx.advance(2 * time.Minute)
	if err := fx.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := len(fx.bus.publishedTasks()); n != 2 {
		t.Fatalf("delayed services must dispatch after refill, got %d", n)
	}
}

func TestSelectRegions_MinRegionsFill(t *testing.T) {
	fleet := staticFleet{
		"w-eu": activeWorker("w-eu", "eu-central-1"),
		"w-us": activeWorker("w-us", "us-east-1"),
		"w-ap": activeWorker("w-ap", "ap-southeast-1"),
	}
	fx := newFixture(t, Config{}, fleet)

	svc := &model.Service{
		ID:         "svc-1",
		Type:       model.ServiceTypeWeb,
		Regions:    []string{"eu-central-1"},
		MinRegions: 2,
	}
	fx.d.mu.Lock()
	fx.d.schedules[svc.ID] = &schedule{}
	got := fx.d.selectRegions(svc, groupByRegion(fleet, fx.d.catalogue))
	fx.d.mu.Unlock()

	if len(got) != 2 {
		t.Fatalf("expected fill to 2 regions, got %v", got)
	}
	if got[0] != "eu-central-1" {
		t.Fatalf("preferred region must come first: %v", got)
	}
}

func TestSelectRegions_FillPrefersHigherScoredRegion(t *testing.T) {
	loaded := activeWorker("w-us", "us-east-1")
	loaded.BufferDepth = 9
	fleet := staticFleet{
		"w-eu": activeWorker("w-eu", "eu-central-1"),
		"w-us": loaded,
		"w-ap": activeWorker("w-ap", "ap-southeast-1"),
	}
	fx := newFixture(t, Config{}, fleet)

	// No preferred region is covered, so both slots come from the fill
	// pool; the region whose best worker has headroom must win the first.
	svc := &model.Service{
		ID:         "svc-1",
		Type:       model.ServiceTypeWeb,
		Regions:    []string{"eu-central-1"},
		MinRegions: 2,
	}
	delete(fleet, "w-eu")
	fx.d.mu.Lock()
	fx.d.schedules[svc.ID] = &schedule{}
	got := fx.d.selectRegions(svc, groupByRegion(fleet, fx.d.catalogue))
	fx.d.mu.Unlock()

	if len(got) != 2 {
		t.Fatalf("expected fill to 2 regions, got %v", got)
	}
	if got[0] != "ap-southeast-1" {
		t.Fatalf("idle region must fill before the loaded one: %v", got)
	}
}

func TestSelectRegions_RoundRobinRotates(t *testing.T) {
	fleet := staticFleet{
		"w-eu": activeWorker("w-eu", "eu-central-1"),
		"w-us": activeWorker("w-us", "us-east-1"),
	}
	fx := newFixture(t, Config{}, fleet)

	svc := &model.Service{
		ID:             "svc-1",
		Type:           model.ServiceTypeWeb,
		Regions:        []string{"eu-central-1", "us-east-1"},
		RegionStrategy: model.RegionStrategyRoundRobin,
	}
	byRegion := groupByRegion(fleet, fx.d.catalogue)

	fx.d.mu.Lock()
	defer fx.d.mu.Unlock()
	fx.d.schedules[svc.ID] = &schedule{}

	first := fx.d.selectRegions(svc, byRegion)
	fx.d.schedules[svc.ID].rrOffset++
	second := fx.d.selectRegions(svc, byRegion)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("round robin picks one region: %v %v", first, second)
	}
	if first[0] == second[0] {
		t.Fatalf("round robin did not rotate: %v then %v", first, second)
	}
}

func TestSelectWorker_ScoreAndTieBreak(t *testing.T) {
	cat, err := regions.Load("")
	if err != nil {
		t.Fatalf("catalogue: %v", err)
	}
	svc := &model.Service{Type: model.ServiceTypeWeb, Regions: []string{"eu-central-1"}}

	// Same region, same capabilities; loaded worker loses.
	loaded := activeWorker("w-loaded", "eu-central-1")
	loaded.BufferDepth = 8
	idle := activeWorker("w-idle", "eu-central-1")

	fleet := map[string]registry.ActiveWorker{"w-loaded": loaded, "w-idle": idle}
	if got := SelectWorker(fleet, "eu-central-1", svc, cat); got != "w-idle" {
		t.Fatalf("expected idle worker, got %s", got)
	}

	// Identical scores: lexicographically smallest id wins.
	a := activeWorker("w-a", "eu-central-1")
	b := activeWorker("w-b", "eu-central-1")
	fleet = map[string]registry.ActiveWorker{"w-b": b, "w-a": a}
	for i := 0; i < 10; i++ {
		if got := SelectWorker(fleet, "eu-central-1", svc, cat); got != "w-a" {
			t.Fatalf("tie-break not deterministic, got %s", got)
		}
	}

	// Wrong region or missing capability disqualifies.
	if got := SelectWorker(fleet, "us-east-1", svc, cat); got != "" {
		t.Fatalf("expected no candidate in us-east-1, got %s", got)
	}
	tcpOnly := map[string]registry.ActiveWorker{
		"w-tcp": activeWorker("w-tcp", "eu-central-1", model.ServiceTypeTCP),
	}
	if got := SelectWorker(tcpOnly, "eu-central-1", svc, cat); got != "" {
		t.Fatalf("expected no capable candidate, got %s", got)
	}
}
