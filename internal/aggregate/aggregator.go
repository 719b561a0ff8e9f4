// Package aggregate turns the raw probe result stream into derived state:
// per-region latest status, rolling uptime windows, the service's current
// status, incidents, and the cached rollup that backs status pages.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"

	"github.com/guardant/guardant/internal/bus"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/store"
)

const (
	// window geometry
	buckets24h = 144 // 10-minute buckets
	width24h   = 10 * time.Minute
	buckets7d  = 168 // 1-hour buckets
	width7d    = time.Hour
	buckets30d = 720 // 1-hour buckets
	width30d   = time.Hour

	// incident thresholds
	nonUpEvalsToOpen = 3
	upEvalsToResolve = 3

	defaultDedupEntries = 65536
)

// Completer releases dispatcher retry state once a task's result is seen.
type Completer interface {
	MarkCompleted(serviceID, region, taskID string)
}

// Config tunes the aggregator.
type Config struct {
	// MaxBufferAge bounds how stale an arriving result may be and still
	// drive liveness; older results only fill historical buckets.
	MaxBufferAge time.Duration
	// DedupEntries sizes the result-id dedup cache. Size it to at least
	// ten minutes of expected throughput.
	DedupEntries int
}

// serviceState is the in-memory aggregation state for one service.
type serviceState struct {
	regions map[string]model.RegionState
	ring24h *ring
	ring7d  *ring
	ring30d *ring

	currentStatus    model.ProbeStatus
	lastTransitionNs int64

	consecNonUp    int
	consecUp       int
	openIncidentID string
	nonUpSeverity  model.IncidentSeverity
}

// Aggregator consumes probe results and maintains derived state.
type Aggregator struct {
	cfg       Config
	entities  *store.Store
	completer Completer
	history   *HistoryRepo
	dedup     otter.Cache[string, struct{}]

	mu     sync.Mutex
	states map[string]*serviceState // by service id

	now func() time.Time
}

// New wires an aggregator. completer and history may be nil.
func New(cfg Config, entities *store.Store, completer Completer, history *HistoryRepo) (*Aggregator, error) {
	if cfg.MaxBufferAge <= 0 {
		cfg.MaxBufferAge = 15 * time.Minute
	}
	if cfg.DedupEntries <= 0 {
		cfg.DedupEntries = defaultDedupEntries
	}
	dedup, err := otter.MustBuilder[string, struct{}](cfg.DedupEntries).
		Cost(func(string, struct{}) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("aggregate: build dedup cache: %w", err)
	}
	return &Aggregator{
		cfg:       cfg,
		entities:  entities,
		completer: completer,
		history:   history,
		dedup:     dedup,
		states:    make(map[string]*serviceState),
		now:       time.Now,
	}, nil
}

// Run consumes the result queue until ctx is cancelled. Results are acked
// after successful ingest so a crash replays them; ingest is idempotent.
func (a *Aggregator) Run(ctx context.Context, b bus.MessageBus, group, consumer string) error {
	deliveries, err := b.ConsumeResults(ctx, group, consumer)
	if err != nil {
		return fmt.Errorf("aggregate: consume results: %w", err)
	}
	for d := range deliveries {
		if err := a.Ingest(ctx, d.Result); err != nil {
			log.Printf("[aggregate] ingest %s: %v", d.Result.ResultID, err)
			continue
		}
		if err := d.Ack(ctx); err != nil {
			log.Printf("[aggregate] ack %s: %v", d.Result.ResultID, err)
		}
	}
	return nil
}

// Ingest processes one probe result. Safe to call with duplicates and with
// results arriving out of order.
func (a *Aggregator) Ingest(ctx context.Context, res model.ProbeResult) error {
	if res.ResultID != "" {
		if _, dup := a.dedup.Get(res.ResultID); dup {
			return nil
		}
		a.dedup.Set(res.ResultID, struct{}{})
	}

	if a.completer != nil {
		a.completer.MarkCompleted(res.ServiceID, res.Region, res.TaskID)
	}

	svc, err := a.entities.GetService(ctx, res.NestID, res.ServiceID)
	if err == store.ErrNotFound {
		// Service deleted while results were in flight.
		return nil
	}
	if err != nil {
		return err
	}

	now := a.now()
	age := now.Sub(time.Unix(0, res.StartedAtNs))
	outOfWindow := age > a.cfg.MaxBufferAge
	if outOfWindow {
		// Late arrivals past the commute window still belong in the
		// historical buckets; they just no longer vote on liveness.
		log.Printf("[aggregate] %s: result %s is %s old, history only (%s)",
			res.ServiceID, res.ResultID, age.Round(time.Second), model.KindOutOfWindow)
	}

	a.mu.Lock()
	st := a.states[svc.ID]
	if st == nil {
		st = newServiceState()
		a.states[svc.ID] = st
	}

	up := res.Status == model.StatusUp
	nowNs := now.UnixNano()
	st.ring24h.observe(res.StartedAtNs, up, res.RTTMs, nowNs)
	st.ring7d.observe(res.StartedAtNs, up, res.RTTMs, nowNs)
	st.ring30d.observe(res.StartedAtNs, up, res.RTTMs, nowNs)

	transitioned := false
	var opened *model.Incident
	var resolveID string
	if !outOfWindow {
		// Per-region latest wins by started_at; an older arrival has
		// already been commuted into the buckets above and changes
		// nothing else.
		prev, seen := st.regions[res.Region]
		if !seen || res.StartedAtNs > prev.StartedAtNs {
			st.regions[res.Region] = model.RegionState{
				Region:      res.Region,
				Status:      res.Status,
				RTTMs:       res.RTTMs,
				StartedAtNs: res.StartedAtNs,
				ResultID:    res.ResultID,
			}
		}

		derived := deriveStatus(st.regions, svc, nowNs)
		transitioned = derived != st.currentStatus
		if transitioned {
			st.currentStatus = derived
			st.lastTransitionNs = nowNs
		}
		opened, resolveID = a.evaluateIncident(st, svc, derived, nowNs)
	}
	rollup := st.rollup(svc, nowNs)
	a.mu.Unlock()

	if opened != nil {
		if err := a.entities.PutIncident(ctx, opened); err != nil {
			return fmt.Errorf("aggregate: incident %s: %w", opened.ID, err)
		}
	}
	if resolveID != "" {
		if err := a.resolveIncident(ctx, svc.NestID, resolveID, nowNs); err != nil {
			return err
		}
	}
	if err := a.entities.PutRollup(ctx, rollup); err != nil {
		return fmt.Errorf("aggregate: rollup %s: %w", svc.ID, err)
	}
	if a.history != nil && transitioned {
		if err := a.history.InsertSnapshot(rollup); err != nil {
			log.Printf("[aggregate] history snapshot %s: %v", svc.ID, err)
		}
	}
	return a.publishStatus(ctx, rollup)
}

func newServiceState() *serviceState {
	return &serviceState{
		regions: make(map[string]model.RegionState),
		ring24h: newRing(buckets24h, width24h),
		ring7d:  newRing(buckets7d, width7d),
		ring30d: newRing(buckets30d, width30d),
	}
}

func (st *serviceState) rollup(svc *model.Service, nowNs int64) *model.ServiceRollup {
	regions := make(map[string]model.RegionState, len(st.regions))
	for k, v := range st.regions {
		regions[k] = v
	}
	return &model.ServiceRollup{
		ServiceID:        svc.ID,
		NestID:           svc.NestID,
		CurrentStatus:    st.currentStatus,
		LastTransitionNs: st.lastTransitionNs,
		Regions:          regions,
		Window24h:        st.ring24h.stats(nowNs),
		Window7d:         st.ring7d.stats(nowNs),
		Window30d:        st.ring30d.stats(nowNs),
		UpdatedAtNs:      nowNs,
	}
}

// deriveStatus applies the majority rule over the service's configured
// regions: a region votes with its latest result when that result is fresher
// than twice the probe interval, otherwise it abstains. Strict majority of
// configured regions up means up, strict majority down means down, anything
// else is degraded. A service with no pinned regions is judged on whatever
// regions have ever reported.
func deriveStatus(regions map[string]model.RegionState, svc *model.Service, nowNs int64) model.ProbeStatus {
	cutoff := nowNs - 2*svc.Interval().Nanoseconds()

	configured := svc.Regions
	if len(configured) == 0 {
		configured = make([]string, 0, len(regions))
		for id := range regions {
			configured = append(configured, id)
		}
	}

	var upVotes, downVotes int
	for _, id := range configured {
		rs, ok := regions[id]
		if !ok || rs.StartedAtNs <= cutoff {
			continue
		}
		switch rs.Status {
		case model.StatusUp:
			upVotes++
		case model.StatusDown:
			downVotes++
		}
	}
	total := len(configured)
	switch {
	case upVotes == 0 && downVotes == 0:
		return model.StatusDown
	case upVotes*2 > total:
		return model.StatusUp
	case downVotes*2 > total:
		return model.StatusDown
	default:
		return model.StatusDegraded
	}
}

// evaluateIncident advances the per-service incident machine by one
// evaluation. It returns a fresh incident to open, or the id of the open
// incident to auto-resolve. Caller holds a.mu.
func (a *Aggregator) evaluateIncident(st *serviceState, svc *model.Service, derived model.ProbeStatus, nowNs int64) (opened *model.Incident, resolveID string) {
	if derived == model.StatusUp {
		st.consecNonUp = 0
		st.consecUp++
		if st.consecUp >= upEvalsToResolve && st.openIncidentID != "" {
			resolveID = st.openIncidentID
			st.openIncidentID = ""
			st.nonUpSeverity = ""
		}
		return nil, resolveID
	}

	st.consecUp = 0
	st.consecNonUp++
	if derived == model.StatusDown {
		st.nonUpSeverity = model.SeverityCritical
	} else if st.nonUpSeverity == "" {
		st.nonUpSeverity = model.SeverityMinor
	}

	// Two consecutive non-up evaluations make a candidate; the third opens
	// an investigating incident. A still-open incident absorbs further
	// evaluations.
	if st.consecNonUp == nonUpEvalsToOpen && st.openIncidentID == "" {
		id := uuid.NewString()
		st.openIncidentID = id
		return &model.Incident{
			ID:                 id,
			NestID:             svc.NestID,
			AffectedServiceIDs: []string{svc.ID},
			Severity:           st.nonUpSeverity,
			State:              model.IncidentInvestigating,
			StartedAtNs:        nowNs,
			Updates: []model.IncidentUpdate{{
				State:       model.IncidentInvestigating,
				Message:     fmt.Sprintf("service %s after %d consecutive checks", derived, nonUpEvalsToOpen),
				CreatedAtNs: nowNs,
			}},
		}, ""
	}
	return nil, ""
}

// resolveIncident loads the open incident and marks it resolved.
func (a *Aggregator) resolveIncident(ctx context.Context, nestID, incidentID string, nowNs int64) error {
	inc, err := a.entities.GetIncident(ctx, nestID, incidentID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("aggregate: load incident %s: %w", incidentID, err)
	}
	if inc.State == model.IncidentResolved {
		return nil
	}
	inc.State = model.IncidentResolved
	inc.ResolvedAtNs = nowNs
	inc.Updates = append(inc.Updates, model.IncidentUpdate{
		State:       model.IncidentResolved,
		Message:     "service recovered",
		CreatedAtNs: nowNs,
	})
	if err := a.entities.PutIncident(ctx, inc); err != nil {
		return fmt.Errorf("aggregate: resolve incident %s: %w", incidentID, err)
	}
	return nil
}

// statusEvent is the SSE payload published on a nest's status channel.
type statusEvent struct {
	ServiceID     string            `json:"service_id"`
	CurrentStatus model.ProbeStatus `json:"current_status"`
	Window24h     model.WindowStats `json:"window_24h"`
	UpdatedAtNs   int64             `json:"updated_at_ns"`
}

func (a *Aggregator) publishStatus(ctx context.Context, rollup *model.ServiceRollup) error {
	payload, err := json.Marshal(statusEvent{
		ServiceID:     rollup.ServiceID,
		CurrentStatus: rollup.CurrentStatus,
		Window24h:     rollup.Window24h,
		UpdatedAtNs:   rollup.UpdatedAtNs,
	})
	if err != nil {
		return fmt.Errorf("aggregate: encode status event: %w", err)
	}
	return a.entities.PublishStatus(ctx, rollup.NestID, payload)
}
