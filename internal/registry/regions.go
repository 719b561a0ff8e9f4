package registry

import (
	"context"
	"sort"
	"time"

	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/regions"
)

// ActiveWorker is a dispatch-eligible worker with its freshest liveness data.
type ActiveWorker struct {
	Worker      *model.Worker
	LastSeen    time.Time
	BufferDepth int
}

// RegionView is one row of the fleet-by-region summary.
type RegionView struct {
	RegionID    string  `json:"region_id"`
	DisplayName string  `json:"display_name"`
	WorkerCount int     `json:"worker_count"`
	ActiveCount int     `json:"active_count"`
	AvgLatency  float64 `json:"avg_latency_ms"`
	UptimePct   float64 `json:"uptime_pct"`
}

// RegionsView groups approved workers by location (city + country). A
// worker counts as active when its last heartbeat is younger than the
// activity window; the active ratio is what the view reports as uptime.
func (r *Registry) RegionsView(ctx context.Context, catalogue *regions.Catalogue) ([]RegionView, error) {
	workers, err := r.List(ctx, ListFilter{Approved: true})
	if err != nil {
		return nil, err
	}
	heartbeats, err := r.entities.ListHeartbeats(ctx)
	if err != nil {
		return nil, err
	}
	lastSeen := make(map[string]int64, len(heartbeats))
	for _, hb := range heartbeats {
		lastSeen[hb.WorkerID] = hb.LastSeenNs
	}

	type acc struct {
		view       RegionView
		latencySum float64
		latencyN   int
	}
	byRegion := make(map[string]*acc)
	cutoff := r.now().Add(-r.activeWindow).UnixNano()

	for _, w := range workers {
		region := catalogue.Observe(w.Location)
		a := byRegion[region.ID]
		if a == nil {
			display := region.City
			if region.Country != "" {
				display += ", " + region.Country
			}
			a = &acc{view: RegionView{RegionID: region.ID, DisplayName: display}}
			byRegion[region.ID] = a
		}
		a.view.WorkerCount++
		if ns, ok := lastSeen[w.WorkerID]; ok && ns >= cutoff {
			a.view.ActiveCount++
		}
		if w.Counters.AvgRTMs > 0 {
			a.latencySum += w.Counters.AvgRTMs
			a.latencyN++
		}
	}

	views := make([]RegionView, 0, len(byRegion))
	for _, a := range byRegion {
		if a.latencyN > 0 {
			a.view.AvgLatency = a.latencySum / float64(a.latencyN)
		}
		if a.view.WorkerCount > 0 {
			a.view.UptimePct = 100 * float64(a.view.ActiveCount) / float64(a.view.WorkerCount)
		}
		views = append(views, a.view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].RegionID < views[j].RegionID })
	return views, nil
}

// ActiveWorkers returns approved, unsuspended workers with a heartbeat
// younger than the activity window, keyed by worker id. The dispatcher's candidate
// set starts here.
func (r *Registry) ActiveWorkers(ctx context.Context) (map[string]ActiveWorker, error) {
	workers, err := r.List(ctx, ListFilter{Approved: true})
	if err != nil {
		return nil, err
	}
	heartbeats, err := r.entities.ListHeartbeats(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]ActiveWorker)
	cutoff := r.now().Add(-r.activeWindow).UnixNano()
	for _, w := range workers {
		if w.Status.Suspended {
			continue
		}
		var seen int64
		var depth int
		for _, hb := range heartbeats {
			if hb.WorkerID == w.WorkerID {
				seen = hb.LastSeenNs
				depth = hb.BufferDepth
				break
			}
		}
		if seen < cutoff {
			continue
		}
		byID[w.WorkerID] = ActiveWorker{
			Worker:      w,
			LastSeen:    time.Unix(0, seen),
			BufferDepth: depth,
		}
	}
	return byID, nil
}
