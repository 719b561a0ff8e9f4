package dispatch

import (
	"sort"

	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/regions"
	"github.com/guardant/guardant/internal/registry"
)

// regionFleet is the active workers grouped by the region they serve.
type regionFleet map[string][]registry.ActiveWorker

// groupByRegion buckets the fleet by assigned region, falling back to the
// location-derived region for workers approved before region assignment
// existed.
func groupByRegion(fleet map[string]registry.ActiveWorker, catalogue *regions.Catalogue) regionFleet {
	out := make(regionFleet)
	for _, aw := range fleet {
		region := aw.Worker.Status.Region
		if region == "" {
			region = catalogue.Observe(aw.Worker.Location).ID
		}
		out[region] = append(out[region], aw)
	}
	for _, ws := range out {
		sort.Slice(ws, func(i, j int) bool { return ws[i].Worker.WorkerID < ws[j].Worker.WorkerID })
	}
	return out
}

// covered reports whether the region has at least one worker able to probe
// the service's type.
func (f regionFleet) covered(region string, t model.ServiceType) bool {
	for _, aw := range f[region] {
		if aw.Worker.Capabilities.Supports(t) {
			return true
		}
	}
	return false
}

// coveredRegions returns every region with coverage for the type, sorted.
func (f regionFleet) coveredRegions(t model.ServiceType) []string {
	var out []string
	for region := range f {
		if f.covered(region, t) {
			out = append(out, region)
		}
	}
	sort.Strings(out)
	return out
}

// selectRegions resolves the target regions for one due service. The
// configured regions are intersected with covered ones, narrowed by the
// service's strategy, then topped up to min_regions from the remaining
// covered pool. Caller holds d.mu.
func (d *Dispatcher) selectRegions(svc *model.Service, fleet regionFleet) []string {
	var preferred []string
	for _, r := range svc.Regions {
		if fleet.covered(r, svc.Type) {
			preferred = append(preferred, r)
		}
	}

	minRegions := svc.MinRegions
	if minRegions <= 0 {
		minRegions = 1
	}

	var chosen []string
	switch svc.RegionStrategy {
	case model.RegionStrategyClosest:
		ordered := d.catalogue.Nearest(serviceCoordinates(d.catalogue, svc), preferred)
		chosen = head(ordered, minRegions)
	case model.RegionStrategyRoundRobin:
		if len(preferred) > 0 {
			sched := d.schedules[svc.ID]
			n := min(minRegions, len(preferred))
			for i := 0; i < n; i++ {
				chosen = append(chosen, preferred[(sched.rrOffset+i)%len(preferred)])
			}
		}
	case model.RegionStrategyFailover:
		chosen = head(preferred, 2)
	default:
		chosen = preferred
	}

	// Fill to min_regions from covered regions not already chosen, best
	// scored worker first so spare capacity is consumed before loaded
	// regions, ties broken by region id.
	if len(chosen) < minRegions {
		taken := make(map[string]bool, len(chosen))
		for _, r := range chosen {
			taken[r] = true
		}
		pool := fleet.coveredRegions(svc.Type)
		scores := make(map[string]float64, len(pool))
		for _, r := range pool {
			scores[r], _ = scoreRegion(fleet, r, svc, d.catalogue)
		}
		sort.SliceStable(pool, func(i, j int) bool {
			if scores[pool[i]] != scores[pool[j]] {
				return scores[pool[i]] > scores[pool[j]]
			}
			return pool[i] < pool[j]
		})
		for _, r := range pool {
			if len(chosen) >= minRegions {
				break
			}
			if !taken[r] {
				chosen = append(chosen, r)
				taken[r] = true
			}
		}
	}
	return chosen
}

// serviceCoordinates estimates where a service lives for closest-strategy
// ordering: the centroid of its configured regions, or the origin when
// nothing is known.
func serviceCoordinates(catalogue *regions.Catalogue, svc *model.Service) model.Coordinates {
	var sum model.Coordinates
	var n int
	for _, id := range svc.Regions {
		if r, ok := catalogue.Get(id); ok {
			sum.Lat += r.Coordinates.Lat
			sum.Lon += r.Coordinates.Lon
			n++
		}
	}
	if n == 0 {
		return model.Coordinates{}
	}
	return model.Coordinates{Lat: sum.Lat / float64(n), Lon: sum.Lon / float64(n)}
}

func head(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
