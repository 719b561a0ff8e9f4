package dispatch

import (
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/regions"
	"github.com/guardant/guardant/internal/registry"
)

// scoreWorker rates one candidate for a targeted dispatch. Higher is better:
// spare concurrency counts once per slot, a region tag match is worth a flat
// bonus, proximity decays with distance, and queued work counts against.
func scoreWorker(aw registry.ActiveWorker, region string, point model.Coordinates, catalogue *regions.Catalogue) float64 {
	w := aw.Worker

	headroom := float64(w.Capabilities.Limits.MaxConcurrency - aw.BufferDepth)
	if headroom < 0 {
		headroom = 0
	}

	score := headroom * 1.0

	if w.Status.Region == region {
		score += 10
	}

	if point != (model.Coordinates{}) {
		dist := regions.DistanceKm(point, w.Location.Coordinates)
		if prox := 100 - dist/100; prox > 0 {
			score += prox
		}
	}

	score -= float64(aw.BufferDepth) * 1.0
	return score
}

// scoreRegion rates a region by its best capable candidate for svc. ok is
// false when no candidate in the region can run the service type.
func scoreRegion(f regionFleet, region string, svc *model.Service, catalogue *regions.Catalogue) (float64, bool) {
	point := serviceCoordinates(catalogue, svc)
	best := 0.0
	found := false
	for _, aw := range f[region] {
		if aw.Worker.Status.Suspended || !aw.Worker.Status.Approved {
			continue
		}
		if !aw.Worker.Capabilities.Supports(svc.Type) {
			continue
		}
		if s := scoreWorker(aw, region, point, catalogue); !found || s > best {
			best = s
			found = true
		}
	}
	return best, found
}

// SelectWorker picks the best candidate in a region for service svc: the
// highest score wins, ties break to the lexicographically smallest worker
// id. Returns "" when no candidate is capable.
func SelectWorker(fleet map[string]registry.ActiveWorker, region string, svc *model.Service, catalogue *regions.Catalogue) string {
	point := serviceCoordinates(catalogue, svc)

	best := ""
	bestScore := 0.0
	for id, aw := range fleet {
		if aw.Worker.Status.Suspended || !aw.Worker.Status.Approved {
			continue
		}
		if !aw.Worker.Capabilities.Supports(svc.Type) {
			continue
		}
		workerRegion := aw.Worker.Status.Region
		if workerRegion == "" {
			workerRegion = catalogue.Observe(aw.Worker.Location).ID
		}
		if workerRegion != region {
			continue
		}
		s := scoreWorker(aw, region, point, catalogue)
		if best == "" || s > bestScore || (s == bestScore && id < best) {
			best = id
			bestScore = s
		}
	}
	return best
}
