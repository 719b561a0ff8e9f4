package api

import (
	"net/http"
	"time"

	"github.com/guardant/guardant/internal/registry"
	"github.com/guardant/guardant/internal/store"
)

// PlatformStats is the fleet-wide overview for the admin dashboard.
type PlatformStats struct {
	Nests          int `json:"nests"`
	ActiveNests    int `json:"active_nests"`
	Services       int `json:"services"`
	Workers        int `json:"workers"`
	PendingWorkers int `json:"pending_workers"`
	ActiveWorkers  int `json:"active_workers"`
	OpenIncidents  int `json:"open_incidents"`
	GeneratedAtNs  int64 `json:"generated_at_ns"`
}

// HandlePlatformStats returns a handler for GET /api/platform/stats.
func HandlePlatformStats(entities *store.Store, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePlatformAdmin(w, r) {
			return
		}
		ctx := r.Context()
		stats := PlatformStats{GeneratedAtNs: time.Now().UnixNano()}

		nests, err := entities.ListNests(ctx)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		stats.Nests = len(nests)
		for _, n := range nests {
			if n.IsActive {
				stats.ActiveNests++
			}
			services, err := entities.ListServices(ctx, n.ID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			stats.Services += len(services)
			incidents, err := entities.ListOpenIncidents(ctx, n.ID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			stats.OpenIncidents += len(incidents)
		}

		workers, err := reg.List(ctx, registry.ListFilter{})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		stats.Workers = len(workers)
		for _, wk := range workers {
			if !wk.Status.Approved {
				stats.PendingWorkers++
			}
		}
		active, err := reg.ActiveWorkers(ctx)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		stats.ActiveWorkers = len(active)

		WriteJSON(w, http.StatusOK, stats)
	}
}
