package api

import (
	"net/http"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/regions"
	"github.com/guardant/guardant/internal/registry"
)

// HandleRegisterWorker returns a handler for POST /api/workers/register.
// Unauthenticated: workers call this before they hold any credentials.
// Registration is idempotent on worker_id and lands in the pending queue.
func HandleRegisterWorker(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registry.RegisterRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		worker, err := reg.Register(r.Context(), req)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusAccepted, worker)
	}
}

// HandleWorkerHeartbeat returns a handler for POST /api/workers/{id}/heartbeat.
// Unknown worker ids are rejected; counters fold into the registration blob.
func HandleWorkerHeartbeat(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var hb model.Heartbeat
		if err := DecodeBody(r, &hb); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		hb.WorkerID = PathParam(r, "id")
		if err := reg.RecordHeartbeat(r.Context(), &hb); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleWorkerApprovalStatus returns a handler for
// GET /api/workers/{id}/approval. Workers poll this while pending; the
// credentials appear exactly once approval has been granted.
func HandleWorkerApprovalStatus(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worker, err := reg.Get(r.Context(), PathParam(r, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"approved":    worker.Status.Approved,
			"suspended":   worker.Status.Suspended,
			"credentials": worker.Status.Credentials,
			"region":      worker.Status.Region,
		})
	}
}

// HandleListWorkers returns a handler for GET /api/workers.
func HandleListWorkers(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePlatformAdmin(w, r) {
			return
		}
		f := registry.ListFilter{OwnerEmail: r.URL.Query().Get("owner")}
		pending, ok := parseBoolQueryOrWriteInvalid(w, r, "pending")
		if !ok {
			return
		}
		approved, ok := parseBoolQueryOrWriteInvalid(w, r, "approved")
		if !ok {
			return
		}
		if pending != nil && *pending {
			f.Pending = true
		}
		if approved != nil && *approved {
			f.Approved = true
		}
		workers, err := reg.List(r.Context(), f)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, workers, pg)
	}
}

// HandlePendingWorkers returns a handler for
// GET /api/workers/registrations/pending (also aliased at
// /api/platform/workers/pending).
func HandlePendingWorkers(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePlatformAdmin(w, r) {
			return
		}
		workers, err := reg.List(r.Context(), registry.ListFilter{Pending: true})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, workers, pg)
	}
}

type approveWorkerRequest struct {
	Region string `json:"region"`
}

// HandleApproveWorker returns a handler for POST /api/workers/{id}/approve.
// Issues scoped broker credentials and returns the connection string.
func HandleApproveWorker(reg *registry.Registry, auditSvc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePlatformAdmin(w, r) {
			return
		}
		id := PathParam(r, "id")
		var req approveWorkerRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Region == "" {
			writeInvalidArgument(w, "region: required")
			return
		}
		creds, err := reg.Approve(r.Context(), id, req.Region)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.Record(auditEntry(r, "", "worker.approve", "worker", id))
		}
		WriteJSON(w, http.StatusOK, creds)
	}
}

// workerAction wraps the single-worker lifecycle mutations that share the
// "look up, mutate, audit, 204" shape.
func workerAction(action string, auditSvc *audit.Service, fn func(r *http.Request, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePlatformAdmin(w, r) {
			return
		}
		id := PathParam(r, "id")
		if err := fn(r, id); err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.Record(auditEntry(r, "", action, "worker", id))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRejectWorker returns a handler for POST /api/workers/{id}/reject.
func HandleRejectWorker(reg *registry.Registry, auditSvc *audit.Service) http.HandlerFunc {
	return workerAction("worker.reject", auditSvc, func(r *http.Request, id string) error {
		return reg.Reject(r.Context(), id)
	})
}

// HandleSuspendWorker returns a handler for POST /api/workers/{id}/suspend.
func HandleSuspendWorker(reg *registry.Registry, auditSvc *audit.Service) http.HandlerFunc {
	return workerAction("worker.suspend", auditSvc, func(r *http.Request, id string) error {
		return reg.Suspend(r.Context(), id)
	})
}

// HandleResumeWorker returns a handler for POST /api/workers/{id}/resume.
func HandleResumeWorker(reg *registry.Registry, auditSvc *audit.Service) http.HandlerFunc {
	return workerAction("worker.resume", auditSvc, func(r *http.Request, id string) error {
		return reg.Resume(r.Context(), id)
	})
}

// HandleDeleteWorker returns a handler for DELETE /api/workers/{id}.
func HandleDeleteWorker(reg *registry.Registry, auditSvc *audit.Service) http.HandlerFunc {
	return workerAction("worker.delete", auditSvc, func(r *http.Request, id string) error {
		return reg.Delete(r.Context(), id)
	})
}

type changeRegionRequest struct {
	Region string `json:"region"`
}

// HandleChangeWorkerRegion returns a handler for
// POST /api/workers/{id}/change-region.
func HandleChangeWorkerRegion(reg *registry.Registry, auditSvc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePlatformAdmin(w, r) {
			return
		}
		id := PathParam(r, "id")
		var req changeRegionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Region == "" {
			writeInvalidArgument(w, "region: required")
			return
		}
		if err := reg.ChangeRegion(r.Context(), id, req.Region); err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.Record(auditEntry(r, "", "worker.change_region", "worker", id))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type fleetCommandRequest struct {
	WorkerID string `json:"worker_id,omitempty"` // empty = broadcast
}

func fleetCommand(reg *registry.Registry, auditSvc *audit.Service, name model.CommandName, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePlatformAdmin(w, r) {
			return
		}
		var req fleetCommandRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		target := req.WorkerID
		if target == "" {
			target = model.BroadcastTarget
		}
		if err := reg.Broadcast(r.Context(), target, name, nil); err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.Record(auditEntry(r, "", action, "worker", target))
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// HandleUpdateWorkers returns a handler for POST /api/workers/update:
// instructs one worker (or the fleet) to self-update.
func HandleUpdateWorkers(reg *registry.Registry, auditSvc *audit.Service) http.HandlerFunc {
	return fleetCommand(reg, auditSvc, model.CommandUpdateWorker, "worker.update")
}

// HandleRebuildWorkers returns a handler for POST /api/workers/rebuild:
// instructs one worker (or the fleet) to rebuild from scratch.
func HandleRebuildWorkers(reg *registry.Registry, auditSvc *audit.Service) http.HandlerFunc {
	return fleetCommand(reg, auditSvc, model.CommandRebuildWorker, "worker.rebuild")
}

// HandleWorkerLeaderboard returns a handler for GET /api/workers/leaderboard.
func HandleWorkerLeaderboard(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		workers, err := reg.Leaderboard(r.Context(), pg.Limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		type leaderboardRow struct {
			WorkerID            string  `json:"worker_id"`
			Region              string  `json:"region"`
			TotalPoints         float64 `json:"total_points"`
			CurrentPeriodPoints float64 `json:"current_period_points"`
			ChecksOK            int64   `json:"checks_ok"`
		}
		rows := make([]leaderboardRow, 0, len(workers))
		for _, wk := range workers {
			rows = append(rows, leaderboardRow{
				WorkerID:            wk.WorkerID,
				Region:              wk.Status.Region,
				TotalPoints:         wk.Counters.TotalPoints,
				CurrentPeriodPoints: wk.Counters.CurrentPeriodPoints,
				ChecksOK:            wk.Counters.ChecksOK,
			})
		}
		WriteJSON(w, http.StatusOK, rows)
	}
}

// HandleRegionsView returns a handler for GET /api/workers/regions.
func HandleRegionsView(reg *registry.Registry, catalogue *regions.Catalogue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := reg.RegionsView(r.Context(), catalogue)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, views)
	}
}
