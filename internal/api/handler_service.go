package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/store"
)

// resolveNestScope determines the nest a request operates on: nest users are
// pinned to their own nest, platform admins pass ?nest=<id>.
func resolveNestScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := PrincipalFrom(r)
	if p == nil {
		WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no principal")
		return "", false
	}
	requested := r.URL.Query().Get("nest")
	if p.Role == model.RolePlatformAdmin {
		if requested == "" {
			writeInvalidArgument(w, "nest: required for platform admin calls")
			return "", false
		}
		return requested, true
	}
	if requested != "" && requested != p.NestID {
		writeForbidden(w, "nest access denied")
		return "", false
	}
	return p.NestID, true
}

// HandleListServices returns a handler for GET /api/services.
func HandleListServices(entities *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nestID, ok := resolveNestScope(w, r)
		if !ok {
			return
		}
		services, err := entities.ListServices(r.Context(), nestID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		sorting, ok := parseSortingOrWriteInvalid(w, r, []string{"name", "id", "type"}, "name", "asc")
		if !ok {
			return
		}
		SortSlice(services, sorting, func(s *model.Service) string {
			switch sorting.SortBy {
			case "id":
				return s.ID
			case "type":
				return string(s.Type)
			default:
				return s.Name
			}
		})
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, services, pg)
	}
}

type serviceRequest struct {
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Target          string          `json:"target"`
	TypeConfig      json.RawMessage `json:"type_config,omitempty"`
	IntervalSeconds int             `json:"interval_seconds"`
	TimeoutMs       int             `json:"timeout_ms"`
	Regions         []string        `json:"regions"`
	RegionStrategy  string          `json:"region_strategy,omitempty"`
	MinRegions      int             `json:"min_regions,omitempty"`
	IsActive        *bool           `json:"is_active,omitempty"`
}

func (req *serviceRequest) validate() string {
	if req.Name == "" {
		return "name: required"
	}
	if !model.ValidServiceType(model.ServiceType(req.Type)) {
		return "type: unknown service type"
	}
	if req.Target == "" && model.ServiceType(req.Type) != model.ServiceTypeHeartbeat {
		return "target: required"
	}
	if req.IntervalSeconds < 30 || req.IntervalSeconds > 3600 {
		return "interval_seconds: must be within [30, 3600]"
	}
	if req.TimeoutMs < 0 || req.TimeoutMs > 30000 {
		return "timeout_ms: must be within [0, 30000]"
	}
	return ""
}

// HandleCreateService returns a handler for POST /api/services.
func HandleCreateService(entities *store.Store, auditSvc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nestID, ok := resolveNestScope(w, r)
		if !ok {
			return
		}
		var req serviceRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if msg := req.validate(); msg != "" {
			writeInvalidArgument(w, msg)
			return
		}
		cfg, err := model.DecodeTypeConfig(model.ServiceType(req.Type), req.TypeConfig)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		nest, err := entities.GetNest(r.Context(), nestID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !nest.IsActive {
			writeForbidden(w, "nest is deactivated")
			return
		}
		existing, err := entities.ListServices(r.Context(), nestID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if limit := nest.Subscription.ServicesLimit; limit > 0 && len(existing) >= limit {
			writeForbidden(w, "services limit reached for subscription tier")
			return
		}

		now := time.Now().UnixNano()
		svc := &model.Service{
			ID:              uuid.NewString(),
			NestID:          nestID,
			Name:            req.Name,
			Type:            model.ServiceType(req.Type),
			Target:          req.Target,
			TypeConfig:      cfg,
			IntervalSeconds: req.IntervalSeconds,
			TimeoutMs:       req.TimeoutMs,
			Regions:         req.Regions,
			RegionStrategy:  model.RegionStrategy(req.RegionStrategy),
			MinRegions:      req.MinRegions,
			IsActive:        true,
			CreatedAtNs:     now,
			UpdatedAtNs:     now,
		}
		if req.IsActive != nil {
			svc.IsActive = *req.IsActive
		}
		if err := entities.PutService(r.Context(), svc); err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.RecordChange(auditEntry(r, nestID, "service.create", "service", svc.ID), nil, svc)
		}
		WriteJSON(w, http.StatusCreated, svc)
	}
}

// HandleGetService returns a handler for GET /api/services/{id}.
func HandleGetService(entities *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nestID, ok := resolveNestScope(w, r)
		if !ok {
			return
		}
		svc, err := entities.GetService(r.Context(), nestID, PathParam(r, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, svc)
	}
}

// HandleUpdateService returns a handler for PATCH /api/services/{id}.
func HandleUpdateService(entities *store.Store, auditSvc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nestID, ok := resolveNestScope(w, r)
		if !ok {
			return
		}
		svc, err := entities.GetService(r.Context(), nestID, PathParam(r, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		var req serviceRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		// PATCH semantics: unset fields keep their stored value.
		if req.Name == "" {
			req.Name = svc.Name
		}
		if req.Type == "" {
			req.Type = string(svc.Type)
		}
		if req.Target == "" {
			req.Target = svc.Target
		}
		if req.IntervalSeconds == 0 {
			req.IntervalSeconds = svc.IntervalSeconds
		}
		if req.TimeoutMs == 0 {
			req.TimeoutMs = svc.TimeoutMs
		}
		if msg := req.validate(); msg != "" {
			writeInvalidArgument(w, msg)
			return
		}

		before := *svc
		svc.Name = req.Name
		svc.Type = model.ServiceType(req.Type)
		svc.Target = req.Target
		svc.IntervalSeconds = req.IntervalSeconds
		svc.TimeoutMs = req.TimeoutMs
		if req.Regions != nil {
			svc.Regions = req.Regions
		}
		if req.RegionStrategy != "" {
			svc.RegionStrategy = model.RegionStrategy(req.RegionStrategy)
		}
		if req.MinRegions != 0 {
			svc.MinRegions = req.MinRegions
		}
		if req.IsActive != nil {
			svc.IsActive = *req.IsActive
		}
		if req.TypeConfig != nil {
			cfg, err := model.DecodeTypeConfig(svc.Type, req.TypeConfig)
			if err != nil {
				writeInvalidArgument(w, err.Error())
				return
			}
			svc.TypeConfig = cfg
		}
		svc.UpdatedAtNs = time.Now().UnixNano()
		if err := entities.PutService(r.Context(), svc); err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.RecordChange(auditEntry(r, nestID, "service.update", "service", svc.ID), &before, svc)
		}
		WriteJSON(w, http.StatusOK, svc)
	}
}

// HandleDeleteService returns a handler for DELETE /api/services/{id}.
// Deletion removes the service's rolling state with it.
func HandleDeleteService(entities *store.Store, auditSvc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nestID, ok := resolveNestScope(w, r)
		if !ok {
			return
		}
		id := PathParam(r, "id")
		svc, err := entities.GetService(r.Context(), nestID, id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if err := entities.DeleteService(r.Context(), nestID, id); err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.RecordChange(auditEntry(r, nestID, "service.delete", "service", id), svc, nil)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
