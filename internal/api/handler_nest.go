package api

import (
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/store"
)

var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// requireNestAccess enforces tenant scoping: platform admins pass, nest
// users only reach their own nest. Writes 403 on violation.
func requireNestAccess(w http.ResponseWriter, r *http.Request, nestID string) bool {
	p := PrincipalFrom(r)
	if p == nil {
		WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no principal")
		return false
	}
	if p.Role == model.RolePlatformAdmin {
		return true
	}
	if p.NestID != nestID {
		writeForbidden(w, "nest access denied")
		return false
	}
	return true
}

func requirePlatformAdmin(w http.ResponseWriter, r *http.Request) bool {
	p := PrincipalFrom(r)
	if p == nil || p.Role != model.RolePlatformAdmin {
		writeForbidden(w, "platform admin role required")
		return false
	}
	return true
}

func auditEntry(r *http.Request, nestID, action, targetKind, targetID string) audit.Entry {
	e := audit.Entry{
		NestID:     nestID,
		Action:     action,
		TargetKind: targetKind,
		TargetID:   targetID,
		RemoteIP:   clientIP(r),
	}
	if p := PrincipalFrom(r); p != nil {
		e.Actor = p.UserID
	}
	return e
}

// HandleListNests returns a handler for GET /api/nests.
func HandleListNests(entities *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r)

		if p != nil && p.Role != model.RolePlatformAdmin {
			nest, err := entities.GetNest(r.Context(), p.NestID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, []*model.Nest{nest})
			return
		}

		nests, err := entities.ListNests(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, nests, pg)
	}
}

type createNestRequest struct {
	Subdomain    string             `json:"subdomain"`
	Name         string             `json:"name"`
	OwnerEmail   string             `json:"owner_email"`
	Subscription model.Subscription `json:"subscription"`
}

// HandleCreateNest returns a handler for POST /api/nests.
func HandleCreateNest(entities *store.Store, auditSvc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePlatformAdmin(w, r) {
			return
		}
		var req createNestRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if !subdomainRe.MatchString(req.Subdomain) {
			writeInvalidArgument(w, "subdomain: must be DNS-safe")
			return
		}
		if req.OwnerEmail == "" {
			writeInvalidArgument(w, "owner_email: required")
			return
		}
		if _, err := entities.GetNestBySubdomain(r.Context(), req.Subdomain); err == nil {
			WriteError(w, http.StatusConflict, "CONFLICT", "subdomain already taken")
			return
		}

		now := time.Now().UnixNano()
		nest := &model.Nest{
			ID:           uuid.NewString(),
			Subdomain:    req.Subdomain,
			Name:         req.Name,
			OwnerEmail:   req.OwnerEmail,
			Subscription: req.Subscription,
			IsActive:     true,
			CreatedAtNs:  now,
			UpdatedAtNs:  now,
		}
		if nest.Subscription.Tier == "" {
			nest.Subscription.Tier = model.TierFree
		}
		if err := entities.PutNest(r.Context(), nest); err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.RecordChange(auditEntry(r, nest.ID, "nest.create", "nest", nest.ID), nil, nest)
		}
		WriteJSON(w, http.StatusCreated, nest)
	}
}

// HandleGetNest returns a handler for GET /api/nests/{id}.
func HandleGetNest(entities *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := PathParam(r, "id")
		if !requireNestAccess(w, r, id) {
			return
		}
		nest, err := entities.GetNest(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, nest)
	}
}

type updateNestRequest struct {
	Name         *string             `json:"name,omitempty"`
	Subscription *model.Subscription `json:"subscription,omitempty"`
	IsActive     *bool               `json:"is_active,omitempty"`
}

// HandleUpdateNest returns a handler for PATCH /api/nests/{id}.
// Subscription and activation changes require the platform admin role.
func HandleUpdateNest(entities *store.Store, auditSvc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := PathParam(r, "id")
		if !requireNestAccess(w, r, id) {
			return
		}
		var req updateNestRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		p := PrincipalFrom(r)
		if (req.Subscription != nil || req.IsActive != nil) && p.Role != model.RolePlatformAdmin {
			writeForbidden(w, "platform admin role required for subscription changes")
			return
		}

		nest, err := entities.GetNest(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		before := *nest
		if req.Name != nil {
			nest.Name = *req.Name
		}
		if req.Subscription != nil {
			nest.Subscription = *req.Subscription
		}
		if req.IsActive != nil {
			nest.IsActive = *req.IsActive
		}
		nest.UpdatedAtNs = time.Now().UnixNano()
		if err := entities.PutNest(r.Context(), nest); err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.RecordChange(auditEntry(r, id, "nest.update", "nest", id), &before, nest)
		}
		WriteJSON(w, http.StatusOK, nest)
	}
}

// HandleDeactivateNest returns a handler for DELETE /api/nests/{id}.
// Nests are soft-deactivated; services under them stop being scheduled.
func HandleDeactivateNest(entities *store.Store, auditSvc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePlatformAdmin(w, r) {
			return
		}
		id := PathParam(r, "id")
		nest, err := entities.GetNest(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if err := entities.DeactivateNest(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		if auditSvc != nil {
			auditSvc.RecordChange(auditEntry(r, id, "nest.deactivate", "nest", id), nest, nil)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
