package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/maypok86/otter"

	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/regions"
	"github.com/guardant/guardant/internal/store"
)

// StatusPageData is the public status-page payload.
type StatusPageData struct {
	Nest        StatusPageNest      `json:"nest"`
	Services    []StatusPageService `json:"services"`
	Incidents   []*model.Incident   `json:"incidents"`
	Maintenance []any               `json:"maintenance"`
	LastUpdated int64               `json:"lastUpdated"`
}

// StatusPageNest is the tenant header of a status page. It exposes only
// fields safe for the public surface.
type StatusPageNest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Subdomain string         `json:"subdomain"`
	Settings  map[string]any `json:"settings"`
}

// StatusPageService is one service row on a status page.
type StatusPageService struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Status       string             `json:"status"`
	Uptime       float64            `json:"uptime"`
	ResponseTime *float64           `json:"responseTime,omitempty"`
	LastCheck    int64              `json:"lastCheck,omitempty"`
	Metrics      StatusPageMetrics  `json:"metrics"`
	Regions      []StatusPageRegion `json:"regions"`
}

// StatusPageMetrics carries the rolling windows for one service.
type StatusPageMetrics struct {
	Uptime24h          float64  `json:"uptime24h"`
	Uptime7d           float64  `json:"uptime7d"`
	Uptime30d          float64  `json:"uptime30d"`
	AvgResponseTime24h *float64 `json:"avgResponseTime24h,omitempty"`
}

// StatusPageRegion is one region's view of a service.
type StatusPageRegion struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	ResponseTime *float64 `json:"responseTime,omitempty"`
	LastCheck    int64    `json:"lastCheck,omitempty"`
}

// StatusCache is a short-TTL response cache for the public status surface.
// Entries expire after the public Cache-Control max-age.
type StatusCache struct {
	cache otter.Cache[string, []byte]
}

// NewStatusCache builds a cache bounded to maxEntries subdomains.
func NewStatusCache(maxEntries int) *StatusCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache, err := otter.MustBuilder[string, []byte](maxEntries).
		Cost(func(_ string, v []byte) uint32 { return uint32(len(v)) }).
		WithTTL(30 * time.Second).
		Build()
	if err != nil {
		panic("api: failed to create status cache: " + err.Error())
	}
	return &StatusCache{cache: cache}
}

// Invalidate drops the cached payload for a subdomain.
func (c *StatusCache) Invalidate(subdomain string) {
	if c != nil {
		c.cache.Delete(subdomain)
	}
}

// buildStatusPage assembles the public payload for a nest. Reads are scoped
// to the nest id throughout; nothing from another tenant can leak in.
func buildStatusPage(r *http.Request, entities *store.Store, catalogue *regions.Catalogue, nest *model.Nest) (*StatusPageData, error) {
	ctx := r.Context()
	services, err := entities.ListServices(ctx, nest.ID)
	if err != nil {
		return nil, err
	}

	page := &StatusPageData{
		Nest: StatusPageNest{
			ID:        nest.ID,
			Name:      nest.Name,
			Subdomain: nest.Subdomain,
			Settings:  map[string]any{},
		},
		Services:    make([]StatusPageService, 0, len(services)),
		Incidents:   []*model.Incident{},
		Maintenance: []any{},
		LastUpdated: time.Now().UnixMilli(),
	}

	for _, svc := range services {
		if !svc.IsActive {
			continue
		}
		row := StatusPageService{
			ID:      svc.ID,
			Name:    svc.Name,
			Type:    string(svc.Type),
			Status:  "unknown",
			Regions: []StatusPageRegion{},
		}
		rollup, err := entities.GetRollup(ctx, nest.ID, svc.ID)
		if err == nil {
			row.Status = string(rollup.CurrentStatus)
			row.Uptime = rollup.Window24h.UptimePct
			row.Metrics = StatusPageMetrics{
				Uptime24h: rollup.Window24h.UptimePct,
				Uptime7d:  rollup.Window7d.UptimePct,
				Uptime30d: rollup.Window30d.UptimePct,
			}
			if rollup.Window24h.AvgRTTMs > 0 {
				avg := rollup.Window24h.AvgRTTMs
				row.Metrics.AvgResponseTime24h = &avg
			}
			for _, rs := range rollup.Regions {
				region := StatusPageRegion{
					ID:        rs.Region,
					Name:      rs.Region,
					Status:    string(rs.Status),
					LastCheck: rs.StartedAtNs / int64(time.Millisecond),
				}
				if catalogue != nil {
					if meta, ok := catalogue.Get(rs.Region); ok && meta.City != "" {
						region.Name = meta.City + ", " + meta.Country
					}
				}
				if rs.RTTMs > 0 {
					rtt := rs.RTTMs
					region.ResponseTime = &rtt
				}
				if region.LastCheck > row.LastCheck {
					row.LastCheck = region.LastCheck
					if rs.RTTMs > 0 {
						rtt := rs.RTTMs
						row.ResponseTime = &rtt
					}
				}
				row.Regions = append(row.Regions, region)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		page.Services = append(page.Services, row)
	}

	incidents, err := entities.ListOpenIncidents(ctx, nest.ID)
	if err != nil {
		return nil, err
	}
	page.Incidents = incidents
	return page, nil
}

// HandlePublicStatus returns a handler for GET /api/status/{subdomain}.
// Unknown or deactivated subdomains 404 without leaking anything else.
func HandlePublicStatus(entities *store.Store, catalogue *regions.Catalogue, cache *StatusCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subdomain := PathParam(r, "subdomain")

		writeCached := func(payload []byte) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Cache-Control", "public, max-age=30, stale-while-revalidate=60")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
		}

		if cache != nil {
			if payload, ok := cache.cache.Get(subdomain); ok {
				writeCached(payload)
				return
			}
		}

		nest, err := entities.GetNestBySubdomain(r.Context(), subdomain)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeNotFound(w, "status page not found")
				return
			}
			writeStoreError(w, err)
			return
		}
		if !nest.IsActive {
			writeNotFound(w, "status page not found")
			return
		}

		page, err := buildStatusPage(r, entities, catalogue, nest)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		payload, err := json.Marshal(page)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "encode failed")
			return
		}
		if cache != nil {
			cache.cache.Set(subdomain, payload)
		}
		writeCached(payload)
	}
}

// HandleServicePulse returns a handler for POST /api/push/{nest_id}/{service_id}:
// the inbound ping endpoint for heartbeat-type services.
func HandleServicePulse(entities *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nestID := PathParam(r, "nest_id")
		serviceID := PathParam(r, "service_id")
		svc, err := entities.GetService(r.Context(), nestID, serviceID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if svc.Type != model.ServiceTypeHeartbeat {
			writeInvalidArgument(w, "service does not accept heartbeat pings")
			return
		}
		if err := entities.RecordServicePulse(r.Context(), nestID, serviceID, time.Now()); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleGetServicePulse returns a handler for GET /api/push/{nest_id}/{service_id}.
// Workers evaluating heartbeat services read the last pulse through this.
func HandleGetServicePulse(entities *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nestID := PathParam(r, "nest_id")
		serviceID := PathParam(r, "service_id")
		if _, err := entities.GetService(r.Context(), nestID, serviceID); err != nil {
			writeStoreError(w, err)
			return
		}
		last, seen, err := entities.LastServiceHeartbeat(r.Context(), nestID, serviceID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		resp := map[string]any{"seen": seen}
		if seen {
			resp["last_ping_ns"] = last.UnixNano()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
