package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/regions"
	"github.com/guardant/guardant/internal/registry"
	"github.com/guardant/guardant/internal/store"
)

// ServerDeps bundles the subsystems the API surface fronts.
type ServerDeps struct {
	Entities  *store.Store
	Registry  *registry.Registry
	Catalogue *regions.Catalogue
	Audit     *audit.Service
	Resolver  TokenResolver

	MaxBodyBytes       int64
	AdminRateLimitRPM  int
	PublicRateLimitRPM int
	SSEHeartbeatEvery  time.Duration
	StatusCacheSize    int
}

// Server wraps the HTTP server and mux for the control-plane API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an API server wired with all routes.
func NewServer(listenAddress string, port int, deps ServerDeps) *Server {
	mux := http.NewServeMux()

	publicRL := NewRateLimiter(deps.PublicRateLimitRPM)
	adminRL := NewRateLimiter(deps.AdminRateLimitRPM)
	statusCache := NewStatusCache(deps.StatusCacheSize)

	public := func(h http.Handler) http.Handler {
		return PublicRateLimitMiddleware(publicRL, RequestBodyLimitMiddleware(deps.MaxBodyBytes, h))
	}

	// Liveness, never rate limited.
	mux.Handle("GET /healthz", HandleHealthz())

	// Public status surface.
	mux.Handle("GET /api/status/{subdomain}", public(HandlePublicStatus(deps.Entities, deps.Catalogue, statusCache)))
	mux.Handle("GET /api/status/{subdomain}/events", PublicRateLimitMiddleware(publicRL, HandleStatusEvents(deps.Entities, deps.SSEHeartbeatEvery)))
	mux.Handle("POST /api/push/{nest_id}/{service_id}", public(HandleServicePulse(deps.Entities)))
	mux.Handle("GET /api/push/{nest_id}/{service_id}", public(HandleGetServicePulse(deps.Entities)))

	// Worker-facing endpoints: workers hold no API tokens, only broker
	// credentials, so these sit on the public surface.
	mux.Handle("POST /api/workers/register", public(HandleRegisterWorker(deps.Registry)))
	mux.Handle("GET /api/workers/{id}/approval", public(HandleWorkerApprovalStatus(deps.Registry)))
	mux.Handle("POST /api/workers/{id}/heartbeat", public(HandleWorkerHeartbeat(deps.Registry)))

	// Authenticated admin surface.
	authed := http.NewServeMux()

	authed.Handle("GET /api/nests", HandleListNests(deps.Entities))
	authed.Handle("POST /api/nests", HandleCreateNest(deps.Entities, deps.Audit))
	authed.Handle("GET /api/nests/{id}", HandleGetNest(deps.Entities))
	authed.Handle("PATCH /api/nests/{id}", HandleUpdateNest(deps.Entities, deps.Audit))
	authed.Handle("DELETE /api/nests/{id}", HandleDeactivateNest(deps.Entities, deps.Audit))

	authed.Handle("GET /api/services", HandleListServices(deps.Entities))
	authed.Handle("POST /api/services", HandleCreateService(deps.Entities, deps.Audit))
	authed.Handle("GET /api/services/{id}", HandleGetService(deps.Entities))
	authed.Handle("PATCH /api/services/{id}", HandleUpdateService(deps.Entities, deps.Audit))
	authed.Handle("DELETE /api/services/{id}", HandleDeleteService(deps.Entities, deps.Audit))

	authed.Handle("GET /api/workers", HandleListWorkers(deps.Registry))
	authed.Handle("GET /api/workers/registrations/pending", HandlePendingWorkers(deps.Registry))
	authed.Handle("GET /api/workers/leaderboard", HandleWorkerLeaderboard(deps.Registry))
	authed.Handle("GET /api/workers/regions", HandleRegionsView(deps.Registry, deps.Catalogue))
	authed.Handle("POST /api/workers/update", HandleUpdateWorkers(deps.Registry, deps.Audit))
	authed.Handle("POST /api/workers/rebuild", HandleRebuildWorkers(deps.Registry, deps.Audit))
	authed.Handle("POST /api/workers/{id}/approve", HandleApproveWorker(deps.Registry, deps.Audit))
	authed.Handle("POST /api/workers/{id}/reject", HandleRejectWorker(deps.Registry, deps.Audit))
	authed.Handle("POST /api/workers/{id}/suspend", HandleSuspendWorker(deps.Registry, deps.Audit))
	authed.Handle("POST /api/workers/{id}/resume", HandleResumeWorker(deps.Registry, deps.Audit))
	authed.Handle("POST /api/workers/{id}/change-region", HandleChangeWorkerRegion(deps.Registry, deps.Audit))
	authed.Handle("DELETE /api/workers/{id}", HandleDeleteWorker(deps.Registry, deps.Audit))

	// Legacy alias; same payload shape as the canonical pending route.
	authed.Handle("GET /api/platform/workers/pending", HandlePendingWorkers(deps.Registry))
	authed.Handle("GET /api/platform/stats", HandlePlatformStats(deps.Entities, deps.Registry))

	if deps.Audit != nil {
		authed.Handle("GET /api/audit", HandleListAudit(deps.Audit.Repo()))
	}

	chained := AdminRateLimitMiddleware(adminRL, RequestBodyLimitMiddleware(deps.MaxBodyBytes, authed))
	mux.Handle("/api/", AuthMiddleware(deps.Resolver, chained))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}
	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
