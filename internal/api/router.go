// Package api is the HTTP surface: share admission and status for clients,
// plus the token-guarded admin routes.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"sharepilot/internal/credentials"
	"sharepilot/internal/eventbus"
	"sharepilot/internal/job"
	"sharepilot/internal/observability"
	"sharepilot/internal/ratelimit"
	"sharepilot/internal/sweep"
	logx "sharepilot/pkg/logx"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderAdminToken    = "X-Admin-Token"
	HeaderAdminActor    = "X-Admin-Actor"

	defaultActor = "admin-portal"
	recentLimit  = 25
)

// Deps are the services the handlers read and mutate. Metrics and Sweeper
// may be nil.
type Deps struct {
	Jobs        *job.Store
	Admission   *ratelimit.Set
	Credentials *credentials.Registry
	Bus         eventbus.Bus
	Metrics     *observability.Metrics
	Sweeper     *sweep.Sweeper

	// AdminToken guards /admin. Empty rejects every admin request.
	AdminToken     string
	StuckThreshold time.Duration
	// Profiling mounts net/http/pprof under /admin/debug.
	Profiling bool

	Log     logx.Logger
	Now     func() time.Time
	Started time.Time
}

type handler struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Started.IsZero() {
		d.Started = d.Now()
	}
	h := &handler{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation)
	r.Use(h.requestLog)

	r.Get("/health", h.health)

	r.Route("/v1/shares", func(r chi.Router) {
		r.Post("/", h.createShare)
		r.Get("/{id}", h.getShare)
		r.Get("/{id}/events/ws", h.streamShare)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.adminAuth)
		r.Get("/dashboard", h.dashboard)
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/stuck", h.stuckJobs)
		r.Post("/jobs/{id}/requeue", h.requeueJob)
		r.Get("/credentials", h.listCredentials)
		r.Post("/credentials/revoke", h.revokeCredential)
		r.Post("/credentials/restore", h.restoreCredential)
		if d.Profiling {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// correlation echoes X-Correlation-ID or mints one, and stores it on the
// request context for logx.Logger.Ctx.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(logx.WithCorrelationID(r.Context(), id)))
	})
}

func (h *handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Log.Ctx(r.Context()).Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func (h *handler) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(HeaderAdminToken)
		if h.AdminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": h.Now().Sub(h.Started).Seconds(),
	})
}
