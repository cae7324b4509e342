// Package api is the thin HTTP adapter over the component operations. Its
// responsibilities stop at routing, CORS, request-id propagation, and
// mapping component errors to status codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/blackroad-os/repowarden/pkg/coordinator"
	"github.com/blackroad-os/repowarden/pkg/healer"
	"github.com/blackroad-os/repowarden/pkg/log"
	"github.com/blackroad-os/repowarden/pkg/metrics"
	"github.com/blackroad-os/repowarden/pkg/syncengine"
	"github.com/blackroad-os/repowarden/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Server exposes the control plane over HTTP.
type Server struct {
	coord   *coordinator.Coordinator
	engine  *syncengine.Engine
	healer  *healer.Healer
	logger  zerolog.Logger
	version string
}

// NewServer creates the HTTP adapter.
func NewServer(coord *coordinator.Coordinator, engine *syncengine.Engine, h *healer.Healer, version string) *Server {
	return &Server{
		coord:   coord,
		engine:  engine,
		healer:  h,
		logger:  log.WithComponent("api"),
		version: version,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
	}))
	r.Use(s.observe)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", s.getVersion)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.createJob)
			r.Get("/metrics", s.jobMetrics)
			r.Post("/cleanup", s.cleanupJobs)
			r.Get("/{id}", s.getJob)
			r.Patch("/{id}", s.updateJob)
			r.Delete("/{id}", s.deleteJob)
		})

		r.Route("/repos", func(r chi.Router) {
			r.Get("/", s.listRepos)
			r.Get("/{owner}/{name}", s.getRepo)
			r.Post("/{owner}/{name}/sync", s.syncRepo)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", s.syncStatus)
			r.Post("/full", s.triggerFullSync)
			r.Post("/incremental", s.triggerIncrementalSync)
		})

		r.Route("/cohesiveness", func(r chi.Router) {
			r.Post("/check", s.checkCohesiveness)
			r.Get("/report", s.cohesivenessReport)
		})

		r.Route("/healing", func(r chi.Router) {
			r.Get("/tasks", s.listHealingTasks)
			r.Get("/tasks/{id}", s.getHealingTask)
			r.Get("/metrics", s.healingMetrics)
			r.Get("/health", s.healingHealth)
		})
	})

	return r
}

// observe records request metrics and logs each call with its request id.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// --- jobs ---

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, report := s.coord.ListJobs(
		types.JobStatus(r.URL.Query().Get("status")),
		types.JobType(r.URL.Query().Get("type")),
		limit,
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":    jobs,
		"metrics": report,
	})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var partial types.Job
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	job, err := s.coord.CreateJob(&partial)
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var patch coordinator.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	job, err := s.coord.UpdateJob(chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteJob(chi.URLParam(r, "id")); err != nil {
		s.writeComponentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Metrics())
}

func (s *Server) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	cleaned, remaining, err := s.coord.Cleanup()
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleaned": cleaned, "remaining": remaining})
}

// --- repos & sync ---

func (s *Server) listRepos(w http.ResponseWriter, r *http.Request) {
	repos, known := s.engine.ListRepos()
	status := s.engine.GetStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repos":        repos,
		"knownRepos":   known,
		"lastFullSync": status.LastFullSync,
	})
}

func (s *Server) getRepo(w http.ResponseWriter, r *http.Request) {
	full := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
	repo, err := s.engine.GetRepo(full)
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) syncRepo(w http.ResponseWriter, r *http.Request) {
	full := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
	taskID, err := s.engine.SyncRepo(r.Context(), full)
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetStatus())
}

func (s *Server) triggerFullSync(w http.ResponseWriter, r *http.Request) {
	enqueued, err := s.engine.TriggerFullSync(r.Context())
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": enqueued})
}

func (s *Server) triggerIncrementalSync(w http.ResponseWriter, r *http.Request) {
	enqueued, err := s.engine.TriggerIncrementalSync(r.Context())
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": enqueued})
}

// --- cohesiveness ---

func (s *Server) checkCohesiveness(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.CheckCohesiveness(r.Context())
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) cohesivenessReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetCohesivenessReport())
}

// --- healing ---

func (s *Server) listHealingTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.healer.ListTasks(types.HealingStatus(r.URL.Query().Get("status")))
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) getHealingTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.healer.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		s.writeComponentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) healingMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healer.Metrics())
}

func (s *Server) healingHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healer.HealthCheck())
}

// --- plumbing ---

// writeComponentError maps component errors onto HTTP status codes.
func (s *Server) writeComponentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, syncengine.ErrRepoNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, healer.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, syncengine.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, syncengine.ErrRepoRequired):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
