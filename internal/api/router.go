// Package api exposes the service's operational HTTP surface: health, the
// cron poll trigger, quota inspection, and the admin repair endpoints. End
// users never talk to this service directly.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relayhq/inbox-ingest/internal/admin"
	"github.com/relayhq/inbox-ingest/internal/pkg/logger"
	"github.com/relayhq/inbox-ingest/internal/quota"
	"github.com/relayhq/inbox-ingest/internal/scheduler"
)

// Deps wires the router's collaborators.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Tools      *admin.Tools
	Quota      map[string]*quota.Tracker
	AdminToken string
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Minute)) // poll cycles can run long
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(d.AdminToken))

		r.Post("/internal/cron/poll", handlePoll(d.Scheduler))
		r.Get("/internal/quota/{provider}", handleQuota(d.Quota))

		r.Post("/admin/repair/watermarks", handleWatermarkRepair(d.Tools))
		r.Post("/admin/backfill/creators", handleCreatorBackfill(d.Tools))
	})
	return r
}

// bearerAuth gates the internal and admin endpoints with a shared token.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusServiceUnavailable, "admin token not configured")
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handlePoll(s *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.PollCycle(r.Context())
		if err != nil {
			logger.Error("poll cycle failed", "error", err.Error())
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleQuota(trackers map[string]*quota.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		t, ok := trackers[name]
		if !ok {
			writeError(w, http.StatusNotFound, "no quota tracking for provider "+name)
			return
		}
		status, err := t.GetStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleWatermarkRepair(tools *admin.Tools) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := tools.WatermarkRepair(r.Context(), dryRun(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleCreatorBackfill(tools *admin.Tools) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := tools.CreatorBackfill(r.Context(), dryRun(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// dryRun reads the dry_run flag from the query string or a JSON body.
// Defaults to true: repairs mutate state only when explicitly asked to.
func dryRun(r *http.Request) bool {
	if v := r.URL.Query().Get("dry_run"); v != "" {
		return v != "false" && v != "0"
	}
	var body struct {
		DryRun *bool `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.DryRun != nil {
		return *body.DryRun
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
