// Package api exposes remediation plans over HTTP for approval UI
// consumption: list/inspect plans, drive lifecycle transitions, and
// observe state changes through the event log or a webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/patchplan/patchplan/internal/coordinator"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/observability/logging"
	"github.com/patchplan/patchplan/internal/store"
)

// ActorHeader carries the acting identity for gated transitions.
const ActorHeader = "X-Patchplan-Actor"

type Server struct {
	store  *store.Store
	coord  *coordinator.Coordinator
	router *mux.Router
}

func NewServer(st *store.Store, coord *coordinator.Coordinator) *Server {
	s := &Server{
		store:  st,
		coord:  coord,
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/plans", s.handleListPlans).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/plans/{id}", s.handleGetPlan).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/plans/{id}/events", s.handlePlanEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/plans/{id}/approve", s.transitionHandler(coordinator.VerbApprove)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/plans/{id}/reject", s.transitionHandler(coordinator.VerbReject)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/plans/{id}/apply", s.transitionHandler(coordinator.VerbApply)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/plans/{id}/rollback", s.transitionHandler(coordinator.VerbRollback)).Methods(http.MethodPost)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log := logging.From(ctx)
	log.Info("api", "listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans()
	if err != nil {
		writeError(w, r, err)
		return
	}

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := plans[:0]
		for _, p := range plans {
			if p.State == models.PlanState(state) {
				filtered = append(filtered, p)
			}
		}
		plans = filtered
	}
	if plans == nil {
		plans = []*models.RemediationPlan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.store.LoadPlan(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handlePlanEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.LoadPlan(id); err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.store.Events(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.PlanEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) transitionHandler(verb coordinator.Verb) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		actor := r.Header.Get(ActorHeader)

		var plan *models.RemediationPlan
		var err error
		switch verb {
		case coordinator.VerbApprove:
			plan, err = s.coord.Approve(r.Context(), id, actor)
		case coordinator.VerbReject:
			plan, err = s.coord.Reject(r.Context(), id, actor)
		case coordinator.VerbApply:
			plan, err = s.coord.Apply(r.Context(), id, actor)
		case coordinator.VerbRollback:
			plan, err = s.coord.Rollback(r.Context(), id, actor)
		}

		// apply may halt the plan and still hand it back in failed state
		if err != nil && plan == nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var transitionErr *coordinator.TransitionError
	var driftErr *coordinator.RollbackDriftError
	switch {
	case errors.Is(err, store.ErrPlanNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coordinator.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.As(err, &transitionErr), errors.As(err, &driftErr):
		status = http.StatusConflict
	}

	logging.From(r.Context()).Warn("api", "request failed",
		"path", r.URL.Path, "status", status, "error", err.Error())
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
