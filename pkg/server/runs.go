package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/dersched/pkg/controller"
	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/solver"
	"github.com/raterudder/dersched/pkg/storage"
	"github.com/raterudder/dersched/pkg/types"
)

type simulateResponse struct {
	Run   types.Run `json:"run"`
	Error string    `json:"error,omitempty"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	}

	var req controller.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if s.simulations != nil {
		select {
		case s.simulations <- struct{}{}:
			defer func() { <-s.simulations }()
		default:
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, "too many simulations running", http.StatusServiceUnavailable)
			return
		}
	}
	if s.simulateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.simulateTimeout)
		defer cancel()
	}

	out, err := s.controller.Simulate(ctx, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, simulateResponse{Run: out.Run})
	case errors.Is(err, types.ErrConfiguration):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case out.Run.ID == "":
		log.Ctx(ctx).ErrorContext(ctx, "failed to start simulation", slog.Any("error", err))
		writeJSONError(w, "failed to start simulation", http.StatusInternalServerError)
	case errors.Is(err, solver.ErrInfeasibleOrUnsolved), errors.Is(err, solver.ErrTimeLimitNoSolution):
		writeJSON(w, http.StatusUnprocessableEntity, simulateResponse{Run: out.Run, Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, simulateResponse{Run: out.Run, Error: err.Error()})
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runs, err := s.storage.ListRuns(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list runs", slog.Any("error", err))
		writeJSONError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []types.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	run, err := s.storage.GetRun(ctx, id)
	if errors.Is(err, storage.ErrRunNotFound) {
		writeJSONError(w, "run not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get run", slog.String("runID", id), slog.Any("error", err))
		writeJSONError(w, "failed to get run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	rows, err := s.storage.GetResults(ctx, id)
	if errors.Is(err, storage.ErrRunNotFound) {
		writeJSONError(w, "run not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get results", slog.String("runID", id), slog.Any("error", err))
		writeJSONError(w, "failed to get results", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []types.ResultRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}
