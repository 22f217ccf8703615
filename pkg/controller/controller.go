// Package controller runs complete simulations: it solves the horizon, bills
// the result and keeps the stored run up to date along the way.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raterudder/dersched/pkg/billing"
	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/simulator"
	"github.com/raterudder/dersched/pkg/solver"
	"github.com/raterudder/dersched/pkg/storage"
	"github.com/raterudder/dersched/pkg/types"
)

// Request is a tariff and the scenario to simulate under it.
type Request struct {
	Tariff   types.Tariff   `json:"tariff"`
	Scenario types.Scenario `json:"scenario"`
}

// Outcome is a finished simulation.
type Outcome struct {
	Run     types.Run
	Results *simulator.Results
	Charges billing.Charges
}

// Controller executes simulations against a storage backend.
type Controller struct {
	storage storage.Database
	solver  *solver.Config

	now   func() time.Time
	newID func() string
}

// NewController creates a new Controller.
func NewController(db storage.Database, cfg *solver.Config) *Controller {
	return &Controller{
		storage: db,
		solver:  cfg,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Simulate validates the request, stores a running run, solves every segment
// and stores the bill. Result rows are appended to storage as each segment
// finishes. Configuration errors are returned before anything is stored;
// later failures mark the run failed and return it alongside the error.
func (c *Controller) Simulate(ctx context.Context, req Request) (Outcome, error) {
	id := c.newID()
	sim, err := simulator.New(simulator.Config{
		Tariff:   req.Tariff,
		Scenario: req.Scenario,
		Solver:   c.solver,
		Sink:     storage.NewSink(c.storage, id),
	})
	if err != nil {
		return Outcome{}, err
	}

	now := c.now().UTC()
	run := types.Run{
		ID:          id,
		Tariff:      req.Tariff.Name,
		Scenario:    req.Scenario.Name,
		Year:        req.Scenario.Year,
		Granularity: req.Scenario.Granularity,
		Status:      types.RunStatusRunning,
		Created:     now,
		Updated:     now,
	}
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("runID", run.ID)))
	if err := c.storage.SaveRun(ctx, run); err != nil {
		return Outcome{}, fmt.Errorf("failed to save run: %w", err)
	}

	out := Outcome{Run: run}
	out.Results, err = sim.Run(ctx)
	if err == nil {
		out.Charges, err = billing.Calculate(out.Results, sim.Series(), req.Tariff)
	}
	if err != nil {
		out.Run = c.fail(ctx, run, err)
		return out, err
	}

	out.Run.Status = types.RunStatusComplete
	out.Run.Objective = out.Results.Objective
	out.Run.PVCapacity = out.Results.MaxPVCapacity()
	out.Run.Bill = out.Charges.Bill()
	out.Run.Updated = c.now().UTC()
	if err := c.storage.SaveRun(ctx, out.Run); err != nil {
		return out, fmt.Errorf("failed to save run: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "simulation complete", slog.String("total", out.Run.Bill.Total))
	return out, nil
}

func (c *Controller) fail(ctx context.Context, run types.Run, cause error) types.Run {
	run.Status = types.RunStatusFailed
	run.Error = cause.Error()
	run.Updated = c.now().UTC()

	level := slog.LevelError
	if errors.Is(cause, solver.ErrInfeasibleOrUnsolved) || errors.Is(cause, solver.ErrTimeLimitNoSolution) {
		level = slog.LevelWarn
	}
	log.Ctx(ctx).Log(ctx, level, "simulation failed", slog.Any("error", cause))

	// the caller's context may be what failed the run
	if err := c.storage.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save failed run", slog.Any("error", err))
	}
	return run
}
