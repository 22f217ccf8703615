// Package simulator runs a year-long dispatch as a sequence of horizon
// segments, threading the battery state of charge and accrued monthly demand
// peaks from one segment into the next.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/dersched/pkg/dispatch"
	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/solver"
	"github.com/raterudder/dersched/pkg/tariff"
	"github.com/raterudder/dersched/pkg/types"
	"github.com/raterudder/dersched/pkg/window"
)

// peakTolerance absorbs solver noise when comparing peaks across days.
const peakTolerance = 1e-6

// ErrPeakRegression is returned when a monthly peak solved for a day is lower
// than the peak accrued on an earlier day of the same month.
var ErrPeakRegression = errors.New("monthly demand peak decreased within the month")

// SegmentError wraps the failure of a single segment.
type SegmentError struct {
	Segment Segment
	Err     error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %s: %v", e.Segment.Name(), e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// Sink receives the rows of every segment as soon as it is solved.
type Sink interface {
	AppendResults(ctx context.Context, rows []types.ResultRow) error
}

// Config is everything a simulation needs.
type Config struct {
	Tariff   types.Tariff
	Scenario types.Scenario
	Solver   *solver.Config
	// Sink is optional.
	Sink Sink
}

// Simulator runs one simulation.
type Simulator struct {
	cfg    Config
	series *tariff.Series
}

// New validates the configuration and compiles the tariff for the scenario
// year.
func New(cfg Config) (*Simulator, error) {
	if err := cfg.Scenario.Validate(); err != nil {
		return nil, err
	}
	if cfg.Solver == nil {
		return nil, fmt.Errorf("%w: no solver configured", types.ErrConfiguration)
	}
	if err := cfg.Solver.Validate(); err != nil {
		return nil, err
	}
	series, err := tariff.Compile(cfg.Tariff, cfg.Scenario.Year, cfg.Scenario.IntervalMinutes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile tariff %s: %w", cfg.Tariff.Name, err)
	}
	return &Simulator{cfg: cfg, series: series}, nil
}

// Series returns the compiled tariff.
func (s *Simulator) Series() *tariff.Series {
	return s.series
}

// Segments returns the horizons of the simulation in the order they run.
func (s *Simulator) Segments() ([]Segment, error) {
	start, end := s.cfg.Scenario.Period()
	return Segments(start, end, s.cfg.Scenario.Granularity)
}

// InitialState is the carry state before the first segment.
func (s *Simulator) InitialState() types.CarryState {
	if st := s.cfg.Scenario.Storage; st.Enabled() {
		return types.NewCarryState(st.InitialSOC)
	}
	return types.NewCarryState(0)
}

// Run solves every segment in order. A failing segment aborts the run and is
// returned as a *SegmentError; rows of earlier segments have already been
// handed to the Sink.
func (s *Simulator) Run(ctx context.Context) (*Results, error) {
	segments, err := s.Segments()
	if err != nil {
		return nil, err
	}
	sc := s.cfg.Scenario
	start, end := sc.Period()
	offset := s.series.Index(start)
	steps := s.series.Index(end) + s.series.StepsPerDay() - offset
	results := newResults(sc.Year, sc.IntervalMinutes, offset, steps)

	ctx = log.With(ctx, log.Ctx(ctx).With(
		slog.String("tariff", s.cfg.Tariff.Name),
		slog.String("scenario", sc.Name),
		slog.String("granularity", string(sc.Granularity)),
	))
	log.Ctx(ctx).InfoContext(ctx, "starting simulation", slog.Int("segments", len(segments)), slog.Int("steps", steps))
	began := time.Now()

	carry := s.InitialState()
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, &SegmentError{Segment: seg, Err: err}
		}
		w, sol, next, err := s.SolveSegment(ctx, seg, carry)
		if err != nil {
			return nil, &SegmentError{Segment: seg, Err: err}
		}
		from, to := results.record(w, sol)
		if s.cfg.Sink != nil {
			if err := s.cfg.Sink.AppendResults(ctx, results.rows(from, to)); err != nil {
				return nil, &SegmentError{Segment: seg, Err: fmt.Errorf("failed to append results: %w", err)}
			}
		}
		carry = next
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"finished simulation",
		slog.Float64("objective", results.Objective),
		slog.Duration("elapsed", time.Since(began)),
	)
	return results, nil
}

// SolveSegment solves one segment starting from carry and returns its window,
// its solution and the carry state for the next segment. carry is not
// modified.
func (s *Simulator) SolveSegment(ctx context.Context, seg Segment, carry types.CarryState) (*window.Window, *dispatch.Solution, types.CarryState, error) {
	sc := s.cfg.Scenario
	w, err := window.Build(window.Input{
		Start:       seg.Start,
		End:         seg.End,
		Granularity: seg.Granularity,
		Carry:       carry,
		Series:      s.series,
		Tariff:      s.cfg.Tariff,
		Scenario:    sc,
	})
	if err != nil {
		return nil, nil, carry, fmt.Errorf("failed to build window: %w", err)
	}
	m, err := dispatch.Formulate(w, sc, sc.Mode)
	if err != nil {
		return nil, nil, carry, fmt.Errorf("failed to formulate model: %w", err)
	}
	sol, err := m.Solve(ctx, s.cfg.Solver.Solver, s.cfg.Solver.Options(seg.Name()))
	if err != nil {
		return nil, nil, carry, err
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"solved segment",
		slog.String("segment", seg.Name()),
		slog.Int("steps", w.Steps),
		slog.Int("charges", w.NumCharges()),
		slog.Float64("objective", sol.Objective),
	)

	next, err := nextState(seg, w, sol, carry, sc.Storage.Enabled())
	if err != nil {
		return nil, nil, carry, err
	}
	return w, sol, next, nil
}

// nextState derives the carry state that follows a solved segment. Monthly
// peaks are only carried between days of the same month.
func nextState(seg Segment, w *window.Window, sol *dispatch.Solution, carry types.CarryState, storage bool) (types.CarryState, error) {
	var soc float64
	if storage && len(sol.SOC) > 0 {
		soc = sol.SOC[len(sol.SOC)-1]
	}
	if seg.Granularity != types.GranularityDay {
		return types.NewCarryState(soc), nil
	}
	if err := checkPeaks(carry, sol.Peaks); err != nil {
		return carry, err
	}
	if seg.LastDayOfMonth() {
		return types.NewCarryState(soc), nil
	}
	peaks := make(map[types.DemandChargeKey]float64)
	for _, c := range w.Charges {
		if c.Key.Kind == types.DemandChargeMonthly {
			peaks[c.Key] = sol.Peaks[c.Key]
		}
	}
	return carry.WithSOC(soc).WithPeaks(peaks), nil
}

// checkPeaks verifies that no monthly peak dropped below its carried value.
func checkPeaks(carry types.CarryState, peaks map[types.DemandChargeKey]float64) error {
	for key, prev := range carry.Peaks {
		peak, ok := peaks[key]
		if !ok {
			continue
		}
		if peak < prev-peakTolerance {
			return fmt.Errorf("%w: %s fell from %g to %g", ErrPeakRegression, key, prev, peak)
		}
	}
	return nil
}
