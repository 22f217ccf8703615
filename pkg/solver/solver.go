// Package solver defines the boundary between dispatch models and the linear
// programming backends that solve them.
package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raterudder/dersched/pkg/types"
)

var (
	// ErrInfeasibleOrUnsolved is returned when the solver finished without an
	// optimal or time-limited solution.
	ErrInfeasibleOrUnsolved = errors.New("model is infeasible or unsolved")
	// ErrTimeLimitNoSolution is returned when the time limit was reached
	// before any solution was found.
	ErrTimeLimitNoSolution = errors.New("time limit reached without a solution")
)

// Status is the outcome reported by a solver.
type Status int

const (
	StatusOptimal Status = iota
	StatusTimeLimit
	StatusInfeasible
	StatusUnbounded
	StatusOther
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusTimeLimit:
		return "time_limit"
	case StatusInfeasible:
		return "infeasible"
	case StatusUnbounded:
		return "unbounded"
	default:
		return "other"
	}
}

// Result is what a solver returns for a model.
type Result struct {
	Status Status
	// SolutionCount is the number of candidate solutions found.
	SolutionCount int
	Objective     float64
	// Values is indexed by Var. It is nil when SolutionCount is 0.
	Values []float64
	// Detail holds the backend's description of a failure.
	Detail string
}

// Value returns the solved value of v.
func (r Result) Value(v Var) float64 {
	return r.Values[v]
}

// Options configure a single solve.
type Options struct {
	// TimeLimit bounds the solve. 0 means no limit.
	TimeLimit time.Duration
	// LogFile is written with the model and outcome when set.
	LogFile string
}

// Solver solves linear programs.
type Solver interface {
	Name() string
	// SupportsLogFile reports whether Options.LogFile is honored.
	SupportsLogFile() bool
	// Solve returns an error only when the solve could not be attempted. The
	// outcome of the attempt is in the Result.
	Solve(ctx context.Context, m *Model, opts Options) (Result, error)
}

// CheckOptions validates that the solver can honor opts.
func CheckOptions(s Solver, opts Options) error {
	if opts.LogFile != "" && !s.SupportsLogFile() {
		return fmt.Errorf("%w: solver %s does not support log files", types.ErrConfiguration, s.Name())
	}
	if opts.TimeLimit < 0 {
		return fmt.Errorf("%w: negative time limit", types.ErrConfiguration)
	}
	return nil
}

// Check maps a result onto the error taxonomy. A time-limited solve is
// accepted as long as it produced a solution.
func Check(res Result) error {
	switch {
	case res.Status == StatusOptimal:
		return nil
	case res.Status == StatusTimeLimit && res.SolutionCount > 0:
		return nil
	case res.Status == StatusTimeLimit:
		return ErrTimeLimitNoSolution
	case res.Detail != "":
		return fmt.Errorf("%w: %s: %s", ErrInfeasibleOrUnsolved, res.Status, res.Detail)
	default:
		return fmt.Errorf("%w: %s", ErrInfeasibleOrUnsolved, res.Status)
	}
}
