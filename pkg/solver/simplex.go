package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/types"
)

const (
	simplexTol     = 1e-10
	feasibilityTol = 1e-9
	// maxDenseCells bounds the tableau of the simplex backend, about 32MB
	maxDenseCells = 4 << 20
)

// Simplex solves models with gonum's dense simplex implementation. The
// constraint matrix is held densely so it only suits day horizons; larger
// models are rejected with ErrConfiguration. gonum cannot be interrupted, so
// a solve that outlives its context keeps running in the background until it
// finishes.
type Simplex struct{}

// NewSimplex returns the simplex backend.
func NewSimplex() *Simplex {
	return &Simplex{}
}

// Name implements Solver.
func (*Simplex) Name() string {
	return "simplex"
}

// SupportsLogFile implements Solver.
func (*Simplex) SupportsLogFile() bool {
	return true
}

// Solve implements Solver.
func (s *Simplex) Solve(ctx context.Context, m *Model, opts Options) (Result, error) {
	if err := CheckOptions(s, opts); err != nil {
		return Result{}, err
	}
	if opts.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.TimeLimit)
		defer cancel()
	}

	if cells := denseCells(m); cells > maxDenseCells {
		return Result{}, fmt.Errorf(
			"%w: model %s needs a %d cell dense tableau, more than the simplex limit of %d; use the ipm solver",
			types.ErrConfiguration, m.Name, cells, maxDenseCells,
		)
	}

	start := logSolving(ctx, m)
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusOther, Detail: fmt.Sprint(r)}
			}
		}()
		done <- solveStandard(m)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, ctx.Err()
		}
		// the dense simplex cannot report an incumbent
		res = Result{Status: StatusTimeLimit}
	}

	logSolved(ctx, m, res, start)

	if opts.LogFile != "" {
		if err := writeLogFile(opts.LogFile, m, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func writeLogFile(path string, m *Model, res Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create solver log: %w", err)
	}
	if err := WriteLP(f, m); err != nil {
		f.Close()
		return fmt.Errorf("failed to write solver log: %w", err)
	}
	_, err = fmt.Fprintf(f, "\\ status: %s solutions: %d objective: %g\n", res.Status, res.SolutionCount, res.Objective)
	if err == nil && res.Detail != "" {
		_, err = fmt.Fprintf(f, "\\ detail: %s\n", res.Detail)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write solver log: %w", err)
	}
	return nil
}

func logSolving(ctx context.Context, m *Model) time.Time {
	log.Ctx(ctx).DebugContext(
		ctx,
		"solving model",
		slog.String("model", m.Name),
		slog.Int("vars", m.NumVars()),
		slog.Int("rows", m.NumConstraints()),
	)
	return time.Now()
}

func logSolved(ctx context.Context, m *Model, res Result, start time.Time) {
	log.Ctx(ctx).DebugContext(
		ctx,
		"solved model",
		slog.String("model", m.Name),
		slog.String("status", res.Status.String()),
		slog.Float64("objective", res.Objective),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// denseCells is an upper bound on the size of the constraint matrix
// solveStandard builds for m.
func denseCells(m *Model) int {
	rows, cols := len(m.rows), 0
	for i := range m.lower {
		l, u := m.lower[i], m.upper[i]
		switch {
		case l == u:
		case math.IsInf(l, -1) && math.IsInf(u, 1):
			cols += 2
		case math.IsInf(l, -1) || math.IsInf(u, 1):
			cols++
		default:
			rows++
			cols += 2
		}
	}
	for _, r := range m.rows {
		if r.Sense != Equal {
			cols++
		}
	}
	return rows * cols
}

// mapping expresses a model variable as offset + sum(coef * column).
type mapping struct {
	offset float64
	cols   []int
	coefs  []float64
}

type sparseRow struct {
	coefs map[int]float64
	rhs   float64
}

// solveStandard converts m to min c'y, Ay = b, y >= 0 and solves it.
func solveStandard(m *Model) Result {
	n := m.NumVars()
	maps := make([]mapping, n)
	var rows []sparseRow
	ncols := 0
	newCol := func() int {
		ncols++
		return ncols - 1
	}

	for i := 0; i < n; i++ {
		l, u := m.lower[i], m.upper[i]
		switch {
		case math.IsInf(l, 1) || math.IsInf(u, -1) || l > u:
			return Result{Status: StatusInfeasible, Detail: fmt.Sprintf("variable %s has empty bounds", m.names[i])}
		case l == u:
			maps[i] = mapping{offset: l}
		case !math.IsInf(l, -1):
			y := newCol()
			maps[i] = mapping{offset: l, cols: []int{y}, coefs: []float64{1}}
			if !math.IsInf(u, 1) {
				rows = append(rows, sparseRow{coefs: map[int]float64{y: 1, newCol(): 1}, rhs: u - l})
			}
		case !math.IsInf(u, 1):
			maps[i] = mapping{offset: u, cols: []int{newCol()}, coefs: []float64{-1}}
		default:
			maps[i] = mapping{cols: []int{newCol(), newCol()}, coefs: []float64{1, -1}}
		}
	}

	for _, r := range m.rows {
		coefs := make(map[int]float64)
		rhs := r.RHS
		for _, t := range r.Terms {
			mp := maps[t.Var]
			rhs -= t.Coef * mp.offset
			for k, col := range mp.cols {
				coefs[col] += t.Coef * mp.coefs[k]
			}
		}
		for col, c := range coefs {
			if c == 0 {
				delete(coefs, col)
			}
		}
		if len(coefs) == 0 {
			if !constantFeasible(r.Sense, rhs) {
				return Result{Status: StatusInfeasible, Detail: fmt.Sprintf("row %s cannot be satisfied", r.Name)}
			}
			continue
		}
		switch r.Sense {
		case LessEqual:
			coefs[newCol()] = 1
		case GreaterEqual:
			coefs[newCol()] = -1
		}
		rows = append(rows, sparseRow{coefs: coefs, rhs: rhs})
	}

	cost := make([]float64, ncols)
	for i := 0; i < n; i++ {
		for k, col := range maps[i].cols {
			cost[col] += m.cost[i] * maps[i].coefs[k]
		}
	}

	// columns that appear in no row sit at zero unless they improve the
	// objective without limit
	used := make([]bool, ncols)
	for _, r := range rows {
		for col := range r.coefs {
			used[col] = true
		}
	}
	dense := make([]int, ncols)
	var active []int
	for col := 0; col < ncols; col++ {
		if !used[col] {
			if cost[col] < 0 {
				return Result{Status: StatusUnbounded, Detail: "objective decreases without limit"}
			}
			dense[col] = -1
			continue
		}
		dense[col] = len(active)
		active = append(active, col)
	}

	y := make([]float64, ncols)
	if len(rows) > 0 {
		A := mat.NewDense(len(rows), len(active), nil)
		b := make([]float64, len(rows))
		for i, r := range rows {
			sign := 1.0
			if r.rhs < 0 {
				sign = -1
			}
			b[i] = sign * r.rhs
			for col, c := range r.coefs {
				A.Set(i, dense[col], sign*c)
			}
		}
		c := make([]float64, len(active))
		for k, col := range active {
			c[k] = cost[col]
		}

		_, opt, err := lp.Simplex(c, A, b, simplexTol, nil)
		switch {
		case errors.Is(err, lp.ErrInfeasible):
			return Result{Status: StatusInfeasible, Detail: err.Error()}
		case errors.Is(err, lp.ErrUnbounded):
			return Result{Status: StatusUnbounded, Detail: err.Error()}
		case err != nil:
			return Result{Status: StatusOther, Detail: err.Error()}
		}
		for k, col := range active {
			y[col] = opt[k]
		}
	}

	x := make([]float64, n)
	for i, mp := range maps {
		x[i] = mp.offset
		for k, col := range mp.cols {
			x[i] += mp.coefs[k] * y[col]
		}
	}
	return Result{
		Status:        StatusOptimal,
		SolutionCount: 1,
		Objective:     m.Objective(x),
		Values:        x,
	}
}

func constantFeasible(sense Sense, rhs float64) bool {
	switch sense {
	case LessEqual:
		return rhs >= -feasibilityTol
	case GreaterEqual:
		return rhs <= feasibilityTol
	default:
		return math.Abs(rhs) <= feasibilityTol
	}
}
