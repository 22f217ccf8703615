package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/raterudder/dersched/pkg/log"
)

const (
	ipmTol         = 1e-8
	ipmRelaxedTol  = 1e-6
	ipmMaxIter     = 200
	ipmStepFactor  = 0.99
	ipmStallIters  = 5
	ipmDivergence  = 1e10
	ipmMuCollapse  = 1e-13
	ipmRefineSteps = 10
	ipmRefineTol   = 1e-12

	staticReg  = 1e-8
	dynamicEps = 1e-13
	dynamicReg = 2e-7
)

// InteriorPoint solves models with a primal-dual interior point method
// (Mehrotra predictor-corrector). Each iteration factors the sparse
// quasi-definite KKT system, so time and memory grow with the nonzeros of
// the model rather than its dense size and it can solve month and year
// horizons. The context is checked between iterations.
//
// Solutions are optimal within a relative tolerance of 1e-8 but lie inside
// the optimal face rather than at a vertex.
type InteriorPoint struct {
	// MaxIterations bounds the iterations of a solve. 0 means 200.
	MaxIterations int
}

// NewInteriorPoint returns the interior point backend.
func NewInteriorPoint() *InteriorPoint {
	return &InteriorPoint{}
}

// Name implements Solver.
func (*InteriorPoint) Name() string {
	return "ipm"
}

// SupportsLogFile implements Solver.
func (*InteriorPoint) SupportsLogFile() bool {
	return true
}

// Solve implements Solver.
func (s *InteriorPoint) Solve(ctx context.Context, m *Model, opts Options) (Result, error) {
	if err := CheckOptions(s, opts); err != nil {
		return Result{}, err
	}
	if opts.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.TimeLimit)
		defer cancel()
	}

	start := logSolving(ctx, m)
	p, early := reduce(m)
	var res Result
	if early != nil {
		res = *early
	} else {
		maxIter := s.MaxIterations
		if maxIter <= 0 {
			maxIter = ipmMaxIter
		}
		var err error
		res, err = newIPM(p).run(ctx, m, maxIter)
		if err != nil {
			return Result{}, err
		}
	}
	logSolved(ctx, m, res, start)

	if opts.LogFile != "" {
		if err := writeLogFile(opts.LogFile, m, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ipmProblem is a model reduced to min c'x, Ax = b, lo <= x <= hi. Fixed
// variables and variables in no row are solved directly, every inequality
// gets a slack column and every row is scaled to a largest coefficient of 1.
type ipmProblem struct {
	n, m int
	// A in coordinate form
	rows, cols []int
	vals       []float64
	b, c       []float64
	lo, hi     []float64
	hasLo      []bool
	hasHi      []bool

	// column maps model variables to columns, -1 for solved variables
	column []int
	solved []float64
}

func (p *ipmProblem) addColumn(lo, hi, cost float64) int {
	p.lo = append(p.lo, lo)
	p.hi = append(p.hi, hi)
	p.hasLo = append(p.hasLo, !math.IsInf(lo, -1))
	p.hasHi = append(p.hasHi, !math.IsInf(hi, 1))
	p.c = append(p.c, cost)
	p.n++
	return p.n - 1
}

func (p *ipmProblem) addEntry(row, col int, v float64) {
	p.rows = append(p.rows, row)
	p.cols = append(p.cols, col)
	p.vals = append(p.vals, v)
}

// reduce builds the problem the iterations work on. A non-nil Result means
// the model was decided without iterating.
func reduce(m *Model) (*ipmProblem, *Result) {
	n := m.NumVars()
	p := &ipmProblem{
		column: make([]int, n),
		solved: make([]float64, n),
	}
	fixed := make([]bool, n)
	for i := 0; i < n; i++ {
		p.column[i] = -1
		l, u := m.lower[i], m.upper[i]
		switch {
		case math.IsInf(l, 1) || math.IsInf(u, -1) || l > u:
			return nil, &Result{Status: StatusInfeasible, Detail: fmt.Sprintf("variable %s has empty bounds", m.names[i])}
		case l == u:
			fixed[i] = true
			p.solved[i] = l
		}
	}

	type row struct {
		terms []Term
		sense Sense
		rhs   float64
	}
	var kept []row
	used := make([]bool, n)
	for _, r := range m.rows {
		rhs := r.RHS
		terms := make([]Term, 0, len(r.Terms))
		for _, t := range r.Terms {
			if fixed[t.Var] {
				rhs -= t.Coef * p.solved[t.Var]
				continue
			}
			terms = append(terms, t)
			used[t.Var] = true
		}
		if len(terms) == 0 {
			if !constantFeasible(r.Sense, rhs) {
				return nil, &Result{Status: StatusInfeasible, Detail: fmt.Sprintf("row %s cannot be satisfied", r.Name)}
			}
			continue
		}
		kept = append(kept, row{terms: terms, sense: r.Sense, rhs: rhs})
	}

	for i := 0; i < n; i++ {
		switch {
		case fixed[i]:
		case used[i]:
			p.column[i] = p.addColumn(m.lower[i], m.upper[i], m.cost[i])
		default:
			v, ok := emptyColumn(m.cost[i], m.lower[i], m.upper[i])
			if !ok {
				return nil, &Result{Status: StatusUnbounded, Detail: fmt.Sprintf("objective decreases without limit along %s", m.names[i])}
			}
			p.solved[i] = v
		}
	}

	p.m = len(kept)
	p.b = make([]float64, p.m)
	for i, r := range kept {
		var scale float64
		for _, t := range r.terms {
			scale = max(scale, math.Abs(t.Coef))
		}
		if r.sense != Equal {
			scale = max(scale, 1)
		}
		for _, t := range r.terms {
			p.addEntry(i, p.column[t.Var], t.Coef/scale)
		}
		switch r.sense {
		case LessEqual:
			p.addEntry(i, p.addColumn(0, math.Inf(1), 0), 1/scale)
		case GreaterEqual:
			p.addEntry(i, p.addColumn(0, math.Inf(1), 0), -1/scale)
		}
		p.b[i] = r.rhs / scale
	}
	if p.m == 0 {
		// every column appears in a row so nothing is left to solve
		res := p.result(m, nil, StatusOptimal)
		return nil, &res
	}
	return p, nil
}

// emptyColumn returns the best value of a variable that appears in no row.
// ok is false when the objective decreases without limit along it.
func emptyColumn(cost, lo, hi float64) (float64, bool) {
	switch {
	case cost > 0:
		return lo, !math.IsInf(lo, -1)
	case cost < 0:
		return hi, !math.IsInf(hi, 1)
	case !math.IsInf(lo, -1):
		return lo, true
	case !math.IsInf(hi, 1):
		return hi, true
	default:
		return 0, true
	}
}

// result maps the columns back onto the model variables.
func (p *ipmProblem) result(m *Model, x []float64, status Status) Result {
	values := make([]float64, m.NumVars())
	for i := range values {
		values[i] = p.solved[i]
		if c := p.column[i]; c >= 0 {
			values[i] = min(max(x[c], m.lower[i]), m.upper[i])
		}
	}
	return Result{
		Status:        status,
		SolutionCount: 1,
		Objective:     m.Objective(values),
		Values:        values,
	}
}

// ipm is the state of the iterations.
type ipm struct {
	p   *ipmProblem
	kkt *ldl
	// nc is the number of finite bounds
	nc           int
	normB, normC float64

	x, y, zl, zu []float64
	xl, xu       []float64
	rp, rd       []float64
	d            []float64

	// directions of the predictor and the corrector
	dxa, dya, dzla, dzua []float64
	dx, dy, dzl, dzu     []float64
	rl, ru               []float64
	rhs, sol, res, corr  []float64
}

type ipmResiduals struct {
	pres, dres, gap float64
	mu              float64
	pobj, dobj      float64
}

func newIPM(p *ipmProblem) *ipm {
	n, m := p.n, p.m
	edges := make([]edge, len(p.vals))
	for k := range p.vals {
		edges[k] = edge{a: p.cols[k], b: n + p.rows[k]}
	}
	sign := make([]float64, n+m)
	for j := 0; j < n; j++ {
		sign[j] = -1
	}
	for i := 0; i < m; i++ {
		sign[n+i] = 1
	}
	s := &ipm{
		p:    p,
		kkt:  newLDL(n+m, edges, sign),
		x:    make([]float64, n),
		y:    make([]float64, m),
		zl:   make([]float64, n),
		zu:   make([]float64, n),
		xl:   make([]float64, n),
		xu:   make([]float64, n),
		rp:   make([]float64, m),
		rd:   make([]float64, n),
		d:    make([]float64, n),
		dxa:  make([]float64, n),
		dya:  make([]float64, m),
		dzla: make([]float64, n),
		dzua: make([]float64, n),
		dx:   make([]float64, n),
		dy:   make([]float64, m),
		dzl:  make([]float64, n),
		dzu:  make([]float64, n),
		rl:   make([]float64, n),
		ru:   make([]float64, n),
		rhs:  make([]float64, n+m),
		sol:  make([]float64, n+m),
		res:  make([]float64, n+m),
		corr: make([]float64, n+m),
	}
	for k, v := range p.vals {
		s.kkt.setEdge(k, v)
	}
	for i := 0; i < m; i++ {
		s.kkt.setDiag(n+i, staticReg)
		s.normB = max(s.normB, math.Abs(p.b[i]))
	}

	for j := 0; j < n; j++ {
		s.normC = max(s.normC, math.Abs(p.c[j]))
		switch {
		case p.hasLo[j] && p.hasHi[j]:
			s.x[j] = (p.lo[j] + p.hi[j]) / 2
		case p.hasLo[j]:
			s.x[j] = p.lo[j] + 1
		case p.hasHi[j]:
			s.x[j] = p.hi[j] - 1
		}
		if p.hasLo[j] {
			s.zl[j] = 1
			s.nc++
		}
		if p.hasHi[j] {
			s.zu[j] = 1
			s.nc++
		}
	}
	return s
}

// run iterates until the problem is solved, proven hopeless or the context
// ends. A canceled context is returned as an error; a deadline yields
// StatusTimeLimit with the best primal feasible iterate, if any.
func (s *ipm) run(ctx context.Context, m *Model, maxIter int) (Result, error) {
	p := s.p
	best := math.Inf(1)
	var bestX []float64
	var bestPres float64
	bestIter := 0
	var last ipmResiduals
	converged := false

	iter := 0
	for ; ; iter++ {
		if err := ctx.Err(); err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				return Result{}, err
			}
			if bestX != nil && bestPres <= ipmRelaxedTol {
				return p.result(m, bestX, StatusTimeLimit), nil
			}
			return Result{Status: StatusTimeLimit}, nil
		}
		if !s.margins() {
			break
		}
		last = s.residuals()
		merit := max(last.pres, last.dres, last.gap)
		if merit < best {
			best, bestIter, bestPres = merit, iter, last.pres
			bestX = append(bestX[:0], s.x...)
		}
		if merit <= ipmTol {
			converged = true
			break
		}
		if iter >= maxIter || s.diverged(last) {
			break
		}
		if best <= 10*ipmRelaxedTol && iter-bestIter > ipmStallIters {
			break
		}
		s.step(last.mu)
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"interior point finished",
		slog.Int("iterations", iter),
		slog.Int("nonzeros", s.kkt.nonzeros()),
		slog.Float64("primal", last.pres),
		slog.Float64("dual", last.dres),
		slog.Float64("gap", last.gap),
	)
	switch {
	case converged || best <= ipmRelaxedTol:
		return p.result(m, bestX, StatusOptimal), nil
	case math.IsNaN(last.pres) || math.IsNaN(last.dres):
		return Result{Status: StatusOther, Detail: "numerical failure"}, nil
	case last.pres > ipmRelaxedTol:
		return Result{Status: StatusInfeasible, Detail: fmt.Sprintf("primal residual stalled at %.3g", last.pres)}, nil
	case last.dres > ipmRelaxedTol:
		return Result{Status: StatusUnbounded, Detail: fmt.Sprintf("dual residual stalled at %.3g", last.dres)}, nil
	default:
		return Result{Status: StatusOther, Detail: fmt.Sprintf("no convergence after %d iterations", iter)}, nil
	}
}

// margins computes the distances to the bounds. It reports false when an
// iterate touched a bound through rounding.
func (s *ipm) margins() bool {
	p := s.p
	for j := 0; j < p.n; j++ {
		s.xl[j], s.xu[j] = 1, 1
		if p.hasLo[j] {
			s.xl[j] = s.x[j] - p.lo[j]
		}
		if p.hasHi[j] {
			s.xu[j] = p.hi[j] - s.x[j]
		}
		if s.xl[j] <= 0 || s.xu[j] <= 0 {
			return false
		}
	}
	return true
}

func (s *ipm) residuals() ipmResiduals {
	p := s.p
	var r ipmResiduals
	copy(s.rp, p.b)
	copy(s.rd, p.c)
	for k, v := range p.vals {
		i, j := p.rows[k], p.cols[k]
		s.rp[i] -= v * s.x[j]
		s.rd[j] -= v * s.y[i]
	}
	var comp float64
	for j := 0; j < p.n; j++ {
		s.rd[j] += s.zu[j] - s.zl[j]
		r.pobj += p.c[j] * s.x[j]
		if p.hasLo[j] {
			comp += s.xl[j] * s.zl[j]
			r.dobj += p.lo[j] * s.zl[j]
		}
		if p.hasHi[j] {
			comp += s.xu[j] * s.zu[j]
			r.dobj -= p.hi[j] * s.zu[j]
		}
	}
	for i := 0; i < p.m; i++ {
		r.dobj += p.b[i] * s.y[i]
	}
	if s.nc > 0 {
		r.mu = comp / float64(s.nc)
	}
	r.pres = normInf(s.rp) / (1 + s.normB)
	r.dres = normInf(s.rd) / (1 + s.normC)
	r.gap = math.Abs(r.pobj-r.dobj) / (1 + math.Abs(r.pobj))
	return r
}

// diverged reports iterates that grow without limit, which is how
// infeasible and unbounded problems show up, or a complementarity that has
// vanished while the residuals have not.
func (s *ipm) diverged(r ipmResiduals) bool {
	big := max(normInf(s.x), normInf(s.y), normInf(s.zl), normInf(s.zu))
	if math.IsNaN(big) || big > ipmDivergence*(1+max(s.normB, s.normC)) {
		return true
	}
	return s.nc > 0 && r.mu <= ipmMuCollapse*max(1, math.Abs(r.pobj), math.Abs(r.dobj))
}

// step takes one predictor-corrector step.
func (s *ipm) step(mu float64) {
	p := s.p
	n := p.n
	for j := 0; j < n; j++ {
		var d float64
		if p.hasLo[j] {
			d += s.zl[j] / s.xl[j]
		}
		if p.hasHi[j] {
			d += s.zu[j] / s.xu[j]
		}
		s.d[j] = d
		s.kkt.setDiag(j, -(d + staticReg))
	}
	s.kkt.factor()

	for j := 0; j < n; j++ {
		s.rl[j], s.ru[j] = 0, 0
		if p.hasLo[j] {
			s.rl[j] = -s.xl[j] * s.zl[j]
		}
		if p.hasHi[j] {
			s.ru[j] = -s.xu[j] * s.zu[j]
		}
	}
	s.direction(s.dxa, s.dya, s.dzla, s.dzua)
	ap, ad := s.maxSteps(s.dxa, s.dzla, s.dzua)

	var sigma float64
	if s.nc > 0 && mu > 0 {
		var aff float64
		for j := 0; j < n; j++ {
			if p.hasLo[j] {
				aff += (s.xl[j] + ap*s.dxa[j]) * (s.zl[j] + ad*s.dzla[j])
			}
			if p.hasHi[j] {
				aff += (s.xu[j] - ap*s.dxa[j]) * (s.zu[j] + ad*s.dzua[j])
			}
		}
		sigma = min(1, math.Pow(aff/float64(s.nc)/mu, 3))
	}

	target := sigma * mu
	for j := 0; j < n; j++ {
		s.rl[j], s.ru[j] = 0, 0
		if p.hasLo[j] {
			s.rl[j] = target - s.xl[j]*s.zl[j] - s.dxa[j]*s.dzla[j]
		}
		if p.hasHi[j] {
			s.ru[j] = target - s.xu[j]*s.zu[j] + s.dxa[j]*s.dzua[j]
		}
	}
	s.direction(s.dx, s.dy, s.dzl, s.dzu)
	ap, ad = s.maxSteps(s.dx, s.dzl, s.dzu)
	ap = min(1, ipmStepFactor*ap)
	ad = min(1, ipmStepFactor*ad)

	for j := 0; j < n; j++ {
		s.x[j] += ap * s.dx[j]
		s.zl[j] += ad * s.dzl[j]
		s.zu[j] += ad * s.dzu[j]
	}
	for i := 0; i < p.m; i++ {
		s.y[i] += ad * s.dy[i]
	}
}

// direction solves the Newton system for the complementarity targets in rl
// and ru.
func (s *ipm) direction(dx, dy, dzl, dzu []float64) {
	p := s.p
	n := p.n
	for j := 0; j < n; j++ {
		v := s.rd[j]
		if p.hasLo[j] {
			v -= s.rl[j] / s.xl[j]
		}
		if p.hasHi[j] {
			v += s.ru[j] / s.xu[j]
		}
		s.rhs[j] = v
	}
	copy(s.rhs[n:], s.rp)
	s.solveKKT()
	copy(dx, s.sol[:n])
	copy(dy, s.sol[n:])
	for j := 0; j < n; j++ {
		dzl[j], dzu[j] = 0, 0
		if p.hasLo[j] {
			dzl[j] = (s.rl[j] - s.zl[j]*dx[j]) / s.xl[j]
		}
		if p.hasHi[j] {
			dzu[j] = (s.ru[j] + s.zu[j]*dx[j]) / s.xu[j]
		}
	}
}

// solveKKT solves [-D A'; A 0] sol = rhs with the regularized factorization
// and refines the solution against the unregularized system.
func (s *ipm) solveKKT() {
	p := s.p
	n := p.n
	s.kkt.solve(s.rhs, s.sol)
	limit := ipmRefineTol * (1 + normInf(s.rhs))
	for range ipmRefineSteps {
		copy(s.res, s.rhs)
		for j := 0; j < n; j++ {
			s.res[j] += s.d[j] * s.sol[j]
		}
		for k, v := range p.vals {
			i, j := p.rows[k], p.cols[k]
			s.res[j] -= v * s.sol[n+i]
			s.res[n+i] -= v * s.sol[j]
		}
		if normInf(s.res) <= limit {
			return
		}
		s.kkt.solve(s.res, s.corr)
		for k, v := range s.corr {
			s.sol[k] += v
		}
	}
}

// maxSteps returns the longest primal and dual steps that keep the iterate
// inside its bounds.
func (s *ipm) maxSteps(dx, dzl, dzu []float64) (float64, float64) {
	p := s.p
	ap, ad := 1.0, 1.0
	for j := 0; j < p.n; j++ {
		if p.hasLo[j] {
			if dx[j] < 0 {
				ap = min(ap, -s.xl[j]/dx[j])
			}
			if dzl[j] < 0 {
				ad = min(ad, -s.zl[j]/dzl[j])
			}
		}
		if p.hasHi[j] {
			if dx[j] > 0 {
				ap = min(ap, s.xu[j]/dx[j])
			}
			if dzu[j] < 0 {
				ad = min(ad, -s.zu[j]/dzu[j])
			}
		}
	}
	return ap, ad
}

func normInf(v []float64) float64 {
	var out float64
	for _, x := range v {
		out = max(out, math.Abs(x))
	}
	return out
}
