package solver

import (
	"fmt"
	"math"
)

// Sense is the direction of a constraint.
type Sense int

const (
	LessEqual Sense = iota
	GreaterEqual
	Equal
)

func (s Sense) String() string {
	switch s {
	case LessEqual:
		return "<="
	case GreaterEqual:
		return ">="
	case Equal:
		return "="
	default:
		return fmt.Sprintf("Sense(%d)", int(s))
	}
}

// Var is a handle to a model variable.
type Var int

// Term is a coefficient applied to a variable.
type Term struct {
	Var  Var
	Coef float64
}

// Row is a linear constraint.
type Row struct {
	Name  string
	Terms []Term
	Sense Sense
	RHS   float64
}

// Inf is used for unbounded variable limits.
var Inf = math.Inf(1)

// Model is a linear program that minimizes its objective.
type Model struct {
	Name string

	names []string
	lower []float64
	upper []float64
	cost  []float64
	rows  []Row
}

// NewModel returns an empty model.
func NewModel(name string) *Model {
	return &Model{Name: name}
}

// AddVar adds a variable bounded by [lower, upper]. Use -Inf and Inf for no
// bound.
func (m *Model) AddVar(name string, lower, upper float64) Var {
	m.names = append(m.names, name)
	m.lower = append(m.lower, lower)
	m.upper = append(m.upper, upper)
	m.cost = append(m.cost, 0)
	return Var(len(m.names) - 1)
}

// AddCost adds c to the objective coefficient of v.
func (m *Model) AddCost(v Var, c float64) {
	m.cost[v] += c
}

// AddConstraint adds a row. Terms with a zero coefficient are dropped and
// repeated variables are merged.
func (m *Model) AddConstraint(name string, terms []Term, sense Sense, rhs float64) {
	merged := make([]Term, 0, len(terms))
	pos := make(map[Var]int, len(terms))
	for _, t := range terms {
		if i, ok := pos[t.Var]; ok {
			merged[i].Coef += t.Coef
			continue
		}
		pos[t.Var] = len(merged)
		merged = append(merged, t)
	}
	out := merged[:0]
	for _, t := range merged {
		if t.Coef != 0 {
			out = append(out, t)
		}
	}
	m.rows = append(m.rows, Row{Name: name, Terms: out, Sense: sense, RHS: rhs})
}

// NumVars returns the number of variables.
func (m *Model) NumVars() int {
	return len(m.names)
}

// NumConstraints returns the number of rows.
func (m *Model) NumConstraints() int {
	return len(m.rows)
}

// VarName returns the name v was added with.
func (m *Model) VarName(v Var) string {
	return m.names[v]
}

// Bounds returns the bounds of v.
func (m *Model) Bounds(v Var) (float64, float64) {
	return m.lower[v], m.upper[v]
}

// Cost returns the objective coefficient of v.
func (m *Model) Cost(v Var) float64 {
	return m.cost[v]
}

// Rows returns the constraints of the model. The slice must not be modified.
func (m *Model) Rows() []Row {
	return m.rows
}

// Objective evaluates the objective at x.
func (m *Model) Objective(x []float64) float64 {
	var f float64
	for i, c := range m.cost {
		if c != 0 {
			f += c * x[i]
		}
	}
	return f
}

// Violation returns the largest amount by which x breaks a bound or row.
func (m *Model) Violation(x []float64) float64 {
	var worst float64
	for i := range m.names {
		worst = max(worst, m.lower[i]-x[i], x[i]-m.upper[i])
	}
	for _, r := range m.rows {
		var lhs float64
		for _, t := range r.Terms {
			lhs += t.Coef * x[t.Var]
		}
		switch r.Sense {
		case LessEqual:
			worst = max(worst, lhs-r.RHS)
		case GreaterEqual:
			worst = max(worst, r.RHS-lhs)
		case Equal:
			worst = max(worst, math.Abs(lhs-r.RHS))
		}
	}
	return worst
}
