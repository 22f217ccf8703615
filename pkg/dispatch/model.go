// Package dispatch formulates the linear program of one optimization horizon:
// how the battery, solar and shiftable demand of a site are operated to
// minimize the tariff cost of the window.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/solver"
	"github.com/raterudder/dersched/pkg/types"
	"github.com/raterudder/dersched/pkg/window"
)

// ErrAlreadySolved is returned when Solve is called a second time.
var ErrAlreadySolved = errors.New("model was already solved")

// Model is the linear program of a single window. It is built, solved once
// and then discarded.
type Model struct {
	lp   *solver.Model
	w    *window.Window
	mode types.ProblemMode

	net       []solver.Var
	export    []solver.Var
	pv        []solver.Var
	charge    []solver.Var
	discharge []solver.Var
	soc       []solver.Var
	up        []solver.Var
	down      []solver.Var
	peaks     []solver.Var
	tiers     []solver.Var

	capacity      solver.Var
	fixedCapacity float64

	solved bool
}

// Solution holds the solved quantities of a window. Every time-indexed slice
// has one value per window step; quantities of disabled assets are zero.
type Solution struct {
	Status    solver.Status
	Objective float64

	Net       []float64
	Export    []float64
	PV        []float64
	Charge    []float64
	Discharge []float64
	SOC       []float64
	ShiftUp   []float64
	ShiftDown []float64

	// Peaks holds the solved peak of every demand charge in the window.
	Peaks map[types.DemandChargeKey]float64
	// PVCapacity is the installed or chosen solar capacity in kW.
	PVCapacity float64
}

// Name identifies the model in logs and solver files.
func (m *Model) Name() string {
	return m.lp.Name
}

// LP returns the underlying linear program.
func (m *Model) LP() *solver.Model {
	return m.lp
}

// Formulate builds the model of a window.
func Formulate(w *window.Window, sc types.Scenario, mode types.ProblemMode) (*Model, error) {
	if w.Steps <= 0 {
		return nil, fmt.Errorf("%w: window has no steps", types.ErrConfiguration)
	}
	hasPV := sc.PV != nil
	st := sc.Storage
	if mode == types.ModeCapacityExpansion && !hasPV {
		return nil, fmt.Errorf("%w: capacity expansion requires a pv system", types.ErrConfiguration)
	}
	if st.Enabled() && st.ChargeFromPVOnly && !hasPV {
		return nil, fmt.Errorf("%w: storage may only charge from pv but there is no pv system", types.ErrConfiguration)
	}

	name := fmt.Sprintf("%s_%s", w.Granularity, w.Start.Format("20060102"))
	m := &Model{
		lp:       solver.NewModel(name),
		w:        w,
		mode:     mode,
		capacity: -1,
	}
	T := w.Steps
	dt := w.Hours()
	lp := m.lp

	m.net = make([]solver.Var, T)
	for t := range T {
		m.net[t] = lp.AddVar(fmt.Sprintf("net_%d", t), math.Inf(-1), solver.Inf)
		lp.AddCost(m.net[t], dt*w.EnergyPrice[t])
	}

	if hasPV {
		m.addPV(sc.PV, mode)
	}
	if st.Enabled() {
		m.addStorage(st)
	}
	if sc.Shift != nil {
		m.addShift(sc.Shift)
	}

	// net = demand - pv + up - down + charge - discharge
	for t := range T {
		terms := []solver.Term{{Var: m.net[t], Coef: 1}}
		if m.pv != nil {
			terms = append(terms, solver.Term{Var: m.pv[t], Coef: 1})
		}
		if m.up != nil {
			terms = append(terms, solver.Term{Var: m.up[t], Coef: -1}, solver.Term{Var: m.down[t], Coef: 1})
		}
		if m.charge != nil {
			terms = append(terms, solver.Term{Var: m.charge[t], Coef: -1}, solver.Term{Var: m.discharge[t], Coef: 1})
		}
		lp.AddConstraint(fmt.Sprintf("balance_%d", t), terms, solver.Equal, w.Demand[t])
	}

	m.addExportLimits(w.NEMPrice != nil)
	m.addDemandCharges()
	m.addTiers()
	return m, nil
}

// addPV bounds generation by the capacity factor. In capacity expansion mode
// the capacity is a decision whose annual cost is prorated to the window.
func (m *Model) addPV(pv *types.PV, mode types.ProblemMode) {
	w, lp := m.w, m.lp
	if len(w.PVFactor) != w.Steps {
		panic(fmt.Sprintf("pv factor has %d steps, window has %d", len(w.PVFactor), w.Steps))
	}
	switch mode {
	case types.ModeCapacityExpansion:
		upper := solver.Inf
		if pv.MaxCapacityKW > 0 {
			upper = pv.MaxCapacityKW
		}
		m.capacity = lp.AddVar("pv_capacity", 0, upper)
		stepsInYear := types.DaysInYear(w.Start.Year()) * 24 * 60 / w.IntervalMinutes
		lp.AddCost(m.capacity, pv.CostPerKWYear*float64(w.Steps)/float64(stepsInYear))
	default:
		m.fixedCapacity = pv.CapacityKW
	}

	m.pv = make([]solver.Var, w.Steps)
	for t := range w.Steps {
		m.pv[t] = lp.AddVar(fmt.Sprintf("pv_%d", t), 0, solver.Inf)
		if m.capacity >= 0 {
			lp.AddConstraint(fmt.Sprintf("pv_limit_%d", t), []solver.Term{
				{Var: m.pv[t], Coef: 1},
				{Var: m.capacity, Coef: -w.PVFactor[t]},
			}, solver.LessEqual, 0)
		} else {
			lp.AddConstraint(fmt.Sprintf("pv_limit_%d", t), []solver.Term{
				{Var: m.pv[t], Coef: 1},
			}, solver.LessEqual, w.PVFactor[t]*m.fixedCapacity)
		}
	}
}

func (m *Model) addStorage(st *types.Storage) {
	w, lp := m.w, m.lp
	dt := w.Hours()
	m.charge = make([]solver.Var, w.Steps)
	m.discharge = make([]solver.Var, w.Steps)
	m.soc = make([]solver.Var, w.Steps)
	for t := range w.Steps {
		m.charge[t] = lp.AddVar(fmt.Sprintf("charge_%d", t), 0, st.PowerKW)
		m.discharge[t] = lp.AddVar(fmt.Sprintf("discharge_%d", t), 0, st.PowerKW)
		m.soc[t] = lp.AddVar(fmt.Sprintf("soc_%d", t), st.MinSOC, st.MaxSOC)

		// E*soc[t] = E*soc[t-1] + (ec*charge - discharge/ed)*dt
		terms := []solver.Term{
			{Var: m.soc[t], Coef: st.CapacityKWH},
			{Var: m.charge[t], Coef: -st.ChargeEfficiency * dt},
			{Var: m.discharge[t], Coef: dt / st.DischargeEfficiency},
		}
		var rhs float64
		if t == 0 {
			rhs = st.CapacityKWH * w.InitialSOC
		} else {
			terms = append(terms, solver.Term{Var: m.soc[t-1], Coef: -st.CapacityKWH})
		}
		lp.AddConstraint(fmt.Sprintf("soc_%d", t), terms, solver.Equal, rhs)

		if st.ChargeFromPVOnly {
			lp.AddConstraint(fmt.Sprintf("charge_pv_%d", t), []solver.Term{
				{Var: m.charge[t], Coef: 1},
				{Var: m.pv[t], Coef: -1},
			}, solver.LessEqual, 0)
		}
	}
}

// ShiftWindowSteps is the number of steps in a shift window of the given
// length. It is at least 1.
func ShiftWindowSteps(hours float64, intervalMinutes int) int {
	return max(1, int(math.Round(hours*60/float64(intervalMinutes))))
}

func (m *Model) addShift(sh *types.Shift) {
	w, lp := m.w, m.lp
	dt := w.Hours()
	m.up = make([]solver.Var, w.Steps)
	m.down = make([]solver.Var, w.Steps)
	balance := make([]solver.Term, 0, 2*w.Steps)
	for t := range w.Steps {
		m.up[t] = lp.AddVar(fmt.Sprintf("shift_up_%d", t), 0, w.ShiftUpCap[t])
		m.down[t] = lp.AddVar(fmt.Sprintf("shift_down_%d", t), 0, w.ShiftDownCap[t])
		lp.AddCost(m.up[t], dt*sh.UpCostPerKWH)
		lp.AddCost(m.down[t], dt*sh.DownCostPerKWH)
		balance = append(balance, solver.Term{Var: m.up[t], Coef: 1}, solver.Term{Var: m.down[t], Coef: -1})
	}
	lp.AddConstraint("shift_balance", balance, solver.Equal, 0)

	L := ShiftWindowSteps(sh.DurationHours, w.IntervalMinutes)
	for k := 0; k+L <= w.Steps; k++ {
		terms := make([]solver.Term, 0, 2*L)
		for t := k; t < k+L; t++ {
			terms = append(terms, solver.Term{Var: m.up[t], Coef: 1}, solver.Term{Var: m.down[t], Coef: -1})
		}
		lp.AddConstraint(fmt.Sprintf("shift_window_%d", k), terms, solver.GreaterEqual, 0)
	}
}

// addExportLimits keeps net demand non-negative unless exports are credited,
// in which case exports are capped at the simultaneous solar output.
func (m *Model) addExportLimits(nem bool) {
	w, lp := m.w, m.lp
	for t := range w.Steps {
		terms := []solver.Term{{Var: m.net[t], Coef: 1}}
		if nem && m.pv != nil {
			terms = append(terms, solver.Term{Var: m.pv[t], Coef: 1})
		}
		lp.AddConstraint(fmt.Sprintf("export_limit_%d", t), terms, solver.GreaterEqual, 0)
	}
	if !nem {
		return
	}
	// export >= -net, priced so that exports earn the sell price instead of
	// the buy price
	dt := w.Hours()
	m.export = make([]solver.Var, w.Steps)
	for t := range w.Steps {
		m.export[t] = lp.AddVar(fmt.Sprintf("export_%d", t), 0, solver.Inf)
		lp.AddCost(m.export[t], dt*(w.EnergyPrice[t]-w.NEMPrice[t]))
		lp.AddConstraint(fmt.Sprintf("export_%d", t), []solver.Term{
			{Var: m.export[t], Coef: 1},
			{Var: m.net[t], Coef: 1},
		}, solver.GreaterEqual, 0)
	}
}

func (m *Model) addDemandCharges() {
	w, lp := m.w, m.lp
	m.peaks = make([]solver.Var, len(w.Charges))
	for _, c := range w.Charges {
		lower := 0.0
		if w.PrevPeaks != nil {
			lower = max(lower, w.PrevPeaks[c.ID])
		}
		v := lp.AddVar(fmt.Sprintf("peak_%d", c.ID), lower, solver.Inf)
		m.peaks[c.ID] = v
		lp.AddCost(v, c.Rate)
		for t, on := range c.Mask {
			if !on {
				continue
			}
			lp.AddConstraint(fmt.Sprintf("peak_%d_%d", c.ID, t), []solver.Term{
				{Var: v, Coef: 1},
				{Var: m.net[t], Coef: -1},
			}, solver.GreaterEqual, 0)
		}
	}
}

// addTiers covers the net energy of every month in the window with tier
// blocks. Tier rates never decrease so cheaper blocks fill first.
func (m *Model) addTiers() {
	w, lp := m.w, m.lp
	if len(w.Tiers) == 0 {
		return
	}
	dt := w.Hours()
	m.tiers = make([]solver.Var, len(w.Tiers))
	byMonth := make(map[int][]solver.Term)
	var months []int
	for i, tier := range w.Tiers {
		upper := solver.Inf
		if tier.Width > 0 {
			upper = tier.Width
		}
		v := lp.AddVar(fmt.Sprintf("tier_%d", tier.Index), 0, upper)
		m.tiers[i] = v
		lp.AddCost(v, tier.Rate)
		if _, ok := byMonth[tier.Month]; !ok {
			months = append(months, tier.Month)
		}
		byMonth[tier.Month] = append(byMonth[tier.Month], solver.Term{Var: v, Coef: 1})
	}
	for _, month := range months {
		terms := byMonth[month]
		for t, ts := range w.Timestamps {
			if int(ts.Month()) == month {
				terms = append(terms, solver.Term{Var: m.net[t], Coef: -dt})
			}
		}
		lp.AddConstraint(fmt.Sprintf("tier_month_%d", month), terms, solver.GreaterEqual, 0)
	}
}

// Solve solves the model and extracts its solution. A result that is neither
// optimal nor a time-limited solution is returned as an error.
func (m *Model) Solve(ctx context.Context, s solver.Solver, opts solver.Options) (*Solution, error) {
	if m.solved {
		return nil, ErrAlreadySolved
	}
	m.solved = true

	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("model", m.Name())))
	res, err := s.Solve(ctx, m.lp, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to solve %s: %w", m.Name(), err)
	}
	if err := solver.Check(res); err != nil {
		return nil, fmt.Errorf("failed to solve %s: %w", m.Name(), err)
	}
	if res.Status == solver.StatusTimeLimit {
		log.Ctx(ctx).WarnContext(ctx, "using time limited solution", slog.Int("solutions", res.SolutionCount))
	}
	return m.extract(res), nil
}

func (m *Model) extract(res solver.Result) *Solution {
	T := m.w.Steps
	values := func(vars []solver.Var) []float64 {
		out := make([]float64, T)
		for t, v := range vars {
			out[t] = res.Value(v)
		}
		return out
	}
	sol := &Solution{
		Status:     res.Status,
		Objective:  res.Objective,
		Net:        values(m.net),
		PV:         values(m.pv),
		Charge:     values(m.charge),
		Discharge:  values(m.discharge),
		SOC:        values(m.soc),
		ShiftUp:    values(m.up),
		ShiftDown:  values(m.down),
		Export:     make([]float64, T),
		Peaks:      make(map[types.DemandChargeKey]float64, len(m.peaks)),
		PVCapacity: m.fixedCapacity,
	}
	for t, net := range sol.Net {
		if net < 0 {
			sol.Export[t] = -net
		}
	}
	for _, c := range m.w.Charges {
		sol.Peaks[c.Key] = res.Value(m.peaks[c.ID])
	}
	if m.capacity >= 0 {
		sol.PVCapacity = res.Value(m.capacity)
	}
	return sol
}
