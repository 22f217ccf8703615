package simulator

import (
	"slices"
	"time"

	"github.com/raterudder/dersched/pkg/dispatch"
	"github.com/raterudder/dersched/pkg/types"
	"github.com/raterudder/dersched/pkg/window"
)

// Results accumulates the solved time series of a simulation. Index 0 is the
// first simulated step, which is global step Offset of the year.
type Results struct {
	Year            int
	IntervalMinutes int
	Offset          int

	Timestamps  []time.Time
	Demand      []float64
	Net         []float64
	Export      []float64
	PV          []float64
	Charge      []float64
	Discharge   []float64
	SOC         []float64
	ShiftUp     []float64
	ShiftDown   []float64
	EnergyPrice []float64
	NEMPrice    []float64

	// Objective is the sum of the segment objectives.
	Objective float64
	// PVCapacity is the solar capacity of every segment.
	PVCapacity []float64
	// Peaks holds the largest solved peak of every demand charge.
	Peaks map[types.DemandChargeKey]float64
}

func newResults(year, intervalMinutes, offset, steps int) *Results {
	return &Results{
		Year:            year,
		IntervalMinutes: intervalMinutes,
		Offset:          offset,
		Timestamps:      make([]time.Time, steps),
		Demand:          make([]float64, steps),
		Net:             make([]float64, steps),
		Export:          make([]float64, steps),
		PV:              make([]float64, steps),
		Charge:          make([]float64, steps),
		Discharge:       make([]float64, steps),
		SOC:             make([]float64, steps),
		ShiftUp:         make([]float64, steps),
		ShiftDown:       make([]float64, steps),
		EnergyPrice:     make([]float64, steps),
		NEMPrice:        make([]float64, steps),
		Peaks:           make(map[types.DemandChargeKey]float64),
	}
}

// Len returns the number of simulated steps.
func (r *Results) Len() int {
	return len(r.Timestamps)
}

// Hours is the length of a step in hours.
func (r *Results) Hours() float64 {
	return float64(r.IntervalMinutes) / 60
}

// MaxPVCapacity returns the largest solar capacity of any segment.
func (r *Results) MaxPVCapacity() float64 {
	if len(r.PVCapacity) == 0 {
		return 0
	}
	return slices.Max(r.PVCapacity)
}

// record writes a solved window at its place in the year.
func (r *Results) record(w *window.Window, sol *dispatch.Solution) (int, int) {
	from := w.Offset - r.Offset
	to := from + w.Steps
	copy(r.Timestamps[from:to], w.Timestamps)
	copy(r.Demand[from:to], w.Demand)
	copy(r.Net[from:to], sol.Net)
	copy(r.Export[from:to], sol.Export)
	copy(r.PV[from:to], sol.PV)
	copy(r.Charge[from:to], sol.Charge)
	copy(r.Discharge[from:to], sol.Discharge)
	copy(r.SOC[from:to], sol.SOC)
	copy(r.ShiftUp[from:to], sol.ShiftUp)
	copy(r.ShiftDown[from:to], sol.ShiftDown)
	copy(r.EnergyPrice[from:to], w.EnergyPrice)
	if w.NEMPrice != nil {
		copy(r.NEMPrice[from:to], w.NEMPrice)
	}
	r.Objective += sol.Objective
	r.PVCapacity = append(r.PVCapacity, sol.PVCapacity)
	for key, peak := range sol.Peaks {
		if prev, ok := r.Peaks[key]; !ok || peak > prev {
			r.Peaks[key] = peak
		}
	}
	return from, to
}

// Rows renders every simulated step.
func (r *Results) Rows() []types.ResultRow {
	return r.rows(0, r.Len())
}

func (r *Results) rows(from, to int) []types.ResultRow {
	out := make([]types.ResultRow, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, types.ResultRow{
			Index:       r.Offset + i,
			Timestamp:   r.Timestamps[i],
			DemandKW:    r.Demand[i],
			NetDemandKW: r.Net[i],
			ExportKW:    r.Export[i],
			PVKW:        r.PV[i],
			ChargeKW:    r.Charge[i],
			DischargeKW: r.Discharge[i],
			SOC:         r.SOC[i],
			ShiftUpKW:   r.ShiftUp[i],
			ShiftDownKW: r.ShiftDown[i],
			EnergyPrice: r.EnergyPrice[i],
			NEMPrice:    r.NEMPrice[i],
		})
	}
	return out
}
