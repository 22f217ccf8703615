// Package window slices the year-long compiled tariff and scenario series down
// to the parameters of one optimization horizon.
package window

import (
	"fmt"
	"slices"
	"time"

	"github.com/raterudder/dersched/pkg/tariff"
	"github.com/raterudder/dersched/pkg/types"
)

// Charge is a demand charge instance active in a window.
type Charge struct {
	ID   int
	Key  types.DemandChargeKey
	Rate float64
	Mask []bool
}

// Tier is a tiered energy block of one month spanned by the window. Index is
// dense from 1 across the window. A Width of 0 means unbounded, which is
// always the case for the last tier of a month.
type Tier struct {
	Index int
	Month int
	Width float64
	Rate  float64
}

// Window holds the parameters of one horizon. Every time-indexed slice has
// exactly Steps entries.
type Window struct {
	Start           time.Time
	End             time.Time
	Granularity     types.Granularity
	IntervalMinutes int
	// Offset is the global index of the first step within the year.
	Offset int
	Steps  int

	Timestamps   []time.Time
	Demand       []float64
	PVFactor     []float64
	ShiftUpCap   []float64
	ShiftDownCap []float64
	EnergyPrice  []float64
	NEMPrice     []float64

	Charges []Charge
	IDs     map[types.DemandChargeKey]int
	// PrevPeaks is indexed by charge id and only set for day windows.
	PrevPeaks []float64

	Tiers []Tier

	InitialSOC float64
}

// NumCharges returns the number of demand charge instances in the window.
func (w *Window) NumCharges() int {
	return len(w.Charges)
}

// Hours is the length of a step in hours.
func (w *Window) Hours() float64 {
	return float64(w.IntervalMinutes) / 60
}

// Input is what Build needs to produce a window.
type Input struct {
	// Start and End are the first and last dates of the horizon, inclusive.
	Start       time.Time
	End         time.Time
	Granularity types.Granularity
	Carry       types.CarryState

	Series   *tariff.Series
	Tariff   types.Tariff
	Scenario types.Scenario
}

// Build slices the window for the horizon.
func Build(in Input) (*Window, error) {
	s := in.Series
	if s == nil {
		return nil, fmt.Errorf("compiled series is required")
	}
	start, end := types.TruncateDay(in.Start), types.TruncateDay(in.End)
	if end.Before(start) {
		return nil, fmt.Errorf("window end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	if start.Year() != s.Year || end.Year() != s.Year {
		return nil, fmt.Errorf("window %s..%s is outside compiled year %d", start.Format(time.DateOnly), end.Format(time.DateOnly), s.Year)
	}
	switch in.Granularity {
	case types.GranularityDay:
		if !start.Equal(end) {
			return nil, fmt.Errorf("day window must span one date, got %s..%s", start.Format(time.DateOnly), end.Format(time.DateOnly))
		}
	case types.GranularityMonth:
		if start.Month() != end.Month() {
			return nil, fmt.Errorf("month window must stay inside one month, got %s..%s", start.Format(time.DateOnly), end.Format(time.DateOnly))
		}
	case types.GranularityYear:
	default:
		return nil, fmt.Errorf("%w: unknown granularity %q", types.ErrConfiguration, in.Granularity)
	}

	days := int(end.Sub(start).Hours()/24) + 1
	offset := s.Index(start)
	steps := days * s.StepsPerDay()
	stop := offset + steps

	sc := in.Scenario
	if len(sc.Demand) < stop {
		return nil, fmt.Errorf("%w: demand has %d steps, window needs %d", types.ErrConfiguration, len(sc.Demand), stop)
	}

	w := &Window{
		Start:           start,
		End:             end,
		Granularity:     in.Granularity,
		IntervalMinutes: s.IntervalMinutes,
		Offset:          offset,
		Steps:           steps,
		Timestamps:      slices.Clone(s.Timestamps[offset:stop]),
		Demand:          slices.Clone(sc.Demand[offset:stop]),
		IDs:             make(map[types.DemandChargeKey]int),
		InitialSOC:      in.Carry.SOC,
	}
	if sc.PV != nil {
		if len(sc.PV.Factor) < stop {
			return nil, fmt.Errorf("%w: pv factor has %d steps, window needs %d", types.ErrConfiguration, len(sc.PV.Factor), stop)
		}
		w.PVFactor = slices.Clone(sc.PV.Factor[offset:stop])
	}
	if sc.Shift != nil {
		if len(sc.Shift.UpCapacityKW) < stop || len(sc.Shift.DownCapacityKW) < stop {
			return nil, fmt.Errorf("%w: shift capacities are shorter than the window", types.ErrConfiguration)
		}
		w.ShiftUpCap = slices.Clone(sc.Shift.UpCapacityKW[offset:stop])
		w.ShiftDownCap = slices.Clone(sc.Shift.DownCapacityKW[offset:stop])
	}

	energyFactor := in.Tariff.Scaling.EnergyFactor()
	w.EnergyPrice = scaled(s.EnergyPrice[offset:stop], energyFactor)
	if s.NEMPrice != nil {
		w.NEMPrice = scaled(s.NEMPrice[offset:stop], energyFactor)
	}

	demandFactor := in.Tariff.Scaling.DemandFactor()
	for _, key := range s.Keys {
		rate, ok := includeCharge(key, s.Charges[key].Rate, in.Granularity, start)
		if !ok {
			continue
		}
		id := len(w.Charges)
		w.IDs[key] = id
		w.Charges = append(w.Charges, Charge{
			ID:   id,
			Key:  key,
			Rate: rate * demandFactor,
			Mask: slices.Clone(s.Charges[key].Mask[offset:stop]),
		})
	}

	if in.Granularity == types.GranularityDay {
		w.PrevPeaks = make([]float64, len(w.Charges))
		for key, id := range w.IDs {
			if peak, ok := in.Carry.Peak(key); ok {
				w.PrevPeaks[id] = peak
			}
		}
	}

	w.Tiers = windowTiers(in.Tariff.Tiers, in.Granularity, start, end)
	return w, nil
}

// includeCharge decides whether a charge instance belongs to a window that
// starts on the given date and returns its rate for that window.
func includeCharge(key types.DemandChargeKey, rate float64, g types.Granularity, start time.Time) (float64, bool) {
	month := int(start.Month())
	switch g {
	case types.GranularityDay:
		if key.Month != month {
			return 0, false
		}
		if key.Kind == types.DemandChargeDaily {
			return rate, key.Day == start.Day()
		}
		// spread the monthly charge evenly over the days of the month
		return rate / float64(types.DaysInMonth(start.Year(), start.Month())), true
	case types.GranularityMonth:
		return rate, key.Month == month
	default:
		return rate, true
	}
}

// windowTiers keeps the tiers of the months the window spans and renumbers
// them densely from 1.
func windowTiers(tiers map[int][]types.Tier, g types.Granularity, start, end time.Time) []Tier {
	if len(tiers) == 0 {
		return nil
	}
	var out []Tier
	for m := int(start.Month()); m <= int(end.Month()); m++ {
		scale := 1.0
		if g == types.GranularityDay {
			scale = 1 / float64(types.DaysInMonth(start.Year(), time.Month(m)))
		}
		var prev float64
		for i, t := range tiers[m] {
			var width float64
			// usage past the last threshold is billed at the last rate
			if t.Threshold > 0 && i < len(tiers[m])-1 {
				width = (t.Threshold - prev) * scale
				prev = t.Threshold
			}
			out = append(out, Tier{
				Index: len(out) + 1,
				Month: m,
				Width: width,
				Rate:  t.Rate,
			})
		}
	}
	return out
}

func scaled(in []float64, f float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = v * f
	}
	return out
}
