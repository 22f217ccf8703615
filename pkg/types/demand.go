package types

import (
	"fmt"
	"maps"
)

// DemandChargeKind is the billing period of a demand charge.
type DemandChargeKind int

const (
	DemandChargeMonthly DemandChargeKind = iota
	DemandChargeDaily
)

func (k DemandChargeKind) String() string {
	switch k {
	case DemandChargeMonthly:
		return "monthly"
	case DemandChargeDaily:
		return "daily"
	default:
		return fmt.Sprintf("DemandChargeKind(%d)", int(k))
	}
}

// DemandChargeKey identifies a single demand charge instance. Day is 0 for
// monthly instances. The struct is comparable and used directly as a map key.
type DemandChargeKey struct {
	Kind  DemandChargeKind `json:"kind"`
	Label string           `json:"label"`
	Month int              `json:"month"`
	Day   int              `json:"day,omitempty"`
}

// Less orders keys by kind, month, day and then label.
func (k DemandChargeKey) Less(o DemandChargeKey) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	if k.Month != o.Month {
		return k.Month < o.Month
	}
	if k.Day != o.Day {
		return k.Day < o.Day
	}
	return k.Label < o.Label
}

func (k DemandChargeKey) String() string {
	if k.Kind == DemandChargeDaily {
		return fmt.Sprintf("%s_%s_%02d_%02d", k.Kind, k.Label, k.Month, k.Day)
	}
	return fmt.Sprintf("%s_%s_%02d", k.Kind, k.Label, k.Month)
}

// CarryState is threaded from one horizon segment into the next. It is a
// value: the With* methods return modified copies and never touch the
// receiver.
type CarryState struct {
	// SOC is the battery state of charge as a fraction of capacity.
	SOC float64
	// Peaks holds the accrued peak demand (kW) of monthly demand charges.
	Peaks map[DemandChargeKey]float64
}

// NewCarryState returns the state at the start of a simulation.
func NewCarryState(soc float64) CarryState {
	return CarryState{SOC: soc}
}

// WithSOC returns a copy with the given state of charge.
func (c CarryState) WithSOC(soc float64) CarryState {
	return CarryState{SOC: soc, Peaks: maps.Clone(c.Peaks)}
}

// WithPeaks returns a copy whose peaks are replaced by the given map.
func (c CarryState) WithPeaks(peaks map[DemandChargeKey]float64) CarryState {
	return CarryState{SOC: c.SOC, Peaks: maps.Clone(peaks)}
}

// Peak returns the accrued peak for the key, if any.
func (c CarryState) Peak(key DemandChargeKey) (float64, bool) {
	v, ok := c.Peaks[key]
	return v, ok
}
