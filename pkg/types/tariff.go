package types

import (
	"errors"
	"fmt"
	"sort"
)

// ErrConfiguration is returned when a tariff, scenario or solver setup cannot
// be used as given. It is never retried.
var ErrConfiguration = errors.New("configuration error")

// HourlyRates maps an hour of the day (0-23) to a rate.
type HourlyRates map[int]float64

// DemandRate is a single demand charge that applies during an hour.
type DemandRate struct {
	Label string  `json:"label" yaml:"label"`
	Rate  float64 `json:"rate" yaml:"rate"` // $/kW
}

// Tier is one block of a tiered energy rate. Threshold is the upper bound of
// the block in kWh of monthly net consumption; the last tier may leave it 0
// to mean unbounded. Rate is added on top of the time-of-use energy rate.
type Tier struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Rate      float64 `json:"rate" yaml:"rate"`
}

// NEM describes the net energy metering arrangement of a tariff.
type NEM struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Version is 1 or 2. Version 2 bills the non-bypassable charge on every
	// imported kWh and credits exports at the import price minus that charge.
	Version       int     `json:"version" yaml:"version"`
	NonBypassable float64 `json:"nonBypassable" yaml:"nonBypassable"` // $/kWh
}

// Scaling holds optional multiplicative factors. A nil factor means 1.
type Scaling struct {
	Overall *float64 `json:"overall,omitempty" yaml:"overall,omitempty"`
	Energy  *float64 `json:"energy,omitempty" yaml:"energy,omitempty"`
	Demand  *float64 `json:"demand,omitempty" yaml:"demand,omitempty"`
}

func factor(f *float64) float64 {
	if f == nil {
		return 1
	}
	return *f
}

// EnergyFactor is the factor applied to energy and NEM prices.
func (s Scaling) EnergyFactor() float64 {
	return factor(s.Overall) * factor(s.Energy)
}

// DemandFactor is the factor applied to demand charge rates.
func (s Scaling) DemandFactor() float64 {
	return factor(s.Overall) * factor(s.Demand)
}

// Tariff is a utility rate structure. Optional sections that are nil are
// treated as disabled, never as zero rates.
type Tariff struct {
	Name string `json:"name" yaml:"name"`

	// Seasons maps a season name to the months (1-12) it covers.
	Seasons map[string][]int `json:"seasons" yaml:"seasons"`

	// EnergyRates maps a season to its time-of-use rates in $/kWh.
	EnergyRates map[string]HourlyRates `json:"energyRates" yaml:"energyRates"`
	// WeekendEnergyRates holds the all-day weekend/holiday rate for each
	// season under hour 0.
	WeekendEnergyRates map[string]HourlyRates `json:"weekendEnergyRates,omitempty" yaml:"weekendEnergyRates,omitempty"`

	SplitWeekends bool `json:"splitWeekends" yaml:"splitWeekends"`
	SplitHolidays bool `json:"splitHolidays" yaml:"splitHolidays"`

	// Tiers maps a month (1-12) to its ordered tiers.
	Tiers map[int][]Tier `json:"tiers,omitempty" yaml:"tiers,omitempty"`

	MonthlyDemand        map[string]map[int][]DemandRate `json:"monthlyDemand,omitempty" yaml:"monthlyDemand,omitempty"`
	DailyDemand          map[string]map[int][]DemandRate `json:"dailyDemand,omitempty" yaml:"dailyDemand,omitempty"`
	WeekendMonthlyDemand map[string][]DemandRate         `json:"weekendMonthlyDemand,omitempty" yaml:"weekendMonthlyDemand,omitempty"`

	NEM     *NEM    `json:"nem,omitempty" yaml:"nem,omitempty"`
	Scaling Scaling `json:"scaling" yaml:"scaling"`
}

// SplitDays reports whether weekend or holiday days get their own rates.
func (t Tariff) SplitDays() bool {
	return t.SplitWeekends || t.SplitHolidays
}

// NEMEnabled reports whether exports are credited.
func (t Tariff) NEMEnabled() bool {
	return t.NEM != nil && t.NEM.Enabled
}

// SeasonNames returns the season names sorted so iteration is stable.
func (t Tariff) SeasonNames() []string {
	names := make([]string, 0, len(t.Seasons))
	for name := range t.Seasons {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MonthSeasons returns the season of every month, indexed 1-12.
func (t Tariff) MonthSeasons() ([13]string, error) {
	var out [13]string
	for _, name := range t.SeasonNames() {
		for _, m := range t.Seasons[name] {
			if m < 1 || m > 12 {
				return out, fmt.Errorf("%w: season %s references invalid month %d", ErrConfiguration, name, m)
			}
			if out[m] != "" {
				return out, fmt.Errorf("%w: month %d is in seasons %s and %s", ErrConfiguration, m, out[m], name)
			}
			out[m] = name
		}
	}
	for m := 1; m <= 12; m++ {
		if out[m] == "" {
			return out, fmt.Errorf("%w: month %d has no season", ErrConfiguration, m)
		}
	}
	return out, nil
}

// Validate checks the structural invariants of the tariff. Missing hours in
// rate tables are reported by the compiler since they depend on the interval.
func (t Tariff) Validate() error {
	if _, err := t.MonthSeasons(); err != nil {
		return err
	}
	if t.SplitDays() && t.WeekendEnergyRates == nil {
		return fmt.Errorf("%w: weekend/holiday split requires weekendEnergyRates", ErrConfiguration)
	}
	for m, tiers := range t.Tiers {
		if m < 1 || m > 12 {
			return fmt.Errorf("%w: tiers reference invalid month %d", ErrConfiguration, m)
		}
		for i := range tiers {
			if i == 0 {
				continue
			}
			// the LP only fills cheaper blocks first if rates never decrease
			if tiers[i].Rate < tiers[i-1].Rate {
				return fmt.Errorf("%w: month %d tier %d rate decreases", ErrConfiguration, m, i+1)
			}
			if tiers[i-1].Threshold <= 0 {
				return fmt.Errorf("%w: month %d tier %d must have a threshold", ErrConfiguration, m, i)
			}
			if tiers[i].Threshold != 0 && tiers[i].Threshold <= tiers[i-1].Threshold {
				return fmt.Errorf("%w: month %d tier thresholds must increase", ErrConfiguration, m)
			}
		}
	}
	if t.NEM != nil && t.NEM.Enabled {
		if t.NEM.Version != 1 && t.NEM.Version != 2 {
			return fmt.Errorf("%w: unsupported NEM version %d", ErrConfiguration, t.NEM.Version)
		}
		if t.NEM.NonBypassable < 0 {
			return fmt.Errorf("%w: non-bypassable charge must be >= 0", ErrConfiguration)
		}
	}
	return nil
}
