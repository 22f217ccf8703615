package types

import (
	"fmt"
	"time"
)

// Granularity is the length of each horizon segment of a simulation.
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
	GranularityYear  Granularity = "year"
)

// ParseGranularity parses a granularity name.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case GranularityDay, GranularityMonth, GranularityYear:
		return g, nil
	default:
		return "", fmt.Errorf("%w: unknown granularity %q", ErrConfiguration, s)
	}
}

// ProblemMode selects between dispatching fixed assets and also sizing them.
type ProblemMode int

const (
	ModeDispatch ProblemMode = iota
	ModeCapacityExpansion
)

func (m ProblemMode) String() string {
	switch m {
	case ModeDispatch:
		return "dispatch"
	case ModeCapacityExpansion:
		return "capacity_expansion"
	default:
		return fmt.Sprintf("ProblemMode(%d)", int(m))
	}
}

// ParseProblemMode parses a problem mode name.
func ParseProblemMode(s string) (ProblemMode, error) {
	switch s {
	case "", "dispatch":
		return ModeDispatch, nil
	case "capacity_expansion", "cem":
		return ModeCapacityExpansion, nil
	default:
		return 0, fmt.Errorf("%w: unknown problem mode %q", ErrConfiguration, s)
	}
}

// PV describes an on-site solar system.
type PV struct {
	// CapacityKW is the installed capacity in dispatch mode.
	CapacityKW float64 `json:"capacityKW"`
	// MaxCapacityKW bounds the capacity decision in capacity expansion mode.
	// 0 leaves it unbounded.
	MaxCapacityKW float64 `json:"maxCapacityKW"`
	// CostPerKWYear is the annualized cost of capacity used in capacity
	// expansion mode.
	CostPerKWYear float64 `json:"costPerKWYear"`
	// Factor is the capacity factor (0-1) of every step of the year.
	Factor []float64 `json:"factor"`
}

// Storage describes a battery.
type Storage struct {
	CapacityKWH         float64 `json:"capacityKWH"`
	PowerKW             float64 `json:"powerKW"`
	ChargeEfficiency    float64 `json:"chargeEfficiency"`
	DischargeEfficiency float64 `json:"dischargeEfficiency"`
	MinSOC              float64 `json:"minSOC"`
	MaxSOC              float64 `json:"maxSOC"`
	InitialSOC          float64 `json:"initialSOC"`
	// ChargeFromPVOnly forbids charging from the grid.
	ChargeFromPVOnly bool `json:"chargeFromPVOnly"`
}

// Enabled reports whether the battery takes part in dispatch.
func (s *Storage) Enabled() bool {
	return s != nil && s.CapacityKWH > 0
}

// Shift describes demand that can be moved in time.
type Shift struct {
	// DurationHours is the longest time a curtailment may stay unrecovered.
	DurationHours float64 `json:"durationHours"`
	// UpCostPerKWH and DownCostPerKWH price each kWh moved.
	UpCostPerKWH   float64 `json:"upCostPerKWH"`
	DownCostPerKWH float64 `json:"downCostPerKWH"`
	// UpCapacityKW and DownCapacityKW bound the deviation of every step.
	UpCapacityKW   []float64 `json:"upCapacityKW"`
	DownCapacityKW []float64 `json:"downCapacityKW"`
}

// Scenario is everything besides the tariff that a simulation needs.
type Scenario struct {
	Name            string      `json:"name"`
	Year            int         `json:"year"`
	IntervalMinutes int         `json:"intervalMinutes"`
	Granularity     Granularity `json:"granularity"`
	Mode            ProblemMode `json:"mode"`

	// Start and End optionally restrict the simulation to a range of dates
	// inside Year. Zero values mean the whole year.
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`

	// Demand is the base site demand (kW) of every step of the year.
	Demand []float64 `json:"demand"`

	PV      *PV      `json:"pv,omitempty"`
	Storage *Storage `json:"storage,omitempty"`
	Shift   *Shift   `json:"shift,omitempty"`
}

// StepsPerDay is the number of steps in a day at the scenario interval.
func (s Scenario) StepsPerDay() int {
	return 24 * 60 / s.IntervalMinutes
}

// StepsInYear is the number of steps in the scenario year.
func (s Scenario) StepsInYear() int {
	return DaysInYear(s.Year) * s.StepsPerDay()
}

// Period returns the first and last simulated dates.
func (s Scenario) Period() (time.Time, time.Time) {
	start, end := s.Start, s.End
	if start.IsZero() {
		start = time.Date(s.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	if end.IsZero() {
		end = time.Date(s.Year, time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	return TruncateDay(start), TruncateDay(end)
}

// Validate checks the scenario against itself. It does not know about the
// tariff.
func (s Scenario) Validate() error {
	if s.Year <= 0 {
		return fmt.Errorf("%w: year is required", ErrConfiguration)
	}
	if s.IntervalMinutes <= 0 || 60%s.IntervalMinutes != 0 {
		return fmt.Errorf("%w: interval of %d minutes does not divide an hour", ErrConfiguration, s.IntervalMinutes)
	}
	if _, err := ParseGranularity(string(s.Granularity)); err != nil {
		return err
	}
	// every segment would choose its own capacity otherwise
	if s.Mode == ModeCapacityExpansion && s.Granularity != GranularityYear {
		return fmt.Errorf("%w: capacity expansion requires year granularity, got %s", ErrConfiguration, s.Granularity)
	}
	n := s.StepsInYear()
	if len(s.Demand) != n {
		return fmt.Errorf("%w: demand has %d steps, expected %d", ErrConfiguration, len(s.Demand), n)
	}
	start, end := s.Period()
	if start.Year() != s.Year || end.Year() != s.Year || end.Before(start) {
		return fmt.Errorf("%w: period %s..%s is not inside %d", ErrConfiguration, start.Format(time.DateOnly), end.Format(time.DateOnly), s.Year)
	}
	if s.PV != nil && len(s.PV.Factor) != n {
		return fmt.Errorf("%w: pv factor has %d steps, expected %d", ErrConfiguration, len(s.PV.Factor), n)
	}
	if s.Shift != nil {
		if len(s.Shift.UpCapacityKW) != n || len(s.Shift.DownCapacityKW) != n {
			return fmt.Errorf("%w: shift capacities must have %d steps", ErrConfiguration, n)
		}
		if s.Shift.DurationHours <= 0 {
			return fmt.Errorf("%w: shift duration must be > 0", ErrConfiguration)
		}
	}
	if st := s.Storage; st.Enabled() {
		if st.PowerKW <= 0 {
			return fmt.Errorf("%w: storage power must be > 0", ErrConfiguration)
		}
		if st.ChargeEfficiency <= 0 || st.ChargeEfficiency > 1 || st.DischargeEfficiency <= 0 || st.DischargeEfficiency > 1 {
			return fmt.Errorf("%w: storage efficiencies must be in (0, 1]", ErrConfiguration)
		}
		if st.MinSOC < 0 || st.MaxSOC > 1 || st.MinSOC > st.MaxSOC {
			return fmt.Errorf("%w: storage must satisfy 0 <= minSOC <= maxSOC <= 1", ErrConfiguration)
		}
		if st.InitialSOC < st.MinSOC || st.InitialSOC > st.MaxSOC {
			return fmt.Errorf("%w: initial SOC must be within [minSOC, maxSOC]", ErrConfiguration)
		}
	}
	return nil
}

// DaysInYear returns 365 or 366.
func DaysInYear(year int) int {
	return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC).YearDay()
}

// DaysInMonth returns the number of days of the month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// TruncateDay drops the time of day.
func TruncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MarshalText implements encoding.TextMarshaler.
func (m ProblemMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ProblemMode) UnmarshalText(b []byte) error {
	v, err := ParseProblemMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
