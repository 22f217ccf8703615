package tariff

import (
	"fmt"
	"sort"
	"time"

	"github.com/raterudder/dersched/pkg/types"
)

// ChargeSeries is the year-long indicator of one demand charge instance.
type ChargeSeries struct {
	Rate float64
	Mask []bool
}

// Series is a tariff compiled into dense per-step values for a whole year.
type Series struct {
	Year            int
	IntervalMinutes int

	Timestamps []time.Time
	// EnergyPrice is the import price in $/kWh.
	EnergyPrice []float64
	// NEMPrice is the export credit in $/kWh. It is nil when net metering is
	// disabled.
	NEMPrice []float64

	Charges map[types.DemandChargeKey]*ChargeSeries
	// Keys lists the charge keys in sorted order.
	Keys []types.DemandChargeKey
}

// StepsPerDay returns the number of steps in a day.
func (s *Series) StepsPerDay() int {
	return 24 * 60 / s.IntervalMinutes
}

// Index returns the global step index of the start of the given day.
func (s *Series) Index(day time.Time) int {
	return (day.YearDay() - 1) * s.StepsPerDay()
}

// Compile expands the tariff calendar into per-step prices and demand charge
// masks for every interval of the year.
func Compile(t types.Tariff, year, intervalMinutes int) (*Series, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if intervalMinutes <= 0 || 60%intervalMinutes != 0 {
		return nil, fmt.Errorf("%w: interval of %d minutes does not divide an hour", types.ErrConfiguration, intervalMinutes)
	}
	seasons, err := t.MonthSeasons()
	if err != nil {
		return nil, err
	}

	stepsPerDay := 24 * 60 / intervalMinutes
	days := types.DaysInYear(year)
	n := days * stepsPerDay

	s := &Series{
		Year:            year,
		IntervalMinutes: intervalMinutes,
		Timestamps:      make([]time.Time, n),
		EnergyPrice:     make([]float64, n),
		Charges:         make(map[types.DemandChargeKey]*ChargeSeries),
	}
	holidays := Holidays(year)

	flag := func(key types.DemandChargeKey, rate float64, idx int) error {
		cs, ok := s.Charges[key]
		if !ok {
			cs = &ChargeSeries{Rate: rate, Mask: make([]bool, n)}
			s.Charges[key] = cs
		} else if cs.Rate != rate {
			return fmt.Errorf("%w: demand charge %s has conflicting rates %v and %v", types.ErrConfiguration, key.Label, cs.Rate, rate)
		}
		cs.Mask[idx] = true
		return nil
	}

	jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < days; d++ {
		day := jan1.AddDate(0, 0, d)
		month := int(day.Month())
		season := seasons[month]
		_, holiday := holidays[day]
		split := (t.SplitWeekends && IsWeekend(day)) || (t.SplitHolidays && holiday)

		for step := 0; step < stepsPerDay; step++ {
			idx := d*stepsPerDay + step
			ts := day.Add(time.Duration(step*intervalMinutes) * time.Minute)
			hour := ts.Hour()
			s.Timestamps[idx] = ts

			if split {
				rate, ok := t.WeekendEnergyRates[season][0]
				if !ok {
					return nil, fmt.Errorf("%w: weekend energy rates for season %s have no hour 0", types.ErrConfiguration, season)
				}
				s.EnergyPrice[idx] = rate
			} else {
				rate, ok := t.EnergyRates[season][hour]
				if !ok {
					return nil, fmt.Errorf("%w: energy rates for season %s have no hour %d", types.ErrConfiguration, season, hour)
				}
				s.EnergyPrice[idx] = rate
			}

			var monthly []types.DemandRate
			switch {
			case split && t.WeekendMonthlyDemand != nil:
				monthly = t.WeekendMonthlyDemand[season]
			case split:
				// without a weekend table the hour 0 charges cover the whole day
				monthly = t.MonthlyDemand[season][0]
			default:
				monthly = t.MonthlyDemand[season][hour]
			}
			for _, dr := range monthly {
				key := types.DemandChargeKey{Kind: types.DemandChargeMonthly, Label: dr.Label, Month: month}
				if err := flag(key, dr.Rate, idx); err != nil {
					return nil, err
				}
			}

			// no daily charge applies at all on a split day
			if split {
				continue
			}
			for _, dr := range t.DailyDemand[season][hour] {
				key := types.DemandChargeKey{Kind: types.DemandChargeDaily, Label: dr.Label, Month: month, Day: day.Day()}
				if err := flag(key, dr.Rate, idx); err != nil {
					return nil, err
				}
			}
		}
	}

	if t.NEMEnabled() {
		nbc := t.NEM.NonBypassable
		s.NEMPrice = make([]float64, n)
		for i, price := range s.EnergyPrice {
			if t.NEM.Version == 2 {
				price += nbc
				s.EnergyPrice[i] = price
			}
			s.NEMPrice[i] = price - nbc
		}
	}

	s.Keys = make([]types.DemandChargeKey, 0, len(s.Charges))
	for key := range s.Charges {
		s.Keys = append(s.Keys, key)
	}
	sort.Slice(s.Keys, func(i, j int) bool {
		return s.Keys[i].Less(s.Keys[j])
	})
	return s, nil
}
