package billing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/simulator"
	"github.com/raterudder/dersched/pkg/solver"
	"github.com/raterudder/dersched/pkg/tariff"
	"github.com/raterudder/dersched/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func hourly(f func(hour int) float64) types.HourlyRates {
	r := make(types.HourlyRates, 24)
	for h := 0; h < 24; h++ {
		r[h] = f(h)
	}
	return r
}

func flatTariff(rate float64) types.Tariff {
	return types.Tariff{
		Name:        "flat",
		Seasons:     map[string][]int{"all": {1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
		EnergyRates: map[string]types.HourlyRates{"all": hourly(func(int) float64 { return rate })},
	}
}

// dayResults fakes a solved January 2nd with the given hourly net demand.
func dayResults(t *testing.T, s *tariff.Series, net func(hour int) float64) *simulator.Results {
	t.Helper()
	offset := s.Index(time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC))
	res := &simulator.Results{
		Year:            s.Year,
		IntervalMinutes: s.IntervalMinutes,
		Offset:          offset,
		Timestamps:      s.Timestamps[offset : offset+24],
		EnergyPrice:     s.EnergyPrice[offset : offset+24],
		NEMPrice:        make([]float64, 24),
		Net:             make([]float64, 24),
		Export:          make([]float64, 24),
	}
	if s.NEMPrice != nil {
		res.NEMPrice = s.NEMPrice[offset : offset+24]
	}
	for h := range 24 {
		res.Net[h] = net(h)
		if res.Net[h] < 0 {
			res.Export[h] = -res.Net[h]
		}
	}
	return res
}

func compile(t *testing.T, tf types.Tariff) *tariff.Series {
	t.Helper()
	s, err := tariff.Compile(tf, 2024, 60)
	require.NoError(t, err)
	return s
}

func TestCalculate(t *testing.T) {
	t.Run("Flat Energy", func(t *testing.T) {
		tf := flatTariff(0.10)
		s := compile(t, tf)
		c, err := Calculate(dayResults(t, s, func(h int) float64 { return float64(h + 1) }), s, tf)
		require.NoError(t, err)
		b := c.Bill()
		assert.Equal(t, "30.00", b.Energy)
		assert.Equal(t, "0.00", b.Demand)
		assert.Equal(t, "0.00", b.NEMCredit)
		assert.Equal(t, "30.00", b.Total)
		assert.Empty(t, b.Demands)
	})

	t.Run("NEM Version 2", func(t *testing.T) {
		tf := flatTariff(0.10)
		tf.NEM = &types.NEM{Enabled: true, Version: 2, NonBypassable: 0.02}
		s := compile(t, tf)
		res := dayResults(t, s, func(h int) float64 {
			if h >= 9 && h < 16 {
				return -6
			}
			return 2
		})
		c, err := Calculate(res, s, tf)
		require.NoError(t, err)
		b := c.Bill()
		assert.Equal(t, "4.08", b.Energy)
		assert.Equal(t, "4.20", b.NEMCredit)
		assert.Equal(t, "-0.12", b.Total)
	})

	t.Run("Demand Charges", func(t *testing.T) {
		tf := flatTariff(0)
		tf.MonthlyDemand = map[string]map[int][]types.DemandRate{"all": {}}
		tf.DailyDemand = map[string]map[int][]types.DemandRate{"all": {}}
		for h := 0; h < 24; h++ {
			tf.MonthlyDemand["all"][h] = []types.DemandRate{{Label: "facility", Rate: 10}}
			if h >= 16 && h < 21 {
				tf.DailyDemand["all"][h] = []types.DemandRate{{Label: "peak", Rate: 2}}
			}
		}
		s := compile(t, tf)
		res := dayResults(t, s, func(h int) float64 {
			switch h {
			case 10:
				return 8
			case 17:
				return 6
			}
			return 3
		})
		c, err := Calculate(res, s, tf)
		require.NoError(t, err)
		b := c.Bill()
		assert.Equal(t, "92.00", b.Demand)
		assert.Equal(t, "92.00", b.Total)
		require.Len(t, b.Demands, 2)
		assert.Equal(t, types.DemandChargeKey{Kind: types.DemandChargeMonthly, Label: "facility", Month: 1}, b.Demands[0].Key)
		assert.Equal(t, 8.0, b.Demands[0].PeakKW)
		assert.Equal(t, "80.00", b.Demands[0].Amount)
		assert.Equal(t, types.DemandChargeKey{Kind: types.DemandChargeDaily, Label: "peak", Month: 1, Day: 2}, b.Demands[1].Key)
		assert.Equal(t, "12.00", b.Demands[1].Amount)

		two := 2.0
		tf.Scaling.Demand = &two
		c, err = Calculate(res, s, tf)
		require.NoError(t, err)
		assert.Equal(t, "184.00", c.Bill().Demand)
	})

	t.Run("Tiers", func(t *testing.T) {
		tf := flatTariff(0.10)
		tf.Tiers = map[int][]types.Tier{1: {{Threshold: 24, Rate: 0}, {Rate: 0.05}}}
		s := compile(t, tf)
		c, err := Calculate(dayResults(t, s, func(int) float64 { return 1.25 }), s, tf)
		require.NoError(t, err)
		b := c.Bill()
		assert.Equal(t, "3.00", b.Energy)
		assert.Equal(t, "0.30", b.Tiers)
		assert.Equal(t, "3.30", b.Total)
	})

	t.Run("Mismatched Series", func(t *testing.T) {
		tf := flatTariff(0.10)
		s := compile(t, tf)
		res := dayResults(t, s, func(int) float64 { return 1 })
		other, err := tariff.Compile(tf, 2023, 60)
		require.NoError(t, err)
		_, err = Calculate(res, other, tf)
		assert.ErrorIs(t, err, types.ErrConfiguration)
	})

	t.Run("Simulated Flat Rate", func(t *testing.T) {
		tf := flatTariff(0.10)
		demand := make([]float64, 366*24)
		for i := range demand {
			demand[i] = float64(1 + i%7)
		}
		sim, err := simulator.New(simulator.Config{
			Tariff: tf,
			Scenario: types.Scenario{
				Name:            "flat",
				Year:            2024,
				IntervalMinutes: 60,
				Granularity:     types.GranularityDay,
				End:             time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC),
				Demand:          demand,
			},
			Solver: &solver.Config{Solver: solver.NewSimplex()},
		})
		require.NoError(t, err)
		res, err := sim.Run(context.Background())
		require.NoError(t, err)

		c, err := Calculate(res, sim.Series(), tf)
		require.NoError(t, err)
		// 189 kWh over the first two days
		assert.Equal(t, "18.90", c.Bill().Total)
		assert.Equal(t, "18.90", c.Bill().Energy)
	})
	t.Run("Month Horizon Bills No More Than Days", func(t *testing.T) {
		tf := flatTariff(0)
		tf.EnergyRates["all"] = hourly(func(h int) float64 {
			if h < 12 {
				return 0.10
			}
			return 0.40
		})
		tf.MonthlyDemand = map[string]map[int][]types.DemandRate{"all": {}}
		for h := 0; h < 24; h++ {
			tf.MonthlyDemand["all"][h] = []types.DemandRate{{Label: "facility", Rate: 12}}
		}
		demand := make([]float64, 366*24)
		for i := range demand {
			demand[i] = 4
			if day := i / 24; i%24 == 18 && day%7 < 5 {
				demand[i] = 4 + float64(day%5)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		totals := map[types.Granularity]decimal.Decimal{}
		for _, g := range []types.Granularity{types.GranularityDay, types.GranularityMonth} {
			sim, err := simulator.New(simulator.Config{
				Tariff: tf,
				Scenario: types.Scenario{
					Name:            "shaving",
					Year:            2024,
					IntervalMinutes: 60,
					Granularity:     g,
					End:             time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC),
					Demand:          demand,
					Storage: &types.Storage{
						CapacityKWH:         10,
						PowerKW:             4,
						ChargeEfficiency:    0.95,
						DischargeEfficiency: 0.95,
						MinSOC:              0.2,
						MaxSOC:              1,
						InitialSOC:          0.5,
					},
				},
				Solver: &solver.Config{Solver: solver.NewInteriorPoint(), TimeLimit: 2 * time.Minute},
			})
			require.NoError(t, err)
			res, err := sim.Run(ctx)
			require.NoError(t, err)
			require.Equal(t, 31*24, res.Len())

			c, err := Calculate(res, sim.Series(), tf)
			require.NoError(t, err)
			require.Len(t, c.Demands, 1)
			totals[g] = c.Total()
		}
		// the day horizon commits to a peak before it sees the rest of the month
		slack := decimal.NewFromFloat(0.01)
		assert.True(t, totals[types.GranularityMonth].LessThanOrEqual(totals[types.GranularityDay].Add(slack)),
			"month %s, day %s", totals[types.GranularityMonth], totals[types.GranularityDay])
	})
}
