package tariff

import (
	"sort"
	"testing"
	"time"

	"github.com/raterudder/dersched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s *Series, month time.Month, day, hour int) int {
	return s.Index(time.Date(s.Year, month, day, 0, 0, 0, 0, time.UTC)) + hour*60/s.IntervalMinutes
}

func TestCompile(t *testing.T) {
	t.Run("Year Length", func(t *testing.T) {
		s, err := Compile(flatTariff(0.1), 2024, 60)
		require.NoError(t, err)
		assert.Len(t, s.Timestamps, 366*24)
		assert.Len(t, s.EnergyPrice, 366*24)

		s, err = Compile(flatTariff(0.1), 2023, 15)
		require.NoError(t, err)
		assert.Len(t, s.Timestamps, 365*96)
		assert.Equal(t, time.Date(2023, time.December, 31, 23, 45, 0, 0, time.UTC), s.Timestamps[len(s.Timestamps)-1])
		assert.Nil(t, s.NEMPrice)
		assert.Empty(t, s.Charges)
	})

	t.Run("Time Of Use With Weekend And Holiday Split", func(t *testing.T) {
		s, err := Compile(touTariff(), 2024, 60)
		require.NoError(t, err)

		// monday
		assert.Equal(t, 0.45, s.EnergyPrice[at(s, time.June, 3, 17)])
		assert.Equal(t, 0.20, s.EnergyPrice[at(s, time.June, 3, 10)])
		// saturday uses the all-day weekend rate
		assert.Equal(t, 0.18, s.EnergyPrice[at(s, time.June, 1, 17)])
		assert.Equal(t, 0.18, s.EnergyPrice[at(s, time.June, 1, 3)])
		// independence day is a thursday in 2024
		assert.Equal(t, 0.18, s.EnergyPrice[at(s, time.July, 4, 17)])
		// winter weekday
		assert.Equal(t, 0.30, s.EnergyPrice[at(s, time.January, 2, 17)])
		assert.Equal(t, 0.12, s.EnergyPrice[at(s, time.January, 1, 17)])
	})

	t.Run("Demand Charge Masks", func(t *testing.T) {
		s, err := Compile(touTariff(), 2024, 60)
		require.NoError(t, err)

		daily := types.DemandChargeKey{Kind: types.DemandChargeDaily, Label: "peak", Month: 6, Day: 3}
		require.Contains(t, s.Charges, daily)
		assert.Equal(t, 1.5, s.Charges[daily].Rate)
		assert.True(t, s.Charges[daily].Mask[at(s, time.June, 3, 16)])
		assert.True(t, s.Charges[daily].Mask[at(s, time.June, 3, 20)])
		assert.False(t, s.Charges[daily].Mask[at(s, time.June, 3, 15)])
		assert.False(t, s.Charges[daily].Mask[at(s, time.June, 3, 21)])
		assert.False(t, s.Charges[daily].Mask[at(s, time.June, 4, 17)])

		// daily charges do not exist at all on weekends or holidays
		assert.NotContains(t, s.Charges, types.DemandChargeKey{Kind: types.DemandChargeDaily, Label: "peak", Month: 6, Day: 1})
		assert.NotContains(t, s.Charges, types.DemandChargeKey{Kind: types.DemandChargeDaily, Label: "peak", Month: 7, Day: 4})
		// and not in winter
		assert.NotContains(t, s.Charges, types.DemandChargeKey{Kind: types.DemandChargeDaily, Label: "peak", Month: 1, Day: 2})

		facility := types.DemandChargeKey{Kind: types.DemandChargeMonthly, Label: "facility", Month: 6}
		coincident := types.DemandChargeKey{Kind: types.DemandChargeMonthly, Label: "coincident", Month: 6}
		require.Contains(t, s.Charges, facility)
		require.Contains(t, s.Charges, coincident)
		assert.True(t, s.Charges[facility].Mask[at(s, time.June, 3, 10)])
		// without a weekend table split days use the hour 0 monthly charges
		assert.True(t, s.Charges[facility].Mask[at(s, time.June, 1, 10)])
		assert.True(t, s.Charges[facility].Mask[at(s, time.June, 1, 17)])
		assert.False(t, s.Charges[coincident].Mask[at(s, time.June, 1, 17)])
		assert.False(t, s.Charges[coincident].Mask[at(s, time.July, 4, 17)])
		assert.True(t, s.Charges[coincident].Mask[at(s, time.July, 5, 17)])
		assert.False(t, s.Charges[facility].Mask[at(s, time.July, 3, 10)], "masks are per month")

		// one step can be flagged by several charges
		idx := at(s, time.June, 3, 17)
		assert.True(t, s.Charges[facility].Mask[idx])
		assert.True(t, s.Charges[coincident].Mask[idx])
		assert.True(t, s.Charges[daily].Mask[idx])

		assert.True(t, sort.SliceIsSorted(s.Keys, func(i, j int) bool { return s.Keys[i].Less(s.Keys[j]) }))
		assert.Len(t, s.Keys, len(s.Charges))
	})

	t.Run("Weekend Monthly Demand", func(t *testing.T) {
		tf := touTariff()
		tf.WeekendMonthlyDemand = map[string][]types.DemandRate{"summer": {{Label: "facility", Rate: 10}}}
		s, err := Compile(tf, 2024, 60)
		require.NoError(t, err)
		facility := types.DemandChargeKey{Kind: types.DemandChargeMonthly, Label: "facility", Month: 6}
		assert.True(t, s.Charges[facility].Mask[at(s, time.June, 1, 10)])

		// a weekend table without the season disables monthly charges there
		winter := types.DemandChargeKey{Kind: types.DemandChargeMonthly, Label: "facility", Month: 1}
		assert.False(t, s.Charges[winter].Mask[at(s, time.January, 6, 10)])
		assert.True(t, s.Charges[winter].Mask[at(s, time.January, 5, 10)])
	})

	t.Run("Idempotent", func(t *testing.T) {
		a, err := Compile(touTariff(), 2024, 30)
		require.NoError(t, err)
		b, err := Compile(touTariff(), 2024, 30)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("Missing Hour", func(t *testing.T) {
		tf := touTariff()
		delete(tf.EnergyRates["winter"], 5)
		_, err := Compile(tf, 2024, 60)
		require.ErrorIs(t, err, types.ErrConfiguration)
		assert.ErrorContains(t, err, "winter have no hour 5")
	})

	t.Run("Missing Season", func(t *testing.T) {
		tf := flatTariff(0.1)
		tf.Seasons["all"] = []int{1, 2, 3}
		_, err := Compile(tf, 2024, 60)
		require.ErrorIs(t, err, types.ErrConfiguration)
	})

	t.Run("Conflicting Demand Rates", func(t *testing.T) {
		tf := flatTariff(0.1)
		tf.MonthlyDemand = map[string]map[int][]types.DemandRate{"all": {
			1: {{Label: "x", Rate: 1}},
			2: {{Label: "x", Rate: 2}},
		}}
		_, err := Compile(tf, 2024, 60)
		require.ErrorIs(t, err, types.ErrConfiguration)
	})

	t.Run("NEM Version 2", func(t *testing.T) {
		tf := touTariff()
		tf.NEM = &types.NEM{Enabled: true, Version: 2, NonBypassable: 0.02}
		raw, err := Compile(touTariff(), 2024, 60)
		require.NoError(t, err)
		s, err := Compile(tf, 2024, 60)
		require.NoError(t, err)
		require.Len(t, s.NEMPrice, len(raw.EnergyPrice))
		for i := range raw.EnergyPrice {
			assert.InDelta(t, raw.EnergyPrice[i]+0.02, s.EnergyPrice[i], 1e-12)
			assert.InDelta(t, raw.EnergyPrice[i], s.NEMPrice[i], 1e-12)
		}
	})

	t.Run("NEM Version 1", func(t *testing.T) {
		tf := flatTariff(0.25)
		tf.NEM = &types.NEM{Enabled: true, Version: 1, NonBypassable: 0.03}
		s, err := Compile(tf, 2023, 60)
		require.NoError(t, err)
		assert.Equal(t, 0.25, s.EnergyPrice[100])
		assert.InDelta(t, 0.22, s.NEMPrice[100], 1e-12)
	})
}
