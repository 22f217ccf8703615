package tariff

import (
	"log/slog"

	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func allHours(rate float64) types.HourlyRates {
	r := make(types.HourlyRates, 24)
	for h := 0; h < 24; h++ {
		r[h] = rate
	}
	return r
}

// flatTariff returns a single-season tariff with the same rate every hour.
func flatTariff(rate float64) types.Tariff {
	return types.Tariff{
		Name:        "flat",
		Seasons:     map[string][]int{"all": {1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
		EnergyRates: map[string]types.HourlyRates{"all": allHours(rate)},
	}
}

// touTariff has a summer peak between 16:00 and 21:00, weekend pricing and a
// monthly and daily demand charge.
func touTariff() types.Tariff {
	summer := allHours(0.20)
	winter := allHours(0.15)
	for h := 16; h < 21; h++ {
		summer[h] = 0.45
		winter[h] = 0.30
	}
	peak := map[int][]types.DemandRate{}
	all := map[int][]types.DemandRate{}
	for h := 0; h < 24; h++ {
		all[h] = []types.DemandRate{{Label: "facility", Rate: 10}}
	}
	for h := 16; h < 21; h++ {
		peak[h] = []types.DemandRate{{Label: "peak", Rate: 1.5}}
		all[h] = append(all[h], types.DemandRate{Label: "coincident", Rate: 5})
	}
	return types.Tariff{
		Name: "tou",
		Seasons: map[string][]int{
			"summer": {6, 7, 8, 9},
			"winter": {1, 2, 3, 4, 5, 10, 11, 12},
		},
		EnergyRates: map[string]types.HourlyRates{"summer": summer, "winter": winter},
		WeekendEnergyRates: map[string]types.HourlyRates{
			"summer": {0: 0.18},
			"winter": {0: 0.12},
		},
		SplitWeekends: true,
		SplitHolidays: true,
		MonthlyDemand: map[string]map[int][]types.DemandRate{"summer": all, "winter": all},
		DailyDemand:   map[string]map[int][]types.DemandRate{"summer": peak},
	}
}
