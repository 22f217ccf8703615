package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func testRun(id string, created time.Time) types.Run {
	return types.Run{
		ID:          id,
		Tariff:      "tou",
		Scenario:    "office",
		Year:        2024,
		Granularity: types.GranularityDay,
		Status:      types.RunStatusRunning,
		Created:     created,
		Updated:     created,
	}
}

func testRows(from, to int) []types.ResultRow {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]types.ResultRow, 0, to-from)
	for i := from; i < to; i++ {
		rows = append(rows, types.ResultRow{
			Index:       i,
			Timestamp:   start.Add(time.Duration(i) * time.Hour),
			DemandKW:    float64(i) + 0.5,
			NetDemandKW: float64(i) - 1.25,
			ExportKW:    0,
			PVKW:        1.5,
			ChargeKW:    0.75,
			SOC:         0.5,
			EnergyPrice: 0.2,
			NEMPrice:    0.1,
		})
	}
	return rows
}

// testDatabase exercises the behavior every provider shares.
func testDatabase(t *testing.T, db Database) {
	ctx := context.Background()
	older := time.Date(2024, time.February, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	t.Run("Runs", func(t *testing.T) {
		a := testRun("run-a", older)
		b := testRun("run-b", newer)
		require.NoError(t, db.SaveRun(ctx, a))
		require.NoError(t, db.SaveRun(ctx, b))

		got, err := db.GetRun(ctx, "run-a")
		require.NoError(t, err)
		assert.Equal(t, a, got)

		runs, err := db.ListRuns(ctx)
		require.NoError(t, err)
		var ids []string
		for _, r := range runs {
			if r.ID == "run-a" || r.ID == "run-b" {
				ids = append(ids, r.ID)
			}
		}
		assert.Equal(t, []string{"run-b", "run-a"}, ids)
	})

	t.Run("Update Run", func(t *testing.T) {
		run := testRun("run-update", older)
		require.NoError(t, db.SaveRun(ctx, run))
		run.Status = types.RunStatusComplete
		run.Objective = 12.5
		run.Bill = &types.Bill{Energy: "10.00", Tiers: "0.00", Demand: "2.50", NEMCredit: "0.00", Total: "12.50"}
		require.NoError(t, db.SaveRun(ctx, run))

		got, err := db.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run, got)
	})

	t.Run("Run Not Found", func(t *testing.T) {
		_, err := db.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = db.GetResults(ctx, "missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("Results", func(t *testing.T) {
		run := testRun("run-results", older)
		require.NoError(t, db.SaveRun(ctx, run))

		got, err := db.GetResults(ctx, run.ID)
		require.NoError(t, err)
		assert.Empty(t, got)

		rows := testRows(0, 30)
		require.NoError(t, db.AppendResults(ctx, run.ID, rows[:24]))
		require.NoError(t, NewSink(db, run.ID).AppendResults(ctx, rows[24:]))

		got, err = db.GetResults(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, rows, got)
	})
}
