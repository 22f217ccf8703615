package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/types"
)

//go:embed migrations
var migrationsDir embed.FS

const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

// SQLiteProvider stores runs in a local SQLite database. Reads and writes use
// separate pools so there is only ever a single writer.
type SQLiteProvider struct {
	path  string
	read  *sql.DB
	write *sql.DB
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "dersched.db", "Path of the sqlite database")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLiteProvider returns a provider for the database at path. Init must be
// called before use.
func NewSQLiteProvider(path string) *SQLiteProvider {
	return &SQLiteProvider{path: path}
}

// Init opens the database and applies pending migrations.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	dsn := "file:" + s.path + sqlitePragmas

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite (read): %w", err)
	}
	read.SetMaxOpenConns(10)
	read.SetConnMaxIdleTime(time.Minute)

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		read.Close()
		return fmt.Errorf("failed to open sqlite (write): %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetConnMaxIdleTime(time.Minute)

	s.read, s.write = read, write
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return fmt.Errorf("sqlite migration failed: %w", err)
	}
	return nil
}

// Close closes both pools.
func (s *SQLiteProvider) Close() error {
	var errs []error
	if s.read != nil {
		errs = append(errs, s.read.Close())
	}
	if s.write != nil {
		errs = append(errs, s.write.Close())
	}
	return errors.Join(errs...)
}

func (s *SQLiteProvider) migrate(ctx context.Context) error {
	var current int
	if err := s.write.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	files, err := migrationsDir.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	var names []string
	for _, f := range files {
		if !f.IsDir() && filepath.Ext(f.Name()) == ".sql" {
			names = append(names, f.Name())
		}
	}
	slices.Sort(names)

	re := regexp.MustCompile(`^(\d+)[-_]`)
	for _, name := range names {
		matches := re.FindStringSubmatch(name)
		if len(matches) < 2 {
			return fmt.Errorf("parse version from migration file: %s", name)
		}
		next, err := strconv.Atoi(matches[1])
		if err != nil {
			return fmt.Errorf("convert migration version from file %s: %w", name, err)
		}
		if next <= current {
			continue
		}

		log.Ctx(ctx).DebugContext(ctx, "applying sqlite migration", slog.Int("version", next))
		data, err := migrationsDir.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", name, err)
		}
		tx, err := s.write.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("start transaction for migration %d: %w", next, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", next, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", next)); err != nil {
			tx.Rollback()
			return fmt.Errorf("update database version for migration %d: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", next, err)
		}
	}
	return nil
}

// SaveRun upserts the run.
func (s *SQLiteProvider) SaveRun(ctx context.Context, run types.Run) error {
	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	_, err = s.write.ExecContext(ctx, `
		INSERT INTO runs (id, created, json) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET json = excluded.json`,
		run.ID, run.Created.UnixNano(), string(b))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun loads a run.
func (s *SQLiteProvider) GetRun(ctx context.Context, id string) (types.Run, error) {
	var raw string
	err := s.read.QueryRowContext(ctx, "SELECT json FROM runs WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Run{}, ErrRunNotFound
	} else if err != nil {
		return types.Run{}, fmt.Errorf("failed to fetch run: %w", err)
	}
	var run types.Run
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return types.Run{}, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return run, nil
}

// ListRuns loads every run, newest first.
func (s *SQLiteProvider) ListRuns(ctx context.Context) ([]types.Run, error) {
	rows, err := s.read.QueryContext(ctx, "SELECT json FROM runs ORDER BY created DESC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var run types.Run
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendResults inserts the rows in a single transaction.
func (s *SQLiteProvider) AppendResults(ctx context.Context, runID string, rows []types.ResultRow) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO results (
			run_id, idx, ts, demand_kw, net_demand_kw, export_kw, pv_kw, charge_kw,
			discharge_kw, soc, shift_up_kw, shift_down_kw, energy_price, nem_price
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			runID, r.Index, r.Timestamp.Unix(), r.DemandKW, r.NetDemandKW, r.ExportKW, r.PVKW,
			r.ChargeKW, r.DischargeKW, r.SOC, r.ShiftUpKW, r.ShiftDownKW, r.EnergyPrice, r.NEMPrice,
		)
		if err != nil {
			return fmt.Errorf("failed to insert result %d: %w", r.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

// GetResults loads the rows of a run in index order.
func (s *SQLiteProvider) GetResults(ctx context.Context, runID string) ([]types.ResultRow, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.read.QueryContext(ctx, `
		SELECT idx, ts, demand_kw, net_demand_kw, export_kw, pv_kw, charge_kw,
			discharge_kw, soc, shift_up_kw, shift_down_kw, energy_price, nem_price
		FROM results WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []types.ResultRow
	for rows.Next() {
		var r types.ResultRow
		var ts int64
		err := rows.Scan(&r.Index, &ts, &r.DemandKW, &r.NetDemandKW, &r.ExportKW, &r.PVKW, &r.ChargeKW,
			&r.DischargeKW, &r.SOC, &r.ShiftUpKW, &r.ShiftDownKW, &r.EnergyPrice, &r.NEMPrice)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
