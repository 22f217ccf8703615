package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/dersched/pkg/types"
)

var resultsHeader = []string{
	"index",
	"ts",
	"demand_kw",
	"net_demand_kw",
	"export_kw",
	"pv_kw",
	"charge_kw",
	"discharge_kw",
	"soc",
	"shift_up_kw",
	"shift_down_kw",
	"energy_price",
	"nem_price",
}

// CSVProvider keeps every run in a directory: <id>.json holds the run and
// <id>.csv its result rows.
type CSVProvider struct {
	dir string
	mu  sync.Mutex
}

func configuredCSV() *CSVProvider {
	dir := lflag.String("csv-dir", "results", "Directory for the csv storage provider")

	c := &CSVProvider{}
	lflag.Do(func() {
		c.dir = *dir
	})
	return c
}

// NewCSVProvider returns a provider rooted at dir. Init must be called before
// use.
func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{dir: dir}
}

// Init creates the directory.
func (c *CSVProvider) Init(ctx context.Context) error {
	if c.dir == "" {
		return errors.New("csv directory is required")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create csv directory: %w", err)
	}
	return nil
}

// Close implements Database.
func (c *CSVProvider) Close() error {
	return nil
}

func (c *CSVProvider) path(id, ext string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid run id %q", id)
	}
	return filepath.Join(c.dir, id+ext), nil
}

// SaveRun writes the run file, replacing it atomically.
func (c *CSVProvider) SaveRun(ctx context.Context, run types.Run) error {
	path, err := c.path(run.ID, ".json")
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}
	return nil
}

// GetRun reads a run file.
func (c *CSVProvider) GetRun(ctx context.Context, id string) (types.Run, error) {
	path, err := c.path(id, ".json")
	if err != nil {
		return types.Run{}, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.Run{}, ErrRunNotFound
	} else if err != nil {
		return types.Run{}, fmt.Errorf("failed to read run: %w", err)
	}
	var run types.Run
	if err := json.Unmarshal(b, &run); err != nil {
		return types.Run{}, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return run, nil
}

// ListRuns reads every run file in the directory.
func (c *CSVProvider) ListRuns(ctx context.Context) ([]types.Run, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var runs []types.Run
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		run, err := c.GetRun(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

// AppendResults appends rows to the run's csv file, writing the header when
// the file is new.
func (c *CSVProvider) AppendResults(ctx context.Context, runID string, rows []types.ResultRow) error {
	path, err := c.path(runID, ".csv")
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open results: %w", err)
	}
	if err := writeResults(f, rows); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close results: %w", err)
	}
	return nil
}

func writeResults(f *os.File, rows []types.ResultRow) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat results: %w", err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(resultsHeader); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := w.Write(formatRow(r)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

// GetResults parses the run's csv file.
func (c *CSVProvider) GetResults(ctx context.Context, runID string) ([]types.ResultRow, error) {
	path, err := c.path(runID, ".csv")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		if _, err := c.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to open results: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(resultsHeader)
	var rows []types.ResultRow
	for first := true; ; first = false {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read results: %w", err)
		}
		if first {
			continue
		}
		row, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to parse results: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func fmtFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}

func formatRow(r types.ResultRow) []string {
	return []string{
		strconv.Itoa(r.Index),
		r.Timestamp.UTC().Format(time.RFC3339),
		fmtFloat(r.DemandKW),
		fmtFloat(r.NetDemandKW),
		fmtFloat(r.ExportKW),
		fmtFloat(r.PVKW),
		fmtFloat(r.ChargeKW),
		fmtFloat(r.DischargeKW),
		fmtFloat(r.SOC),
		fmtFloat(r.ShiftUpKW),
		fmtFloat(r.ShiftDownKW),
		fmtFloat(r.EnergyPrice),
		fmtFloat(r.NEMPrice),
	}
}

func parseRow(rec []string) (types.ResultRow, error) {
	var r types.ResultRow
	var err error
	if r.Index, err = strconv.Atoi(rec[0]); err != nil {
		return r, err
	}
	if r.Timestamp, err = time.Parse(time.RFC3339, rec[1]); err != nil {
		return r, err
	}
	floats := []*float64{
		&r.DemandKW,
		&r.NetDemandKW,
		&r.ExportKW,
		&r.PVKW,
		&r.ChargeKW,
		&r.DischargeKW,
		&r.SOC,
		&r.ShiftUpKW,
		&r.ShiftDownKW,
		&r.EnergyPrice,
		&r.NEMPrice,
	}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(rec[i+2], 64); err != nil {
			return r, fmt.Errorf("column %s: %w", resultsHeader[i+2], err)
		}
	}
	return r, nil
}

func sortRuns(runs []types.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].Created.Equal(runs[j].Created) {
			return runs[i].Created.After(runs[j].Created)
		}
		return runs[i].ID < runs[j].ID
	})
}
