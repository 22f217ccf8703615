// Package scenario loads simulation scenarios from YAML files with their time
// series in CSV files.
package scenario

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raterudder/dersched/pkg/types"
)

// File is the on-disk shape of a scenario. Series fields are paths to CSV
// files, relative to the scenario file, or http(s) URLs.
type File struct {
	Name            string `yaml:"name"`
	Year            int    `yaml:"year"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	Granularity     string `yaml:"granularity"`
	Mode            string `yaml:"mode"`
	// Start and End are optional dates (2006-01-02).
	Start string `yaml:"start"`
	End   string `yaml:"end"`

	Demand  string         `yaml:"demand"`
	PV      *PVConfig      `yaml:"pv"`
	Storage *StorageConfig `yaml:"storage"`
	Shift   *ShiftConfig   `yaml:"shift"`
}

type PVConfig struct {
	CapacityKW    float64 `yaml:"capacity_kw"`
	MaxCapacityKW float64 `yaml:"max_capacity_kw"`
	CostPerKWYear float64 `yaml:"cost_per_kw_year"`
	Factor        string  `yaml:"factor"`
}

type StorageConfig struct {
	CapacityKWH         float64 `yaml:"capacity_kwh"`
	PowerKW             float64 `yaml:"power_kw"`
	ChargeEfficiency    float64 `yaml:"charge_efficiency"`
	DischargeEfficiency float64 `yaml:"discharge_efficiency"`
	MinSOC              float64 `yaml:"min_soc"`
	MaxSOC              float64 `yaml:"max_soc"`
	InitialSOC          float64 `yaml:"initial_soc"`
	ChargeFromPVOnly    bool    `yaml:"charge_from_pv_only"`
}

type ShiftConfig struct {
	DurationHours  float64 `yaml:"duration_hours"`
	UpCostPerKWH   float64 `yaml:"up_cost_per_kwh"`
	DownCostPerKWH float64 `yaml:"down_cost_per_kwh"`
	UpCapacity     string  `yaml:"up_capacity"`
	DownCapacity   string  `yaml:"down_capacity"`
}

// Load reads the scenario file at path and every series it references.
func Load(ctx context.Context, path string) (types.Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Scenario{}, fmt.Errorf("failed to read scenario: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return types.Scenario{}, fmt.Errorf("%w: failed to decode scenario %s: %v", types.ErrConfiguration, path, err)
	}
	return f.Resolve(ctx, filepath.Dir(path))
}

// Resolve loads the series of the file relative to dir and validates the
// result. Series given as http(s) URLs are downloaded.
func (f File) Resolve(ctx context.Context, dir string) (types.Scenario, error) {
	sc := types.Scenario{
		Name:            f.Name,
		Year:            f.Year,
		IntervalMinutes: f.IntervalMinutes,
		Granularity:     types.Granularity(f.Granularity),
	}
	if sc.IntervalMinutes == 0 {
		sc.IntervalMinutes = 60
	}
	if sc.Granularity == "" {
		sc.Granularity = types.GranularityDay
	}
	mode, err := types.ParseProblemMode(f.Mode)
	if err != nil {
		return sc, err
	}
	sc.Mode = mode
	if sc.Start, err = parseDate(f.Start); err != nil {
		return sc, err
	}
	if sc.End, err = parseDate(f.End); err != nil {
		return sc, err
	}

	load := func(name string) ([]float64, error) {
		if name == "" {
			return nil, fmt.Errorf("%w: missing series path", types.ErrConfiguration)
		}
		if isURL(name) {
			return FetchSeries(ctx, name)
		}
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		return LoadSeries(name)
	}

	if sc.Demand, err = load(f.Demand); err != nil {
		return sc, fmt.Errorf("failed to load demand: %w", err)
	}
	if f.PV != nil {
		sc.PV = &types.PV{
			CapacityKW:    f.PV.CapacityKW,
			MaxCapacityKW: f.PV.MaxCapacityKW,
			CostPerKWYear: f.PV.CostPerKWYear,
		}
		if sc.PV.Factor, err = load(f.PV.Factor); err != nil {
			return sc, fmt.Errorf("failed to load pv factor: %w", err)
		}
	}
	if s := f.Storage; s != nil {
		sc.Storage = &types.Storage{
			CapacityKWH:         s.CapacityKWH,
			PowerKW:             s.PowerKW,
			ChargeEfficiency:    s.ChargeEfficiency,
			DischargeEfficiency: s.DischargeEfficiency,
			MinSOC:              s.MinSOC,
			MaxSOC:              s.MaxSOC,
			InitialSOC:          s.InitialSOC,
			ChargeFromPVOnly:    s.ChargeFromPVOnly,
		}
		if sc.Storage.MaxSOC == 0 {
			sc.Storage.MaxSOC = 1
		}
		// start at the minimum unless told otherwise
		if sc.Storage.InitialSOC == 0 {
			sc.Storage.InitialSOC = sc.Storage.MinSOC
		}
	}
	if s := f.Shift; s != nil {
		sc.Shift = &types.Shift{
			DurationHours:  s.DurationHours,
			UpCostPerKWH:   s.UpCostPerKWH,
			DownCostPerKWH: s.DownCostPerKWH,
		}
		if sc.Shift.UpCapacityKW, err = load(s.UpCapacity); err != nil {
			return sc, fmt.Errorf("failed to load shift up capacity: %w", err)
		}
		if sc.Shift.DownCapacityKW, err = load(s.DownCapacity); err != nil {
			return sc, fmt.Errorf("failed to load shift down capacity: %w", err)
		}
	}

	if err := sc.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", types.ErrConfiguration, s)
	}
	return t, nil
}

// LoadSeries reads a CSV series file.
func LoadSeries(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	values, err := ReadSeries(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return values, nil
}

// ReadSeries reads one value per CSV record. The value is the last column so
// files may carry a leading timestamp column. A non-numeric first record is
// treated as a header.
func ReadSeries(r io.Reader) ([]float64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var out []float64
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
		}
		field := strings.TrimSpace(rec[len(rec)-1])
		if field == "" && len(rec) == 1 {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%w: line %d: invalid value %q", types.ErrConfiguration, line, field)
		}
		out = append(out, v)
	}
	return out, nil
}
