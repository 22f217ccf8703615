package simulator

import (
	"fmt"
	"time"

	"github.com/raterudder/dersched/pkg/types"
)

// Segment is one horizon of a simulation.
type Segment struct {
	Index       int
	Start       time.Time
	End         time.Time
	Granularity types.Granularity
}

// Name is used for models and solver log files.
func (s Segment) Name() string {
	return fmt.Sprintf("%s-%03d-%s", s.Granularity, s.Index, s.Start.Format("20060102"))
}

// LastDayOfMonth reports whether the segment ends on the last day of its
// month.
func (s Segment) LastDayOfMonth() bool {
	return s.End.AddDate(0, 0, 1).Month() != s.End.Month()
}

// Segments partitions the dates [start, end] into chronological,
// non-overlapping horizons.
func Segments(start, end time.Time, g types.Granularity) ([]Segment, error) {
	start, end = types.TruncateDay(start), types.TruncateDay(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: period end is before its start", types.ErrConfiguration)
	}
	var out []Segment
	add := func(s, e time.Time) {
		out = append(out, Segment{Index: len(out), Start: s, End: e, Granularity: g})
	}
	switch g {
	case types.GranularityDay:
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			add(d, d)
		}
	case types.GranularityMonth:
		for s := start; !s.After(end); {
			e := time.Date(s.Year(), s.Month()+1, 0, 0, 0, 0, 0, time.UTC)
			if e.After(end) {
				e = end
			}
			add(s, e)
			s = e.AddDate(0, 0, 1)
		}
	case types.GranularityYear:
		add(start, end)
	default:
		return nil, fmt.Errorf("%w: unknown granularity %q", types.ErrConfiguration, g)
	}
	return out, nil
}
