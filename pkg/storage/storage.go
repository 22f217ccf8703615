// Package storage persists simulation runs and their result rows.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/dersched/pkg/types"
)

var (
	ErrRunNotFound = errors.New("run not found")
)

// Database defines the interface for persisting runs and their results.
type Database interface {
	// SaveRun creates or replaces a run.
	SaveRun(ctx context.Context, run types.Run) error
	GetRun(ctx context.Context, id string) (types.Run, error)
	// ListRuns returns every run, newest first.
	ListRuns(ctx context.Context) ([]types.Run, error)

	// AppendResults adds rows after the existing rows of a run.
	AppendResults(ctx context.Context, runID string, rows []types.ResultRow) error
	// GetResults returns every row of a run in index order.
	GetResults(ctx context.Context, runID string) ([]types.ResultRow, error)

	// Lifecycle
	Close() error
}

// Sink appends the rows of every solved segment to a run.
type Sink struct {
	db    Database
	runID string
}

// NewSink returns a Sink writing to the given run.
func NewSink(db Database, runID string) *Sink {
	return &Sink{db: db, runID: runID}
}

// AppendResults implements simulator.Sink.
func (s *Sink) AppendResults(ctx context.Context, rows []types.ResultRow) error {
	return s.db.AppendResults(ctx, s.runID, rows)
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "csv", "Storage provider to use (available: csv, sqlite, firestore)")

	var p struct{ Database }

	cs := configuredCSV()
	sq := configuredSQLite()
	fs := configuredFirestore()

	lflag.Do(func() {
		ctx := context.Background()
		switch *provider {
		case "csv":
			if err := cs.Init(ctx); err != nil {
				panic(fmt.Sprintf("csv init failed: %v", err))
			}
			p.Database = cs
		case "sqlite":
			if err := sq.Init(ctx); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
			p.Database = sq
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(ctx); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
