package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/dersched/pkg/log"
	"github.com/raterudder/dersched/pkg/types"
)

// rows stored per results document, keeps documents well under the size limit
const firestoreChunkSize = 1000

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Runs live in the "runs" collection and their rows in chunked
// documents of a "results" subcollection.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.projectID == "" && os.Getenv("FIRESTORE_EMULATOR_HOST") != "" {
		return errors.New("firestore-project-id is required with the emulator")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) runDoc(id string) (*firestore.DocumentRef, error) {
	if id == "" {
		return nil, fmt.Errorf("run id cannot be empty")
	}
	return f.client.Collection("runs").Doc(id), nil
}

func docJSON(ctx context.Context, doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("path", doc.Ref.Path))
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// SaveRun stores the run as a JSON blob next to its creation time.
func (f *FirestoreProvider) SaveRun(ctx context.Context, run types.Run) error {
	ref, err := f.runDoc(run.ID)
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	_, err = ref.Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"created": run.Created,
	})
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (f *FirestoreProvider) GetRun(ctx context.Context, id string) (types.Run, error) {
	ref, err := f.runDoc(id)
	if err != nil {
		return types.Run{}, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Run{}, ErrRunNotFound
		}
		return types.Run{}, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	var run types.Run
	if err := docJSON(ctx, doc, &run); err != nil {
		return types.Run{}, err
	}
	return run, nil
}

// ListRuns retrieves every run, newest first.
func (f *FirestoreProvider) ListRuns(ctx context.Context) ([]types.Run, error) {
	iter := f.client.Collection("runs").OrderBy("created", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var runs []types.Run
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating runs: %w", err)
		}
		var run types.Run
		if err := docJSON(ctx, doc, &run); err != nil {
			// Skip malformed documents
			continue
		}
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

// AppendResults writes the rows in chunks. Each chunk document is named after
// the zero-padded index of its first row so ordering by document ID yields the
// rows in index order.
func (f *FirestoreProvider) AppendResults(ctx context.Context, runID string, rows []types.ResultRow) error {
	ref, err := f.runDoc(runID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	coll := ref.Collection("results")

	bw := f.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for start := 0; start < len(rows); start += firestoreChunkSize {
		chunk := rows[start:min(start+firestoreChunkSize, len(rows))]
		jsonBytes, err := json.Marshal(chunk)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		job, err := bw.Set(coll.Doc(fmt.Sprintf("%09d", chunk[0].Index)), map[string]interface{}{
			"json":  string(jsonBytes),
			"first": chunk[0].Index,
			"count": len(chunk),
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue results: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to write results: %w", err)
		}
	}
	return nil
}

// GetResults reads every chunk of a run in document ID order.
func (f *FirestoreProvider) GetResults(ctx context.Context, runID string) ([]types.ResultRow, error) {
	if _, err := f.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	ref, err := f.runDoc(runID)
	if err != nil {
		return nil, err
	}
	iter := ref.Collection("results").OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var rows []types.ResultRow
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating results: %w", err)
		}
		var chunk []types.ResultRow
		if err := docJSON(ctx, doc, &chunk); err != nil {
			return nil, err
		}
		rows = append(rows, chunk...)
	}
	return rows, nil
}
