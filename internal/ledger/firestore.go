package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"cloud.google.com/go/firestore"

	docexport "github.com/porticus-lab/go-doc-export"
)

// DefaultCollection is the Firestore collection holding run documents.
const DefaultCollection = "exportRuns"

// Firestore records runs as documents of a collection, with each run's
// results in a "results" subcollection.
type Firestore struct {
	client     *firestore.Client
	collection string
}

var _ docexport.Ledger = (*Firestore)(nil)

// NewFirestore creates a Firestore ledger for the given project. An empty
// collection selects DefaultCollection.
func NewFirestore(ctx context.Context, projectID, collection string) (*Firestore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("ledger: projectID must be provided to create a firestore client")
	}
	if collection == "" {
		collection = DefaultCollection
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to create Firestore client: %w", err)
	}
	return &Firestore{client: client, collection: collection}, nil
}

// Close releases the client.
func (f *Firestore) Close() error { return f.client.Close() }

func (f *Firestore) run(runID string) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(runID)
}

// StartRun creates the run document.
func (f *Firestore) StartRun(ctx context.Context, run docexport.RunInfo) error {
	_, err := f.run(run.ID).Set(ctx, map[string]any{
		"runId":       run.ID,
		"startedAt":   run.StartedAt,
		"baseUrl":     run.BaseURL,
		"destination": run.Destination,
		"resumed":     run.Resumed,
		"status":      "running",
	})
	if err != nil {
		return fmt.Errorf("ledger: creating run document: %w", err)
	}
	return nil
}

// RecordResult writes the result under the run's results subcollection.
func (f *Firestore) RecordResult(ctx context.Context, runID string, r docexport.ExportResult) error {
	// Canonical ids are URLs; document ids may not contain slashes.
	_, err := f.run(runID).Collection("results").Doc(resultKey(r.Document.ID)).Set(ctx, map[string]any{
		"documentId": r.Document.ID,
		"title":      r.Document.Title,
		"folder":     r.Document.Folder(),
		"state":      string(r.State),
		"attempts":   r.Attempts,
		"path":       r.Path,
		"pages":      r.Pages,
		"skipped":    r.Skipped,
		"code":       string(r.Code),
		"error":      r.Error,
		"durationMs": r.Duration.Milliseconds(),
		"recordedAt": firestore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("ledger: recording result: %w", err)
	}
	return nil
}

// FinishRun updates the run document with its final counts, status and
// run error.
func (f *Firestore) FinishRun(ctx context.Context, runID string, rep *docexport.Report) error {
	updates := []firestore.Update{
		{Path: "status", Value: rep.Status()},
		{Path: "error", Value: rep.Error},
		{Path: "finishedAt", Value: rep.FinishedAt},
		{Path: "discovered", Value: rep.Discovered},
		{Path: "completed", Value: rep.Completed},
		{Path: "success", Value: rep.Success},
		{Path: "failure", Value: rep.Failure},
		{Path: "remaining", Value: rep.Remaining},
	}
	if _, err := f.run(runID).Update(ctx, updates); err != nil {
		return fmt.Errorf("ledger: finishing run: %w", err)
	}
	return nil
}

func resultKey(documentID string) string {
	sum := sha256.Sum256([]byte(documentID))
	return hex.EncodeToString(sum[:16])
}
