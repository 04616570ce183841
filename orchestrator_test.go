package docexport_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docexport "github.com/porticus-lab/go-doc-export"
)

// librarySite has three folders holding 2, 3 and 1 documents, one of them
// filed twice.
func librarySite() site {
	top := []string{"A", "B", "C"}
	return site{
		"":  folderPage(top),
		"A": folderPage(top, 1, 2),
		"B": folderPage(top, 2, 3, 4),
		"C": folderPage(top, 5),
	}
}

func allDocs() []string {
	return []string{docURL(1), docURL(2), docURL(3), docURL(4), docURL(5)}
}

func newTestOrchestrator(t *testing.T, d docexport.Driver, auth docexport.Authenticator, opts ...docexport.Option) (*docexport.Orchestrator, string) {
	t.Helper()
	dest := t.TempDir()
	base := []docexport.Option{
		docexport.WithBaseURL(testRoot),
		docexport.WithDestination(dest),
		docexport.WithRateLimit(testRate()),
		docexport.WithClock(newFakeClock()),
		docexport.WithRandom(noJitter),
		docexport.WithLogger(discard()),
	}
	o, err := docexport.New(d, auth, append(base, opts...)...)
	require.NoError(t, err)
	return o, dest
}

func pdfFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.pdf"))
	require.NoError(t, err)
	return matches
}

func TestOrchestrator_Run_ExportsEveryDocumentOnce(t *testing.T) {
	d := newFakeDriver(librarySite())
	auth := &countingAuth{}
	led := &recordingLedger{}
	o, dest := newTestOrchestrator(t, d, auth, docexport.WithLedger(led))

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Discovered)
	assert.Equal(t, 5, rep.Completed)
	assert.Equal(t, 5, rep.Success)
	assert.Equal(t, 0, rep.Failure)
	assert.Equal(t, 0, rep.Remaining)
	assert.False(t, rep.Aborted)
	assert.Equal(t, docexport.RunFinished, rep.Status())
	assert.NotEmpty(t, rep.RunID)
	assert.Len(t, rep.Results, 5)

	assert.Equal(t, allDocs(), d.DocVisits())
	assert.Len(t, pdfFiles(t, dest), 5)
	assert.Equal(t, 1, auth.Calls())

	require.Len(t, led.runs, 1)
	assert.Equal(t, rep.RunID, led.runs[0].ID)
	assert.Equal(t, testRoot, led.runs[0].BaseURL)
	assert.Len(t, led.results, 5)
	require.NotNil(t, led.finished)
	assert.Equal(t, 5, led.finished.Completed)
}

func TestOrchestrator_Run_RecordsFailures(t *testing.T) {
	d := newFakeDriver(librarySite())
	d.Always(docURL(3), outTimeout)
	o, dest := newTestOrchestrator(t, d, nil, docexport.WithMaxRetries(2))

	rep, err := o.Run(context.Background())
	require.NoError(t, err, "document failures do not fail the run")
	assert.Equal(t, 5, rep.Completed)
	assert.Equal(t, 4, rep.Success)
	assert.Equal(t, 1, rep.Failure)
	assert.Equal(t, rep.Completed, rep.Success+rep.Failure)

	require.Len(t, rep.Failed, 1)
	assert.Equal(t, docURL(3), rep.Failed[0].Document.ID)
	assert.Equal(t, docexport.CodeExportTimeout, rep.Failed[0].Code)
	assert.Len(t, pdfFiles(t, dest), 4)

	visits := d.DocVisits()
	n := 0
	for _, v := range visits {
		if v == docURL(3) {
			n++
		}
	}
	assert.Equal(t, 2, n, "exactly max retries attempts")
}

func TestOrchestrator_Run_ReauthenticatesAndRequeuesAtHead(t *testing.T) {
	d := newFakeDriver(librarySite())
	d.Plan(docURL(2), outAuthRedirect)
	auth := &countingAuth{}
	o, _ := newTestOrchestrator(t, d, auth)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, auth.Calls())
	assert.Equal(t, 5, rep.Success)
	assert.Equal(t,
		[]string{docURL(1), docURL(2), docURL(2), docURL(3), docURL(4), docURL(5)},
		d.DocVisits())

	for _, r := range rep.Results {
		if r.Document.ID == docURL(2) {
			assert.Equal(t, 1, r.Attempts, "the expired attempt is not charged")
		}
	}
}

func TestOrchestrator_Run_GivesUpWhenSessionKeepsExpiring(t *testing.T) {
	d := newFakeDriver(librarySite())
	d.Always(docURL(1), outAuthRedirect)
	auth := &countingAuth{}
	led := &recordingLedger{}
	o, _ := newTestOrchestrator(t, d, auth, docexport.WithMaxReauth(2), docexport.WithLedger(led))

	rep, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, docexport.ErrAuthentication)
	assert.Equal(t, 3, auth.Calls())
	require.NotNil(t, rep)
	assert.Equal(t, 0, rep.Completed)
	assert.Equal(t, 5, rep.Remaining)
	assert.False(t, rep.Aborted)
	assert.Equal(t, docexport.RunFailed, rep.Status())
	assert.Equal(t, err.Error(), rep.Error)

	require.NotNil(t, led.finished)
	assert.Equal(t, docexport.RunFailed, led.finished.Status())
}

func TestOrchestrator_Run_ReauthenticatesDuringDiscovery(t *testing.T) {
	d := newFakeDriver(librarySite())
	d.dropLogin = true
	auth := &countingAuth{}
	o, dest := newTestOrchestrator(t, d, auth)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, auth.Calls())
	assert.Equal(t, 5, rep.Discovered)
	assert.Equal(t, 5, rep.Success)
	assert.Len(t, pdfFiles(t, dest), 5)
}

func TestOrchestrator_Run_AuthenticationFailure(t *testing.T) {
	d := newFakeDriver(librarySite())
	o, _ := newTestOrchestrator(t, d, &countingAuth{err: errors.New("cookies expired")})

	rep, err := o.Run(context.Background())
	assert.ErrorIs(t, err, docexport.ErrAuthentication)
	require.NotNil(t, rep)
	assert.Empty(t, d.DocVisits())
	assert.Equal(t, 0, d.RootVisits())
}

func TestOrchestrator_Run_NoDocuments(t *testing.T) {
	d := newFakeDriver(site{"": folderPage(nil)})
	o, _ := newTestOrchestrator(t, d, nil)

	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, docexport.ErrNoDocuments)
}

func TestOrchestrator_Run_DiscoveryFailure(t *testing.T) {
	d := newFakeDriver(librarySite())
	d.navErrs[testRoot] = 100
	o, _ := newTestOrchestrator(t, d, nil)

	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, docexport.ErrDiscovery)
}

func TestOrchestrator_Run_Resume(t *testing.T) {
	d := newFakeDriver(librarySite())
	snap := &docexport.ProgressSnapshot{
		Version:   docexport.SnapshotVersion,
		RunID:     "earlier-run",
		Completed: 3,
		Success:   3,
		Remaining: []docexport.Document{
			{ID: docURL(4), Title: "Document 4", FolderPath: []string{"B"}},
			{ID: docURL(5), Title: "Document 5", FolderPath: []string{"C"}},
		},
	}
	o, dest := newTestOrchestrator(t, d, nil, docexport.WithResume(snap))

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Resumed)
	assert.Equal(t, 2, rep.Discovered)
	assert.Equal(t, 5, rep.Completed)
	assert.Equal(t, 5, rep.Success)
	assert.Equal(t, 0, rep.Remaining)
	assert.Equal(t, []string{docURL(4), docURL(5)}, d.DocVisits())
	assert.Equal(t, 0, d.RootVisits(), "resuming skips discovery")
	assert.Len(t, pdfFiles(t, dest), 2)
}

func TestOrchestrator_Run_ResumeWithNothingLeft(t *testing.T) {
	d := newFakeDriver(librarySite())
	snap := &docexport.ProgressSnapshot{Completed: 4, Success: 3, Failure: 1}
	o, _ := newTestOrchestrator(t, d, nil, docexport.WithResume(snap))

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Completed)
	assert.Empty(t, d.DocVisits())
}

func TestOrchestrator_Run_CheckpointsAndAborts(t *testing.T) {
	fs := memfs.New()
	store := docexport.NewFileCheckpointStore(fs, "state/checkpoint.json")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel as soon as the first document has been persisted.
	m := &recordingMirror{put: cancel}
	d := newFakeDriver(librarySite())
	o, _ := newTestOrchestrator(t, d, nil,
		docexport.WithCheckpointStore(store),
		docexport.WithMirrors(m),
	)

	rep, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.True(t, rep.Aborted)
	assert.Equal(t, docexport.RunAborted, rep.Status())
	assert.Empty(t, rep.Error)
	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, 4, rep.Remaining)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, snap.RunID)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, []string{docURL(2), docURL(3), docURL(4), docURL(5)}, ids(snap.Remaining))

	// A fresh run resumes where the aborted one stopped.
	d2 := newFakeDriver(librarySite())
	o2, _ := newTestOrchestrator(t, d2, nil, docexport.WithResume(snap), docexport.WithCheckpointStore(store))
	rep2, err := o2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep2.Completed)
	assert.Equal(t, ids(snap.Remaining), d2.DocVisits())

	final, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, final.Completed)
	assert.Empty(t, final.Remaining)
}

func TestOrchestrator_Run_PeriodicCheckpoint(t *testing.T) {
	store := &countingStore{}
	o, _ := newTestOrchestrator(t, newFakeDriver(librarySite()), nil,
		docexport.WithCheckpointStore(store),
		docexport.WithCheckpointInterval(2),
	)

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	// After documents 2 and 4, plus the final one.
	assert.Equal(t, []int{2, 4, 5}, store.completed)
}

func TestOrchestrator_Run_SkipExisting(t *testing.T) {
	d := newFakeDriver(librarySite())
	dest := t.TempDir()
	existing := docexport.Document{ID: docURL(3), Title: "Document 3", FolderPath: []string{"B"}}
	path := filepath.Join(dest, docexport.Filename(existing))
	require.NoError(t, os.WriteFile(path, pdfBytes, 0o644))

	o, _ := newTestOrchestrator(t, d, nil, docexport.WithDestination(dest), docexport.WithSkipExisting())
	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Success)
	assert.NotContains(t, d.DocVisits(), docURL(3))

	i := slices.IndexFunc(rep.Results, func(r docexport.ExportResult) bool { return r.Document.ID == docURL(3) })
	require.GreaterOrEqual(t, i, 0)
	assert.True(t, rep.Results[i].Skipped)
	assert.Equal(t, path, rep.Results[i].Path)
}

func TestOrchestrator_Run_Workers(t *testing.T) {
	primary := newFakeDriver(librarySite())
	second := newFakeDriver(librarySite())
	pa, sa := &countingAuth{}, &countingAuth{}
	o, dest := newTestOrchestrator(t, primary, pa,
		docexport.WithWorkers(docexport.Session{Name: "second", Driver: second, Auth: sa}),
	)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Success)
	assert.Equal(t, 1, pa.Calls())
	assert.Equal(t, 1, sa.Calls())

	visits := append(primary.DocVisits(), second.DocVisits()...)
	slices.Sort(visits)
	assert.Equal(t, allDocs(), visits, "each document is exported by exactly one session")
	assert.Len(t, pdfFiles(t, dest), 5)
}

func TestOrchestrator_Discover(t *testing.T) {
	d := newFakeDriver(librarySite())
	auth := &countingAuth{}
	o, _ := newTestOrchestrator(t, d, auth)

	res, err := o.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, allDocs(), ids(res.Documents))
	assert.Equal(t, 1, auth.Calls())
	assert.Empty(t, d.DocVisits())
}

func TestNew_Validation(t *testing.T) {
	d := newFakeDriver(nil)
	tests := []struct {
		name   string
		driver docexport.Driver
		opts   []docexport.Option
	}{
		{"nil driver", nil, []docexport.Option{docexport.WithBaseURL(testRoot)}},
		{"no base url", d, nil},
		{"zero retries", d, []docexport.Option{docexport.WithBaseURL(testRoot), docexport.WithMaxRetries(0)}},
		{"negative rate", d, []docexport.Option{docexport.WithBaseURL(testRoot), docexport.WithRateLimit(docexport.RateLimitConfig{RequestsPerMinute: -1})}},
		{"worker without driver", d, []docexport.Option{docexport.WithBaseURL(testRoot), docexport.WithWorkers(docexport.Session{Name: "x"})}},
		{"inconsistent resume", d, []docexport.Option{docexport.WithResume(&docexport.ProgressSnapshot{Completed: 2, Success: 1})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := docexport.New(tt.driver, nil, tt.opts...)
			assert.Error(t, err)
		})
	}
}

// countingStore records the completed count of every saved snapshot.
type countingStore struct {
	completed []int
}

func (s *countingStore) Save(_ context.Context, snap *docexport.ProgressSnapshot) error {
	s.completed = append(s.completed, snap.Completed)
	return nil
}

func (s *countingStore) Load(context.Context) (*docexport.ProgressSnapshot, error) {
	return nil, docexport.ErrNoCheckpoint
}
