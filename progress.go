package docexport

import (
	"log/slog"
	"sync"
	"time"
)

// FailedJob is a document that ended in StateFailed.
type FailedJob struct {
	Document Document  `json:"document" yaml:"document"`
	Code     ErrorCode `json:"code,omitempty" yaml:"code,omitempty"`
	Error    string    `json:"error" yaml:"error"`
}

// Tracker accumulates run counters and decides when to report and when to
// checkpoint. It is safe for concurrent use by several sessions.
type Tracker struct {
	clock           Clock
	logger          *slog.Logger
	reportEvery     int
	checkpointEvery int

	mu        sync.Mutex
	start     time.Time
	completed int
	success   int
	failure   int
	processed int
	failed    []FailedJob
	results   []ExportResult
}

// NewTracker creates a tracker. A non-positive interval disables that
// periodic action.
func NewTracker(clock Clock, logger *slog.Logger, reportEvery, checkpointEvery int) *Tracker {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		clock:           clock,
		logger:          logger,
		reportEvery:     reportEvery,
		checkpointEvery: checkpointEvery,
		start:           clock.Now(),
	}
}

// Restore seeds the counters from a prior snapshot so a resumed run keeps
// counting from where it stopped.
func (t *Tracker) Restore(s *ProgressSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = s.Completed
	t.success = s.Success
	t.failure = s.Failure
	t.failed = append([]FailedJob(nil), s.Failed...)
}

// Record counts a terminal result. remaining is the queue length after the
// document. It reports whether a checkpoint is due.
func (t *Tracker) Record(r ExportResult, remaining int) (checkpointDue bool) {
	t.mu.Lock()
	t.completed++
	t.processed++
	if r.Success() {
		t.success++
	} else {
		t.failure++
		t.failed = append(t.failed, FailedJob{Document: r.Document, Code: r.Code, Error: r.Error})
	}
	t.results = append(t.results, r)
	report := t.reportEvery > 0 && t.processed%t.reportEvery == 0
	checkpointDue = t.checkpointEvery > 0 && t.processed%t.checkpointEvery == 0
	t.mu.Unlock()

	if report {
		t.LogProgress(remaining)
	}
	return checkpointDue
}

// LogProgress emits the progress line.
func (t *Tracker) LogProgress(remaining int) {
	t.mu.Lock()
	elapsed := t.clock.Now().Sub(t.start)
	completed, success, failure, processed := t.completed, t.success, t.failure, t.processed
	t.mu.Unlock()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(processed) / elapsed.Minutes()
	}
	t.logger.Info("export progress",
		"completed", completed,
		"success", success,
		"failure", failure,
		"remaining", remaining,
		"elapsed", elapsed.Round(time.Second).String(),
		"docs_per_min", float64(int(rate*100))/100)
}

// Counts returns completed, success and failure totals, including any
// restored base.
func (t *Tracker) Counts() (completed, success, failure int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.success, t.failure
}

// Failed returns all failed jobs, including restored ones.
func (t *Tracker) Failed() []FailedJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]FailedJob(nil), t.failed...)
}

// Results returns the results recorded during this run.
func (t *Tracker) Results() []ExportResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ExportResult(nil), t.results...)
}

// Snapshot captures the counters and the given remaining queue.
func (t *Tracker) Snapshot(runID string, remaining []Document) *ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &ProgressSnapshot{
		Version:   SnapshotVersion,
		RunID:     runID,
		Timestamp: t.clock.Now().UTC(),
		Completed: t.completed,
		Success:   t.success,
		Failure:   t.failure,
		Remaining: append([]Document{}, remaining...),
		Failed:    append([]FailedJob{}, t.failed...),
	}
}
