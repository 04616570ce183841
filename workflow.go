package docexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// State is a step of the per-document export workflow.
type State string

const (
	StateNavigate          State = "navigate"
	StateOpenShareSurface  State = "open_share_surface"
	StateOpenExportSurface State = "open_export_surface"
	StateTriggerExport     State = "trigger_export"
	StateAwaitArtifact     State = "await_artifact"
	StatePersist           State = "persist"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Terminal reports whether s ends a job.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// ExportJob is one document moving through the export loop.
type ExportJob struct {
	Document   Document
	State      State
	Attempts   int
	Cooldowns  int
	LastError  error
	ResultPath string
	Pages      int
	Skipped    bool

	started time.Time
}

// NewExportJob returns a job positioned before its first step.
func NewExportJob(doc Document) *ExportJob {
	return &ExportJob{Document: doc, State: StateNavigate}
}

// Timeouts bound the UI steps of the workflow.
type Timeouts struct {
	// Strategy bounds each individual strategy lookup.
	Strategy time.Duration
	// Surface bounds the whole export-surface step.
	Surface time.Duration
	// Artifact is the base wait for a generated file.
	Artifact time.Duration
	// ArtifactPerPage is added to Artifact for each page of the size hint.
	ArtifactPerPage time.Duration
	// ArtifactMax caps the artifact wait.
	ArtifactMax time.Duration
}

// DefaultTimeouts returns the default step timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Strategy:        3 * time.Second,
		Surface:         10 * time.Second,
		Artifact:        60 * time.Second,
		ArtifactPerPage: 2 * time.Second,
		ArtifactMax:     5 * time.Minute,
	}
}

// ArtifactTimeout returns the artifact wait for a document of the given
// size hint.
func (t Timeouts) ArtifactTimeout(sizeHint int) time.Duration {
	d := t.Artifact + time.Duration(max(sizeHint, 0))*t.ArtifactPerPage
	if t.ArtifactMax > 0 && d > t.ArtifactMax {
		d = t.ArtifactMax
	}
	return d
}

// ArtifactVerifier checks a persisted file and returns its page count.
type ArtifactVerifier interface {
	Verify(ctx context.Context, path string) (pages int, err error)
}

// Mirror receives a copy of every persisted artifact.
type Mirror interface {
	Name() string
	Put(ctx context.Context, key, localPath string) error
}

// Workflow drives the export steps for one document on one Driver.
type Workflow struct {
	driver     Driver
	strategies StrategySet
	timeouts   Timeouts
	dest       string
	verifier   ArtifactVerifier
	mirrors    []Mirror
	logger     *slog.Logger
}

// NewWorkflow creates a workflow that persists artifacts under dest.
func NewWorkflow(d Driver, dest string, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		driver:     d,
		strategies: DefaultStrategies(),
		timeouts:   DefaultTimeouts(),
		dest:       dest,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// WorkflowOption configures a [Workflow].
type WorkflowOption func(*Workflow)

// WorkflowStrategies overrides the strategy lists. Empty lists keep the defaults.
func WorkflowStrategies(s StrategySet) WorkflowOption {
	return func(w *Workflow) { w.strategies = s.merged() }
}

// WorkflowTimeouts overrides the step timeouts.
func WorkflowTimeouts(t Timeouts) WorkflowOption {
	return func(w *Workflow) { w.timeouts = t }
}

// WorkflowVerifier checks each persisted artifact.
func WorkflowVerifier(v ArtifactVerifier) WorkflowOption {
	return func(w *Workflow) { w.verifier = v }
}

// WorkflowMirrors copies each persisted artifact to ms.
func WorkflowMirrors(ms ...Mirror) WorkflowOption {
	return func(w *Workflow) { w.mirrors = append(w.mirrors, ms...) }
}

// WorkflowLogger sets the logger.
func WorkflowLogger(l *slog.Logger) WorkflowOption {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// Destination returns the local path a document is persisted to.
func (w *Workflow) Destination(doc Document) string {
	return filepath.Join(w.dest, Filename(doc))
}

// Run drives job from Navigate to Done. Steps only move forward; on any
// failure the job is left in StateFailed and a classified error is
// returned so the caller can decide whether to restart from Navigate.
//
// Once the export has been triggered, the remaining steps ignore
// cancellation of ctx and are bounded by their own timeouts instead.
func (w *Workflow) Run(ctx context.Context, job *ExportJob) (err error) {
	doc := job.Document
	log := w.logger.With("document", doc.ID, "attempt", job.Attempts)
	defer func() {
		if err != nil {
			log.Debug("workflow step failed", "state", job.State, "error", err)
			job.State = StateFailed
		}
	}()

	job.State = StateNavigate
	if _, err := w.driver.Navigate(ctx, doc.ID); err != nil {
		return w.stepError(ctx, StateNavigate, CodeNavigation, err)
	}
	redirected, err := w.driver.CurrentLocationIndicatesAuthRedirect(ctx)
	if err != nil {
		return w.stepError(ctx, StateNavigate, CodeNavigation, err)
	}
	if redirected {
		return newError(CodeSessionExpired, StateNavigate, "document load redirected to authentication")
	}
	if err := w.checkRateLimit(ctx, StateNavigate); err != nil {
		return err
	}

	job.State = StateOpenShareSurface
	if err := w.openShareSurface(ctx); err != nil {
		return err
	}

	job.State = StateOpenExportSurface
	if err := w.openExportSurface(ctx); err != nil {
		return err
	}

	job.State = StateTriggerExport
	waiter, err := w.driver.ArmDownload(ctx)
	if err != nil {
		return w.stepError(ctx, StateTriggerExport, CodeNavigation, fmt.Errorf("arming download: %w", err))
	}
	defer waiter.Cancel()
	ok, err := w.driver.FindAndClick(ctx, w.strategies.ExportPDF, w.timeouts.Strategy)
	if err != nil {
		return w.stepError(ctx, StateTriggerExport, CodeExportButtonNotFound, err)
	}
	if !ok {
		return newError(CodeExportButtonNotFound, StateTriggerExport, "no PDF export strategy matched")
	}

	actx := context.WithoutCancel(ctx)

	job.State = StateAwaitArtifact
	timeout := w.timeouts.ArtifactTimeout(doc.SizeHint)
	art, err := waiter.WaitForDownloadArtifact(actx, timeout)
	if err != nil {
		return w.stepError(actx, StateAwaitArtifact, CodeExportTimeout, err)
	}
	if art == nil {
		return newError(CodeExportTimeout, StateAwaitArtifact, "no artifact within %s", timeout)
	}

	job.State = StatePersist
	dest := w.Destination(doc)
	if w.verifier == nil {
		if err := w.driver.SaveArtifact(actx, art, dest); err != nil {
			return &ExportError{Code: CodePersist, Step: StatePersist, Err: err}
		}
	} else {
		pages, err := w.persistVerified(actx, art, dest)
		if err != nil {
			return err
		}
		job.Pages = pages
	}
	for _, m := range w.mirrors {
		if err := m.Put(actx, Filename(doc), dest); err != nil {
			log.Warn("mirror upload failed", "mirror", m.Name(), "error", err)
		}
	}

	job.ResultPath = dest
	job.State = StateDone
	log.Info("exported", "path", dest, "bytes", art.Len(), "pages", job.Pages)
	return nil
}

// persistVerified saves art next to dest, verifies the staged copy and
// moves it over dest only when it passes, so a bad export never replaces a
// good file from an earlier run.
func (w *Workflow) persistVerified(ctx context.Context, art *Artifact, dest string) (int, error) {
	staged := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".staged")
	defer func() {
		if err := os.Remove(staged); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("removing staged artifact", "path", staged, "error", err)
		}
	}()
	if err := w.driver.SaveArtifact(ctx, art, staged); err != nil {
		return 0, &ExportError{Code: CodePersist, Step: StatePersist, Err: err}
	}
	pages, err := w.verifier.Verify(ctx, staged)
	if err != nil {
		return 0, &ExportError{Code: CodeInvalidArtifact, Step: StatePersist, Err: err}
	}
	if err := os.Rename(staged, dest); err != nil {
		return 0, &ExportError{Code: CodePersist, Step: StatePersist, Err: err}
	}
	return pages, nil
}

// openShareSurface tries the direct share strategies, then the menu
// fallback.
func (w *Workflow) openShareSurface(ctx context.Context) error {
	ok, err := w.driver.FindAndClick(ctx, w.strategies.Share, w.timeouts.Strategy)
	if err != nil {
		return w.stepError(ctx, StateOpenShareSurface, CodeShareSurfaceNotFound, err)
	}
	if ok {
		return nil
	}

	ok, err = w.driver.FindAndClick(ctx, w.strategies.ShareMenu, w.timeouts.Strategy)
	if err != nil {
		return w.stepError(ctx, StateOpenShareSurface, CodeShareSurfaceNotFound, err)
	}
	if ok {
		ok, err = w.driver.FindAndClick(ctx, w.strategies.ShareItem, w.timeouts.Strategy)
		if err != nil {
			return w.stepError(ctx, StateOpenShareSurface, CodeShareSurfaceNotFound, err)
		}
		if ok {
			return nil
		}
	}

	// A missing share control is often the first visible symptom of throttling.
	if err := w.checkRateLimit(ctx, StateOpenShareSurface); err != nil {
		return err
	}
	return newError(CodeShareSurfaceNotFound, StateOpenShareSurface, "no share strategy matched")
}

func (w *Workflow) openExportSurface(ctx context.Context) error {
	sctx := ctx
	if w.timeouts.Surface > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, w.timeouts.Surface)
		defer cancel()
	}
	ok, err := w.driver.FindAndClick(sctx, w.strategies.ExportTab, w.timeouts.Strategy)
	if err != nil {
		return w.stepError(ctx, StateOpenExportSurface, CodeExportSurfaceNotFound, err)
	}
	if !ok {
		return newError(CodeExportSurfaceNotFound, StateOpenExportSurface, "no export tab strategy matched")
	}
	return nil
}

func (w *Workflow) checkRateLimit(ctx context.Context, step State) error {
	det, ok := w.driver.(RateLimitDetector)
	if !ok {
		return nil
	}
	limited, err := det.RateLimited(ctx)
	if err != nil || !limited {
		return nil
	}
	return newError(CodeRateLimited, step, "service reported throttling")
}

// stepError classifies a driver error raised during step. Errors the
// driver already classified keep their code; cancellation of ctx is
// returned as is.
func (w *Workflow) stepError(ctx context.Context, step State, code ErrorCode, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ee *ExportError
	if errors.As(err, &ee) {
		if ee.Step == "" {
			return &ExportError{Code: ee.Code, Step: step, Err: ee.Err}
		}
		return err
	}
	return &ExportError{Code: code, Step: step, Err: err}
}
