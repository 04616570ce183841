package docexport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrDiscovery wraps a discovery phase that could not complete.
var ErrDiscovery = errors.New("docexport: discovery failed")

// RunInfo describes a run to a [Ledger].
type RunInfo struct {
	ID          string
	StartedAt   time.Time
	BaseURL     string
	Destination string
	Resumed     bool
}

// Ledger records runs and their results outside the checkpoint. Ledger
// errors are logged and never fail a run.
type Ledger interface {
	StartRun(ctx context.Context, run RunInfo) error
	RecordResult(ctx context.Context, runID string, r ExportResult) error
	FinishRun(ctx context.Context, runID string, rep *Report) error
}

// Report is the outcome of a run.
type Report struct {
	RunID      string         `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time      `json:"finished_at" yaml:"finished_at"`
	Resumed    bool           `json:"resumed,omitempty" yaml:"resumed,omitempty"`
	Discovered int            `json:"discovered" yaml:"discovered"`
	Completed  int            `json:"completed" yaml:"completed"`
	Success    int            `json:"success" yaml:"success"`
	Failure    int            `json:"failure" yaml:"failure"`
	Remaining  int            `json:"remaining" yaml:"remaining"`
	Aborted    bool           `json:"aborted,omitempty" yaml:"aborted,omitempty"`
	Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
	Failed     []FailedJob    `json:"failed,omitempty" yaml:"failed,omitempty"`
	Skipped    []FolderError  `json:"skipped_folders,omitempty" yaml:"skipped_folders,omitempty"`
	Results    []ExportResult `json:"results,omitempty" yaml:"results,omitempty"`
}

// Run statuses reported by [Report.Status].
const (
	RunFinished = "finished"
	RunAborted  = "aborted"
	RunFailed   = "failed"
)

// Status summarises how the run ended: aborted by cancellation, failed with
// a run-level error such as an exhausted re-authentication budget, or
// finished with the queue processed.
func (r *Report) Status() string {
	switch {
	case r.Aborted:
		return RunAborted
	case r.Error != "":
		return RunFailed
	default:
		return RunFinished
	}
}

// Orchestrator runs a bulk export: authenticate, discover, export every
// document under pacing and retry, checkpoint, and report.
//
// An Orchestrator is built for one run. Create a new one for each run.
type Orchestrator struct {
	cfg     config
	primary Session
}

// New creates an Orchestrator exporting through d. auth may be nil when
// the driver is already signed in.
func New(d Driver, auth Authenticator, opts ...Option) (*Orchestrator, error) {
	if d == nil {
		return nil, errors.New("docexport: nil driver")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.baseURL == "" && cfg.resume == nil {
		return nil, errors.New("docexport: base URL is required unless resuming")
	}
	if cfg.discovery.RootURL == "" {
		cfg.discovery.RootURL = cfg.baseURL
	}
	if cfg.maxRetries < 1 {
		return nil, fmt.Errorf("docexport: max retries must be at least 1, got %d", cfg.maxRetries)
	}
	if cfg.rate.RequestsPerMinute < 0 || cfg.rate.MinDelay < 0 {
		return nil, errors.New("docexport: rate limit values must not be negative")
	}
	if cfg.resume != nil {
		if err := cfg.resume.Validate(); err != nil {
			return nil, err
		}
	}
	for i, w := range cfg.workers {
		if w.Driver == nil {
			return nil, fmt.Errorf("docexport: worker %d has no driver", i)
		}
	}
	return &Orchestrator{
		cfg:     cfg,
		primary: Session{Name: "primary", Driver: d, Auth: auth},
	}, nil
}

// Discover authenticates and crawls the library without exporting.
func (o *Orchestrator) Discover(ctx context.Context) (*DiscoveryResult, error) {
	w := o.newWorker(o.primary)
	if err := w.authenticate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return o.discover(ctx, w)
}

func (o *Orchestrator) discover(ctx context.Context, w *worker) (*DiscoveryResult, error) {
	disc, err := NewDiscovery(w.session.Driver, o.cfg.discovery, o.cfg.strategies, NewDedupSet(), o.cfg.logger)
	if err != nil {
		return nil, err
	}
	res, err := disc.Discover(ctx, o.cfg.rootFolders)
	if errors.Is(err, ErrSessionExpired) {
		o.cfg.logger.Warn("session expired during discovery, re-authenticating")
		if aerr := w.authenticate(ctx); aerr != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, aerr)
		}
		res, err = disc.Discover(ctx, o.cfg.rootFolders)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	return res, nil
}

// Run executes the export. The returned report is non-nil whenever the run
// got as far as authenticating, even when an error is returned.
//
// Individual document failures do not fail the run; they appear in
// Report.Failed. Run returns an error for authentication failure, for
// discovery failure or an empty library, and when ctx is cancelled, in
// which case a final checkpoint is written first.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	log := o.cfg.logger
	rep := &Report{
		RunID:     uuid.NewString(),
		StartedAt: o.cfg.clock.Now(),
	}
	log = log.With("run_id", rep.RunID)

	if o.cfg.dest != "" {
		if err := os.MkdirAll(o.cfg.dest, 0o755); err != nil {
			return rep, fmt.Errorf("docexport: creating destination: %w", err)
		}
	}

	workers := []*worker{o.newWorker(o.primary)}
	for _, s := range o.cfg.workers {
		workers = append(workers, o.newWorker(s))
	}
	primary := workers[0]
	if err := primary.authenticate(ctx); err != nil {
		return rep, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	tracker := NewTracker(o.cfg.clock, log, o.cfg.reportEvery, o.cfg.checkpointEvery)
	var docs []Document
	if s := o.cfg.resume; s != nil {
		tracker.Restore(s)
		docs = s.Remaining
		rep.Resumed = true
		log.Info("resuming from checkpoint",
			"checkpoint_run_id", s.RunID,
			"completed", s.Completed,
			"remaining", len(s.Remaining))
	} else {
		res, err := o.discover(ctx, primary)
		if err != nil {
			return rep, err
		}
		docs = res.Documents
		rep.Skipped = res.Skipped
		if len(docs) == 0 {
			return rep, ErrNoDocuments
		}
	}
	rep.Discovered = len(docs)

	o.ledgerCall(ctx, "start run", func(ctx context.Context, l Ledger) error {
		return l.StartRun(ctx, RunInfo{
			ID:          rep.RunID,
			StartedAt:   rep.StartedAt,
			BaseURL:     o.cfg.baseURL,
			Destination: o.cfg.dest,
			Resumed:     rep.Resumed,
		})
	})

	q := newWorkQueue(docs)
	r := &run{o: o, id: rep.RunID, queue: q, tracker: tracker}

	var err error
	if len(workers) == 1 {
		err = r.drain(ctx, primary)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i, w := range workers {
			g.Go(func() error {
				if i > 0 {
					if err := w.authenticate(gctx); err != nil {
						return fmt.Errorf("%w: session %s: %w", ErrAuthentication, w.session.Name, err)
					}
				}
				return r.drain(gctx, w)
			})
		}
		err = g.Wait()
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}

	r.checkpoint(ctx)
	tracker.LogProgress(q.len())

	rep.FinishedAt = o.cfg.clock.Now()
	rep.Completed, rep.Success, rep.Failure = tracker.Counts()
	rep.Failed = tracker.Failed()
	rep.Results = tracker.Results()
	rep.Remaining = q.len()
	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		rep.Aborted = true
		log.Warn("run aborted", "remaining", rep.Remaining)
	case err != nil:
		rep.Error = err.Error()
		log.Error("run failed", "remaining", rep.Remaining, "error", err)
	}

	o.ledgerCall(ctx, "finish run", func(ctx context.Context, l Ledger) error {
		return l.FinishRun(ctx, rep.RunID, rep)
	})

	log.Info("run finished",
		"completed", rep.Completed,
		"success", rep.Success,
		"failure", rep.Failure,
		"remaining", rep.Remaining,
		"status", rep.Status())
	return rep, err
}

// ledgerCall runs fn against the ledger, ignoring cancellation of ctx and
// logging failures.
func (o *Orchestrator) ledgerCall(ctx context.Context, op string, fn func(context.Context, Ledger) error) {
	if o.cfg.ledger == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), o.cfg.ledger); err != nil {
		o.cfg.logger.Warn("ledger write failed", "op", op, "error", err)
	}
}

// run is the state shared by all workers of one Run.
type run struct {
	o       *Orchestrator
	id      string
	queue   *workQueue
	tracker *Tracker
}

// drain exports jobs from the shared queue until it is empty, ctx is done,
// or the session can no longer be re-authenticated.
func (r *run) drain(ctx context.Context, w *worker) error {
	cfg := r.o.cfg
	log := cfg.logger.With("run_id", r.id)
	if w.session.Name != "" {
		log = log.With("session", w.session.Name)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, ok := r.queue.next()
		if !ok {
			return nil
		}

		if cfg.skipExisting && job.Attempts == 0 {
			dest := w.workflow.Destination(job.Document)
			if _, err := os.Stat(dest); err == nil {
				job.State = StateDone
				job.Skipped = true
				job.ResultPath = dest
				log.Info("already exported, skipping", "document", job.Document.ID, "path", dest)
				r.finish(ctx, job)
				continue
			}
		}

		err := w.retry.Run(ctx, job)
		switch {
		case err == nil:
			if job.State == StateDone {
				w.reauths = 0
			}
			r.finish(ctx, job)

		case errors.Is(err, ErrSessionExpired):
			r.queue.requeue(job)
			w.reauths++
			if w.reauths > cfg.maxReauth {
				log.Error("session keeps expiring, giving up", "reauths", w.reauths-1)
				return fmt.Errorf("%w: session expired %d times in a row", ErrAuthentication, w.reauths)
			}
			log.Warn("session expired, re-authenticating",
				"document", job.Document.ID,
				"reauth", w.reauths)
			if aerr := w.authenticate(ctx); aerr != nil {
				return fmt.Errorf("%w: %w", ErrAuthentication, aerr)
			}

		default:
			r.queue.requeue(job)
			return err
		}
	}
}

// finish records a terminal job and checkpoints when due.
func (r *run) finish(ctx context.Context, job *ExportJob) {
	res := job.Result(r.o.cfg.clock.Now())
	r.queue.done(job)
	due := r.tracker.Record(res, r.queue.len())
	r.o.ledgerCall(ctx, "record result", func(ctx context.Context, l Ledger) error {
		return l.RecordResult(ctx, r.id, res)
	})
	if due {
		r.checkpoint(ctx)
	}
}

// checkpoint saves a snapshot of the remaining work. It runs even after ctx
// is cancelled so an aborted run can resume.
func (r *run) checkpoint(ctx context.Context) {
	store := r.o.cfg.checkpoint
	if store == nil {
		return
	}
	snap := r.tracker.Snapshot(r.id, r.queue.remaining())
	if err := store.Save(context.WithoutCancel(ctx), snap); err != nil {
		r.o.cfg.logger.Error("checkpoint failed", "error", err)
		return
	}
	r.o.cfg.logger.Debug("checkpoint written", "completed", snap.Completed, "remaining", len(snap.Remaining))
}
