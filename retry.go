package docexport

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ExportResult summarises a job that reached a terminal state.
type ExportResult struct {
	Document Document      `json:"document" yaml:"document"`
	State    State         `json:"state" yaml:"state"`
	Attempts int           `json:"attempts" yaml:"attempts"`
	Path     string        `json:"path,omitempty" yaml:"path,omitempty"`
	Pages    int           `json:"pages,omitempty" yaml:"pages,omitempty"`
	Skipped  bool          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Code     ErrorCode     `json:"code,omitempty" yaml:"code,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Success reports whether the document was exported or already present.
func (r ExportResult) Success() bool { return r.State == StateDone }

// Result summarises job.
func (job *ExportJob) Result(now time.Time) ExportResult {
	r := ExportResult{
		Document: job.Document,
		State:    job.State,
		Attempts: job.Attempts,
		Path:     job.ResultPath,
		Pages:    job.Pages,
		Skipped:  job.Skipped,
	}
	if !job.started.IsZero() {
		r.Duration = now.Sub(job.started)
	}
	if job.State != StateDone && job.LastError != nil {
		r.Code = CodeOf(job.LastError)
		r.Error = job.LastError.Error()
	}
	return r
}

// RetryPolicy re-runs a [Workflow] according to the class of each failure.
type RetryPolicy struct {
	workflow     *Workflow
	limiter      *RateLimiter
	clock        Clock
	maxRetries   int
	maxCooldowns int
	logger       *slog.Logger
}

// NewRetryPolicy creates a policy that allows maxRetries charged attempts
// per document and at most maxCooldowns uncharged rate-limit cooldowns.
func NewRetryPolicy(w *Workflow, l *RateLimiter, maxRetries, maxCooldowns int, logger *slog.Logger) *RetryPolicy {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPolicy{
		workflow:     w,
		limiter:      l,
		clock:        l.clock,
		maxRetries:   maxRetries,
		maxCooldowns: maxCooldowns,
		logger:       logger,
	}
}

// Run exports job, pacing every attempt through the rate limiter.
//
// A nil return means job reached a terminal state: StateDone, or
// StateFailed with LastError set. A non-nil return is either ctx's error
// or a session-expired error that the caller must escalate; in both cases
// the job has not been charged for the interrupted attempt.
func (p *RetryPolicy) Run(ctx context.Context, job *ExportJob) error {
	if job.started.IsZero() {
		job.started = p.clock.Now()
	}
	log := p.logger.With("document", job.Document.ID)

	for job.Attempts < p.maxRetries {
		if err := p.limiter.WaitForNextSlot(ctx); err != nil {
			return err
		}
		job.Attempts++

		err := p.workflow.Run(ctx, job)
		if err == nil {
			p.limiter.HandleSuccess()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			job.Attempts--
			job.State = StateNavigate
			return err
		}
		job.LastError = err

		switch Classify(err) {
		case ClassRateLimited:
			if job.Cooldowns < p.maxCooldowns {
				job.Cooldowns++
				job.Attempts--
				if err := p.limiter.ApplyCooldown(ctx); err != nil {
					job.State = StateNavigate
					return err
				}
				continue
			}
			log.Warn("cooldown limit reached, charging rate limit as a failed attempt",
				"cooldowns", job.Cooldowns)
			p.limiter.HandleError()

		case ClassSessionExpired:
			job.Attempts--
			job.State = StateNavigate
			return err

		case ClassTransient:
			p.limiter.HandleError()
			log.Warn("export attempt failed, retrying",
				"attempt", job.Attempts,
				"max_retries", p.maxRetries,
				"code", CodeOf(err),
				"error", err)

		default:
			job.State = StateFailed
			log.Error("export failed", "attempt", job.Attempts, "error", err)
			return nil
		}
	}

	job.State = StateFailed
	log.Error("export failed after retries", "attempts", job.Attempts, "error", job.LastError)
	return nil
}
