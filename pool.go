package docexport

import (
	"context"
	"sync"
)

// Session is one authenticated browser that exports documents. Sessions
// never share a Driver.
type Session struct {
	Name   string
	Driver Driver
	Auth   Authenticator
}

// workQueue is the remaining work shared by all sessions. Jobs handed out
// but not yet finished stay visible to Remaining so a checkpoint taken
// mid-run never loses them.
type workQueue struct {
	mu       sync.Mutex
	pending  []*ExportJob
	inflight []*ExportJob
}

func newWorkQueue(docs []Document) *workQueue {
	q := &workQueue{pending: make([]*ExportJob, 0, len(docs))}
	for _, d := range docs {
		q.pending = append(q.pending, NewExportJob(d))
	}
	return q
}

// next hands out the job at the head of the queue.
func (q *workQueue) next() (*ExportJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight = append(q.inflight, job)
	return job, true
}

// done removes a finished job from the in-flight set.
func (q *workQueue) done(job *ExportJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeInflight(job)
}

// requeue puts an unfinished job back at the head of the queue.
func (q *workQueue) requeue(job *ExportJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeInflight(job)
	q.pending = append([]*ExportJob{job}, q.pending...)
}

func (q *workQueue) removeInflight(job *ExportJob) {
	for i, j := range q.inflight {
		if j == job {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			return
		}
	}
}

// len returns the number of jobs not yet finished.
func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

// remaining returns the documents not yet finished, in-flight first.
func (q *workQueue) remaining() []Document {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Document, 0, len(q.inflight)+len(q.pending))
	for _, j := range q.inflight {
		out = append(out, j.Document)
	}
	for _, j := range q.pending {
		out = append(out, j.Document)
	}
	return out
}

// worker binds a Session to its own limiter and retry policy.
type worker struct {
	session  Session
	limiter  *RateLimiter
	workflow *Workflow
	retry    *RetryPolicy
	reauths  int
}

func (o *Orchestrator) newWorker(s Session) *worker {
	log := o.cfg.logger
	if s.Name != "" {
		log = log.With("session", s.Name)
	}
	limiter := NewRateLimiter(o.cfg.rate, o.cfg.clock, o.cfg.rand, log)
	wf := NewWorkflow(s.Driver, o.cfg.dest,
		WorkflowStrategies(o.cfg.strategies),
		WorkflowTimeouts(o.cfg.timeouts),
		WorkflowVerifier(o.cfg.verifier),
		WorkflowMirrors(o.cfg.mirrors...),
		WorkflowLogger(log),
	)
	return &worker{
		session:  s,
		limiter:  limiter,
		workflow: wf,
		retry:    NewRetryPolicy(wf, limiter, o.cfg.maxRetries, o.cfg.maxCooldowns, log),
	}
}

// authenticate runs the session's authenticator, if any.
func (w *worker) authenticate(ctx context.Context) error {
	if w.session.Auth == nil {
		return nil
	}
	return w.session.Auth.Authenticate(ctx, w.session.Driver)
}
