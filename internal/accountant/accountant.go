// Package accountant tracks submitted jobs through their lifecycle and
// reconciles what the scheduler reports with what each job's log says.
//
// Jobs move through four buckets:
//
//	todo → started → stopped → done
//
// A job is started once the backend returned a job id, stopped once the
// scheduler no longer reports it as pending or running, and done once both
// the queue and the script side are done (or a timeout forced them).
package accountant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rrdrake/vvtools-sub002/internal/config"
	"github.com/rrdrake/vvtools-sub002/internal/job"
	"github.com/rrdrake/vvtools-sub002/internal/metrics"
	"github.com/rrdrake/vvtools-sub002/internal/scheduler"
)

// Sink receives every job as it reaches the done bucket
type Sink interface {
	Save(snap job.Snapshot, backend string) error
}

// Counts is the number of jobs in each bucket
type Counts struct {
	Todo    int
	Started int
	Stopped int
	Done    int
}

// Option configures an Accountant
type Option func(*Accountant)

// WithLogger sets the engine logger (default: no logging)
func WithLogger(l *zap.Logger) Option {
	return func(a *Accountant) {
		if l != nil {
			a.log = l
		}
	}
}

// WithRecorder sets the metrics recorder (default: metrics.Nop)
func WithRecorder(r metrics.Recorder) Option {
	return func(a *Accountant) {
		if r != nil {
			a.metrics = r
		}
	}
}

// WithSink sets where finished jobs are recorded
func WithSink(s Sink) Option {
	return func(a *Accountant) { a.sink = s }
}

// WithClock replaces time.Now for dates and timeouts
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) {
		if now != nil {
			a.now = now
		}
	}
}

// WithPollInterval sets the minimum delay between poll cycles in Wait
// (default: the default queue's logcheck timeout)
func WithPollInterval(d time.Duration) Option {
	return func(a *Accountant) { a.interval = d }
}

// Accountant owns the job buckets. Poll, Submit and Wait are meant to be
// driven by a single caller; Cancel may be called from another goroutine.
type Accountant struct {
	backend  scheduler.Backend
	cfg      config.BatchConfig
	log      *zap.Logger
	metrics  metrics.Recorder
	sink     Sink
	now      func() time.Time
	interval time.Duration

	mu         sync.Mutex // guards the buckets, never held across backend calls
	submitting map[*job.Record]bool
	todo       []*job.Record
	started    []*job.Record
	stopped    []*job.Record
	done       []*job.Record
}

// New creates an accountant for backend
func New(backend scheduler.Backend, cfg config.BatchConfig, opts ...Option) *Accountant {
	a := &Accountant{
		backend:    backend,
		cfg:        cfg,
		submitting: map[*job.Record]bool{},
		log:        zap.NewNop(),
		metrics:    metrics.Nop{},
		now:        time.Now,
		interval:   cfg.Default.LogCheck,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.interval <= 0 {
		a.interval = config.DefaultLogCheck
	}
	return a
}

// Add registers a job in the todo bucket
func (a *Accountant) Add(rec *job.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.todo = append(a.todo, rec)
}

// Submit submits one todo job. On success the job moves to started; on
// failure it stays in todo and the error is returned. A cancel that arrives
// while the backend is submitting is applied once the job id is known.
func (a *Accountant) Submit(ctx context.Context, rec *job.Record) error {
	a.mu.Lock()
	if !contains(a.todo, rec) || a.submitting[rec] {
		a.mu.Unlock()
		return fmt.Errorf("job %q is not waiting for submission", rec.Spec.Name)
	}
	a.submitting[rec] = true
	a.mu.Unlock()

	// markers written by this run are never dated before this
	submitted := a.now()
	sub, err := a.backend.Submit(ctx, rec)

	a.mu.Lock()
	delete(a.submitting, rec)
	if err != nil {
		killed := rec.CancelRequested()
		if killed {
			a.resolveUnsubmitted(rec, a.now())
		}
		a.mu.Unlock()

		a.metrics.SubmitFailed(a.backend.Name())
		a.log.Warn("submission failed",
			zap.String("job", rec.Spec.Name),
			zap.String("script", rec.Spec.ScriptPath),
			zap.Error(err))
		if killed {
			a.finish(rec)
		}
		return err
	}
	rec.SetQueueSubmit(submitted)
	a.todo = remove(a.todo, rec)
	a.started = append(a.started, rec)
	a.mu.Unlock()

	a.metrics.JobSubmitted(a.backend.Name())
	a.log.Info("job submitted",
		zap.String("job", rec.Spec.Name),
		zap.String("job_id", sub.JobID),
		zap.String("backend", a.backend.Name()))

	if rec.CancelRequested() {
		a.log.Info("cancelling job submitted during cancel", zap.String("job_id", sub.JobID))
		a.backend.Cancel(ctx, []string{sub.JobID})
	}
	return nil
}

// SubmitAll submits every todo job. Failures are collected and do not stop
// the remaining submissions.
func (a *Accountant) SubmitAll(ctx context.Context) error {
	var result *multierror.Error
	for _, rec := range a.Todo() {
		if err := ctx.Err(); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		if rec.CancelRequested() {
			continue
		}
		if err := a.Submit(ctx, rec); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Poll runs one reconciliation cycle: one backend listing for every active
// job, then the log files, then the timeouts, then the bucket moves.
// The returned string holds the backend's diagnostics. Only a cancelled
// context is returned as an error.
func (a *Accountant) Poll(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	began := time.Now()

	a.mu.Lock()
	active := make([]*job.Record, 0, len(a.started)+len(a.stopped))
	active = append(active, a.started...)
	active = append(active, a.stopped...)
	a.mu.Unlock()

	diagnostics := a.pollQueue(ctx, active)

	now := a.now()
	for _, rec := range active {
		a.updateScript(rec, now)
	}
	for _, rec := range active {
		a.applyTimeouts(rec, now)
	}
	a.moveBuckets()

	a.metrics.PollCycle(a.backend.Name(), time.Since(began))
	return diagnostics, nil
}

// pollQueue lists the active jobs and updates their queue dates
func (a *Accountant) pollQueue(ctx context.Context, active []*job.Record) string {
	byID := make(map[string]*job.Record, len(active))
	ids := make([]string, 0, len(active))
	for _, rec := range active {
		id := rec.JobID()
		if id == "" || rec.QueueState() == job.QueueDone {
			continue
		}
		byID[id] = rec
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}

	res, err := a.backend.Poll(ctx, ids)
	if err != nil {
		a.log.Warn("queue listing failed", zap.String("backend", a.backend.Name()), zap.Error(err))
		return err.Error()
	}
	if res.Problems != nil {
		a.metrics.ParseProblems(a.backend.Name(), len(res.Problems.Errors))
	}

	now := a.now()
	for id, rec := range byID {
		st, listed := res.Jobs[id]
		if !listed {
			// absence only means done for a job already seen in the queue or its log
			if res.Authoritative && (rec.HasQueueEvidence() || !rec.ScriptDates().Start.IsZero()) {
				rec.SetQueueDone(now)
				a.log.Debug("job left the queue", zap.String("job", rec.Spec.Name), zap.String("job_id", id))
			}
			continue
		}

		switch st.State {
		case scheduler.StatePending:
			rec.SetQueuePending(now)
		case scheduler.StateRunning:
			rec.SetQueueRun(now)
		case scheduler.StateDone:
			rec.SetQueueComplete(now)
			rec.SetQueueDone(now)
		}
		rec.SetSchedulerTiming(st.Start, st.Elapsed)
		if st.ExitCode != nil {
			rec.SetQueueExit(*st.ExitCode)
		}
	}

	diagnostics := res.Diagnostics()
	if diagnostics != "" {
		a.log.Debug("queue listing problems", zap.String("backend", a.backend.Name()), zap.String("problems", diagnostics))
	}
	return diagnostics
}

// updateScript reads the job's log markers. While the job is in the queue
// the log is read at most once per logcheck interval; after that it is read
// every cycle until the script side is done.
func (a *Accountant) updateScript(rec *job.Record, now time.Time) {
	if !rec.ScriptDates().Done.IsZero() {
		return
	}
	q := a.cfg.Queue(rec.Spec.Queue)
	if rec.QueueState() != job.QueueDone && !rec.LogCheckDue(now, q.LogCheck) {
		return
	}

	// markers have second resolution
	since := rec.QueueDates().Submit.Truncate(time.Second)
	marks, err := job.ScanLogSince(rec.Spec.LogPath, since)
	if err != nil {
		a.log.Warn("failed to read job log", zap.String("job", rec.Spec.Name), zap.String("log", rec.Spec.LogPath), zap.Error(err))
	}
	if marks.HasStart() {
		rec.SetScriptStart(marks.Start)
	}
	if marks.HasStop() {
		rec.SetScriptStop(marks.Stop, marks.ExitCode)
		rec.SetScriptDone(now)
	}
}

// applyTimeouts resolves jobs the evidence alone cannot finish
func (a *Accountant) applyTimeouts(rec *job.Record, now time.Time) {
	q := a.cfg.Queue(rec.Spec.Queue)
	qd := rec.QueueDates()
	sd := rec.ScriptDates()

	if qd.Done.IsZero() {
		if qd.Submit.IsZero() || rec.HasQueueEvidence() || !sd.Start.IsZero() {
			return
		}
		if q.Missing > 0 && now.Sub(qd.Submit) > q.Missing {
			if rec.ForceMissing(now) {
				a.log.Warn("job never appeared, marking missing",
					zap.String("job", rec.Spec.Name),
					zap.String("job_id", rec.JobID()),
					zap.Duration("timeout", q.Missing))
			}
		}
		return
	}
	if !sd.Done.IsZero() {
		return
	}

	_, hasCode := rec.ExitCode()
	switch {
	case rec.CancelRequested():
		rec.SetScriptDone(now)
	case hasCode:
		// the backend watched the process exit; the log has nothing more to add
		rec.SetScriptDone(now)
	case sd.Start.IsZero():
		if now.Sub(qd.Done) > q.Script {
			rec.SetScriptDone(now)
			a.log.Warn("no start marker after the job left the queue",
				zap.String("job", rec.Spec.Name),
				zap.String("log", rec.Spec.LogPath),
				zap.Duration("timeout", q.Script))
		}
	default:
		if now.Sub(qd.Done) > q.Complete {
			rec.SetScriptDone(now)
			a.log.Warn("no stop marker, trusting the scheduler",
				zap.String("job", rec.Spec.Name),
				zap.String("log", rec.Spec.LogPath),
				zap.Duration("timeout", q.Complete))
		}
	}
}

// moveBuckets advances started and stopped jobs
func (a *Accountant) moveBuckets() {
	a.mu.Lock()
	var finished []*job.Record

	started := a.started[:0]
	for _, rec := range a.started {
		switch {
		case rec.IsFinished():
			finished = append(finished, rec)
		case rec.QueueState() == job.QueueDone:
			a.stopped = append(a.stopped, rec)
		default:
			started = append(started, rec)
		}
	}
	a.started = started

	stopped := a.stopped[:0]
	for _, rec := range a.stopped {
		if rec.IsFinished() {
			finished = append(finished, rec)
		} else {
			stopped = append(stopped, rec)
		}
	}
	a.stopped = stopped
	a.done = append(a.done, finished...)
	a.mu.Unlock()

	for _, rec := range finished {
		a.finish(rec)
	}
}

// finish reports a job that reached the done bucket
func (a *Accountant) finish(rec *job.Record) {
	snap := rec.Snapshot()
	a.metrics.JobFinished(a.backend.Name(), string(snap.Exit))
	fields := []zap.Field{
		zap.String("job", snap.Spec.Name),
		zap.String("job_id", snap.JobID),
		zap.String("status", string(snap.Exit)),
	}
	if snap.HasExit {
		fields = append(fields, zap.Int("exit_code", snap.ExitCode))
	}
	a.log.Info("job finished", fields...)

	if a.sink == nil {
		return
	}
	if err := a.sink.Save(snap, a.backend.Name()); err != nil {
		a.log.Warn("failed to record finished job", zap.String("job", snap.Spec.Name), zap.Error(err))
	}
}

// Cancel cancels rec, or every unfinished job when rec is nil. Jobs that
// were never submitted go straight to done; submitted jobs are cancelled
// through the backend and finish through normal polling. A job that is being
// submitted is cancelled by Submit once its id is known.
func (a *Accountant) Cancel(ctx context.Context, rec *job.Record) {
	now := a.now()

	a.mu.Lock()
	var targets []*job.Record
	if rec == nil {
		targets = append(targets, a.todo...)
		targets = append(targets, a.started...)
		targets = append(targets, a.stopped...)
	} else {
		targets = []*job.Record{rec}
	}

	var ids []string
	var resolved []*job.Record
	for _, r := range targets {
		if !r.RequestCancel(now) {
			continue
		}
		if contains(a.todo, r) && !a.submitting[r] {
			a.resolveUnsubmitted(r, now)
			resolved = append(resolved, r)
			continue
		}
		if id := r.JobID(); id != "" && r.QueueState() != job.QueueDone {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	for _, r := range resolved {
		a.finish(r)
	}
	if len(ids) > 0 {
		a.log.Info("cancelling jobs", zap.Strings("job_ids", ids))
		a.backend.Cancel(ctx, ids)
	}
}

// resolveUnsubmitted moves a cancelled todo job to done. Callers hold a.mu.
func (a *Accountant) resolveUnsubmitted(r *job.Record, now time.Time) {
	r.SetQueueDone(now)
	r.SetScriptDone(now)
	a.todo = remove(a.todo, r)
	a.done = append(a.done, r)
}

// Wait polls until no job is started or stopped, no faster than the poll
// interval. Diagnostics are logged.
func (a *Accountant) Wait(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(a.interval), 1)
	for a.Active() {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		diagnostics, err := a.Poll(ctx)
		if err != nil {
			return err
		}
		if diagnostics != "" {
			a.log.Warn("poll diagnostics", zap.String("problems", diagnostics))
		}
	}
	return nil
}

// Active reports whether any job is started or stopped
func (a *Accountant) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.started)+len(a.stopped) > 0
}

// Finished reports whether every job is done
func (a *Accountant) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.todo)+len(a.started)+len(a.stopped) == 0
}

// Counts returns the bucket sizes
func (a *Accountant) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Counts{Todo: len(a.todo), Started: len(a.started), Stopped: len(a.stopped), Done: len(a.done)}
}

func (a *Accountant) Todo() []*job.Record    { return a.bucket(&a.todo) }
func (a *Accountant) Started() []*job.Record { return a.bucket(&a.started) }
func (a *Accountant) Stopped() []*job.Record { return a.bucket(&a.stopped) }
func (a *Accountant) Done() []*job.Record    { return a.bucket(&a.done) }

func (a *Accountant) bucket(b *[]*job.Record) []*job.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*job.Record(nil), (*b)...)
}

func contains(list []*job.Record, rec *job.Record) bool {
	for _, r := range list {
		if r == rec {
			return true
		}
	}
	return false
}

func remove(list []*job.Record, rec *job.Record) []*job.Record {
	out := list[:0]
	for _, r := range list {
		if r != rec {
			out = append(out, r)
		}
	}
	return out
}
