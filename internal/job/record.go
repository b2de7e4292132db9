// Package job holds the state of a single batch job: what was asked for and
// what the scheduler and the job's own log have reported about it.
package job

import (
	"sync"
	"time"
)

// QueueState is the scheduler-side state derived from the queue date set
type QueueState string

const (
	QueueAbsent  QueueState = "absent"
	QueueQueued  QueueState = "queued"
	QueueRunning QueueState = "running"
	QueueDone    QueueState = "done"
)

// ExitStatus is the final classification of a finished job.
// It is empty until the job is finished.
type ExitStatus string

const (
	ExitNone    ExitStatus = ""
	ExitOK      ExitStatus = "ok"
	ExitFail    ExitStatus = "fail"
	ExitMissing ExitStatus = "missing"
	ExitKilled  ExitStatus = "killed"
)

// Spec is the job request. It is filled in by the caller and the script
// composer and must not change once the job has been submitted.
type Spec struct {
	Name       string        // Job name (also used to derive file names)
	Cores      int           // Requested core count
	Nodes      int           // Requested node count (0 = derive from cores and PPN)
	PPN        int           // Cores per node override (0 = queue/backend default)
	ScriptPath string        // Absolute path of the rendered script
	LogPath    string        // Absolute path of the log file
	WorkDir    string        // Absolute working directory
	Command    string        // Command body written verbatim into the script
	Walltime   time.Duration // Requested walltime (whole seconds are used)
	Queue      string        // Queue or partition (optional)
	Account    string        // Account to charge (optional)
}

// QueueDates are the timestamps observed from the scheduler
type QueueDates struct {
	Submit   time.Time
	Pending  time.Time
	Run      time.Time
	Complete time.Time
	Done     time.Time
}

// ScriptDates are the timestamps read back from the job's log file
type ScriptDates struct {
	Start time.Time
	Stop  time.Time
	Done  time.Time
}

// Record is one submitted unit of work.
//
// Spec is plain data. Every result field is private and guarded by mu so a
// cancel issued from another goroutine can run alongside a poll cycle. The
// lock is only ever held for the in-memory transition.
type Record struct {
	Spec Spec

	mu        sync.Mutex
	jobID     string
	submitOut string
	submitErr string

	queue  QueueDates
	script ScriptDates

	scriptExit *int // from the stop marker
	queueExit  *int // reported by the backend (local processes only)

	schedStart time.Time
	elapsed    int

	cancelAt     time.Time
	forced       ExitStatus
	lastLogCheck time.Time
}

// NewRecord creates a record for the given spec
func NewRecord(spec Spec) *Record {
	return &Record{Spec: spec}
}

// setOnce stores t into dst if dst is unset and t is not zero.
// Returns true if the value was stored.
func setOnce(dst *time.Time, t time.Time) bool {
	if !dst.IsZero() || t.IsZero() {
		return false
	}
	*dst = t
	return true
}

// JobID returns the scheduler job id ("" until submitted)
func (r *Record) JobID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobID
}

// SetJobID records the scheduler job id. The first id wins.
func (r *Record) SetJobID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobID != "" || id == "" {
		return false
	}
	r.jobID = id
	return true
}

// SetSubmitOutput stores the stdout and stderr of the submission command
func (r *Record) SetSubmitOutput(stdout, stderr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitOut = stdout
	r.submitErr = stderr
}

// SubmitOutput returns the stdout and stderr of the submission command
func (r *Record) SubmitOutput() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitOut, r.submitErr
}

// QueueDates returns a copy of the queue date set
func (r *Record) QueueDates() QueueDates {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue
}

// ScriptDates returns a copy of the script date set
func (r *Record) ScriptDates() ScriptDates {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.script
}

func (r *Record) setQueue(field func(*QueueDates) *time.Time, t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return setOnce(field(&r.queue), t)
}

func (r *Record) setScript(field func(*ScriptDates) *time.Time, t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return setOnce(field(&r.script), t)
}

func (r *Record) SetQueueSubmit(t time.Time) bool {
	return r.setQueue(func(q *QueueDates) *time.Time { return &q.Submit }, t)
}

func (r *Record) SetQueuePending(t time.Time) bool {
	return r.setQueue(func(q *QueueDates) *time.Time { return &q.Pending }, t)
}

func (r *Record) SetQueueRun(t time.Time) bool {
	return r.setQueue(func(q *QueueDates) *time.Time { return &q.Run }, t)
}

func (r *Record) SetQueueComplete(t time.Time) bool {
	return r.setQueue(func(q *QueueDates) *time.Time { return &q.Complete }, t)
}

func (r *Record) SetQueueDone(t time.Time) bool {
	return r.setQueue(func(q *QueueDates) *time.Time { return &q.Done }, t)
}

func (r *Record) SetScriptStart(t time.Time) bool {
	return r.setScript(func(s *ScriptDates) *time.Time { return &s.Start }, t)
}

// SetScriptStop records the stop marker time and the script's exit code
func (r *Record) SetScriptStop(t time.Time, exitCode int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !setOnce(&r.script.Stop, t) {
		return false
	}
	code := exitCode
	r.scriptExit = &code
	return true
}

func (r *Record) SetScriptDone(t time.Time) bool {
	return r.setScript(func(s *ScriptDates) *time.Time { return &s.Done }, t)
}

// SetQueueExit records an exit code reported by the backend itself
func (r *Record) SetQueueExit(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queueExit == nil {
		c := code
		r.queueExit = &c
	}
}

// SetSchedulerTiming stores the start time and elapsed seconds last reported
// by the scheduler. These are informational and may be overwritten.
func (r *Record) SetSchedulerTiming(start time.Time, elapsed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !start.IsZero() {
		r.schedStart = start
	}
	if elapsed > r.elapsed {
		r.elapsed = elapsed
	}
}

// SchedulerTiming returns the last scheduler-reported start time and elapsed seconds
func (r *Record) SchedulerTiming() (time.Time, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schedStart, r.elapsed
}

// RequestCancel marks the job as cancelled at t. It is refused once the job
// has finished or when a cancel was already requested.
func (r *Record) RequestCancel(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finishedLocked() {
		return false
	}
	return setOnce(&r.cancelAt, t)
}

// CancelRequested reports whether a cancel was requested
func (r *Record) CancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.cancelAt.IsZero()
}

// ForceMissing resolves a job that never showed up: both done dates are set
// to t and the job is classified as missing (unless it was cancelled).
func (r *Record) ForceMissing(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !setOnce(&r.queue.Done, t) {
		return false
	}
	setOnce(&r.script.Done, t)
	if r.forced == ExitNone {
		r.forced = ExitMissing
	}
	return true
}

// LogCheckDue reports whether the log should be inspected at now given the
// minimum interval, and if so records now as the last check.
func (r *Record) LogCheckDue(now time.Time, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lastLogCheck.IsZero() && now.Sub(r.lastLogCheck) < interval {
		return false
	}
	r.lastLogCheck = now
	return true
}

// QueueState derives the scheduler-side state from the queue dates
func (r *Record) QueueState() QueueState {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.queue.Done.IsZero():
		return QueueDone
	case !r.queue.Run.IsZero():
		return QueueRunning
	case !r.queue.Pending.IsZero():
		return QueueQueued
	}
	return QueueAbsent
}

// HasQueueEvidence reports whether the scheduler ever listed the job
func (r *Record) HasQueueEvidence() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.queue.Pending.IsZero() || !r.queue.Run.IsZero() || !r.queue.Complete.IsZero()
}

// IsFinished reports whether both the queue and the script are done
func (r *Record) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedLocked()
}

func (r *Record) finishedLocked() bool {
	return !r.queue.Done.IsZero() && !r.script.Done.IsZero()
}

// ExitCode returns the best known exit code: the script's own code if the
// stop marker was seen, otherwise the backend's.
func (r *Record) ExitCode() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scriptExit != nil {
		return *r.scriptExit, true
	}
	if r.queueExit != nil {
		return *r.queueExit, true
	}
	return 0, false
}

// ExitStatus classifies a finished job. Unfinished jobs return ExitNone.
//
// A job the queue listed but whose log never showed a start marker is also
// missing, although the queue did see it: without the marker the command
// cannot be shown to have run. So missing means "no evidence the script
// ran", which is wider than "no queue or log evidence".
func (r *Record) ExitStatus() ExitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finishedLocked() {
		return ExitNone
	}
	switch {
	case !r.cancelAt.IsZero():
		return ExitKilled
	case r.forced == ExitMissing:
		return ExitMissing
	case r.script.Start.IsZero():
		// queue evidence alone does not prove the script ran
		return ExitMissing
	case r.scriptExit != nil:
		if *r.scriptExit != 0 {
			return ExitFail
		}
		return ExitOK
	case r.queueExit != nil && *r.queueExit != 0:
		return ExitFail
	}
	return ExitOK
}

// Snapshot is an immutable copy of a record, used for reporting and storage
type Snapshot struct {
	Spec       Spec
	JobID      string
	Queue      QueueDates
	Script     ScriptDates
	State      QueueState
	Exit       ExitStatus
	ExitCode   int
	HasExit    bool
	SchedStart time.Time
	Elapsed    int
}

// Snapshot copies the record's current state
func (r *Record) Snapshot() Snapshot {
	state := r.QueueState()
	exit := r.ExitStatus()
	code, hasCode := r.ExitCode()
	start, elapsed := r.SchedulerTiming()

	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Spec:       r.Spec,
		JobID:      r.jobID,
		Queue:      r.queue,
		Script:     r.script,
		State:      state,
		Exit:       exit,
		ExitCode:   code,
		HasExit:    hasCode,
		SchedStart: start,
		Elapsed:    elapsed,
	}
}
