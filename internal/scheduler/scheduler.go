// Package scheduler provides a unified interface for HPC batch schedulers:
// script headers, submission, queue polling and cancellation.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rrdrake/vvtools-sub002/internal/job"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
	"go.uber.org/zap"
)

// Kind is a supported batch type
type Kind string

const (
	KindProc    Kind = "proc"
	KindSLURM   Kind = "slurm"
	KindPBS     Kind = "pbs"
	KindCrayPBS Kind = "craypbs"
	KindMOAB    Kind = "moab"
)

// Kinds lists every supported batch type
func Kinds() []Kind {
	return []Kind{KindProc, KindSLURM, KindPBS, KindCrayPBS, KindMOAB}
}

// State is a native scheduler state reduced to three values
type State int

const (
	StatePending State = iota
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// JobStatus is one job as seen in a queue listing
type JobStatus struct {
	ID       string
	State    State
	Native   string    // state code as printed by the scheduler
	Start    time.Time // scheduler-reported start (zero if unknown)
	Elapsed  int       // seconds, as reported
	ExitCode *int      // only the local process backend knows this
}

// PollResult is the outcome of one queue listing
type PollResult struct {
	// Jobs holds every requested id found in the listing. Absent ids are
	// simply missing.
	Jobs map[string]JobStatus

	// Problems collects unparseable lines. They never affect other jobs.
	Problems *multierror.Error

	// Authoritative is false when the listing command reported an error
	// that makes absence meaningless (e.g. the daemon was unreachable).
	Authoritative bool
}

func newPollResult() *PollResult {
	return &PollResult{Jobs: map[string]JobStatus{}, Authoritative: true}
}

func (r *PollResult) addProblem(err error) {
	r.Problems = multierror.Append(r.Problems, err)
	r.Problems.ErrorFormat = diagnosticsFormat
}

func diagnosticsFormat(errs []error) string {
	lines := make([]string, 0, len(errs))
	for _, err := range errs {
		lines = append(lines, err.Error())
	}
	return strings.Join(lines, "\n")
}

// Diagnostics renders all problems as one string ("" when there are none)
func (r *PollResult) Diagnostics() string {
	if r == nil || r.Problems == nil || len(r.Problems.Errors) == 0 {
		return ""
	}
	return r.Problems.Error()
}

// Submission is what a successful Submit returns
type Submission struct {
	JobID  string
	Stdout string
	Stderr string
}

// Backend defines the interface for batch schedulers
type Backend interface {
	// Name returns the batch type
	Name() string

	// Ext returns the script file extension, including the dot
	Ext() string

	// ComputeNumNodes converts a core count to a node count. coresPerNode
	// overrides the backend default when positive.
	ComputeNumNodes(cores, coresPerNode int) int

	// WriteScriptHeader writes the shebang, job directives and the cd into
	// the working directory
	WriteScriptHeader(w io.Writer, spec *job.Spec) error

	// Submit runs the submission command on the record's script. The job id
	// is stored on the record only on success.
	Submit(ctx context.Context, rec *job.Record) (Submission, error)

	// Poll lists the given job ids with one command. Only a command that
	// could not be run at all is returned as an error.
	Poll(ctx context.Context, ids []string) (*PollResult, error)

	// Cancel asks the scheduler to kill the given jobs. Failures are logged.
	Cancel(ctx context.Context, ids []string)
}

// Options configure a backend
type Options struct {
	Runner Runner        // defaults to ExecRunner
	Logger *zap.Logger   // defaults to zap.NewNop()
	PPN    int           // default cores per node
	Grace  time.Duration // proc only: SIGTERM to SIGKILL delay
}

// New creates the backend for kind. An unknown kind is a *ConfigurationError.
func New(kind string, opts Options) (Backend, error) {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	k := Kind(strings.ToLower(strings.TrimSpace(kind)))
	b := base{
		name: string(k),
		ppn:  opts.PPN,
		run:  opts.Runner,
		log:  opts.Logger.With(zap.String("backend", string(k))),
	}

	switch k {
	case KindProc:
		b.ext = ".sh"
		return newProcBackend(b, opts.Grace), nil
	case KindSLURM:
		b.ext = ".sbatch"
		return &SlurmBackend{base: b}, nil
	case KindPBS:
		b.ext = ".qsub"
		return &PbsBackend{base: b}, nil
	case KindCrayPBS:
		b.ext = ".qsub"
		return &PbsBackend{base: b, cray: true}, nil
	case KindMOAB:
		b.ext = ".msub"
		return &MoabBackend{base: b}, nil
	}

	names := make([]string, 0, len(Kinds()))
	for _, k := range Kinds() {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return nil, NewConfigurationError(kind, "expected one of "+strings.Join(names, ", "))
}

// ComputeNumNodes is a ceiling divide of cores by ppn with a floor of one node.
// Non-positive cores count as one core, non-positive ppn as one.
func ComputeNumNodes(cores, ppn int) int {
	if cores <= 0 {
		cores = 1
	}
	if ppn <= 0 {
		ppn = 1
	}
	return (cores + ppn - 1) / ppn
}

// base holds what every backend shares
type base struct {
	name string
	ext  string
	ppn  int
	run  Runner
	log  *zap.Logger
}

func (b *base) Name() string { return b.name }

func (b *base) Ext() string { return b.ext }

func (b *base) ComputeNumNodes(cores, coresPerNode int) int {
	ppn := coresPerNode
	if ppn <= 0 {
		ppn = b.ppn
	}
	return ComputeNumNodes(cores, ppn)
}

// nodesFor returns the node count for spec
func (b *base) nodesFor(spec *job.Spec) int {
	if spec.Nodes > 0 {
		return spec.Nodes
	}
	return b.ComputeNumNodes(spec.Cores, spec.PPN)
}

// ppnFor returns the effective cores per node for spec
func (b *base) ppnFor(spec *job.Spec) int {
	switch {
	case spec.PPN > 0:
		return spec.PPN
	case b.ppn > 0:
		return b.ppn
	}
	return 1
}

// submitWith runs a submission command and extracts the job id with parseID
func (b *base) submitWith(ctx context.Context, rec *job.Record, parseID func(string) (string, bool), name string, args ...string) (Submission, error) {
	script := rec.Spec.ScriptPath
	if !utils.FileExists(script) {
		return Submission{}, NewSubmissionError(b.name, rec.Spec.Name, "", fmt.Errorf("%w: %s", ErrScriptNotFound, script))
	}

	b.log.Debug("submitting", zap.String("command", name), zap.Strings("args", args))
	res, err := b.run.Run(ctx, name, args...)
	rec.SetSubmitOutput(res.Stdout, res.Stderr)
	sub := Submission{Stdout: res.Stdout, Stderr: res.Stderr}
	if err != nil {
		return sub, NewSubmissionError(b.name, rec.Spec.Name, "", NewCommandError(b.name, name, err))
	}
	if res.ExitCode != 0 {
		return sub, NewSubmissionError(b.name, rec.Spec.Name, res.Stdout+res.Stderr,
			fmt.Errorf("%w: %s exited with status %d", ErrJobSubmissionFailed, name, res.ExitCode))
	}

	id, ok := parseID(res.Stdout)
	if !ok {
		return sub, NewSubmissionError(b.name, rec.Spec.Name, res.Stdout, ErrJobIDParseFailed)
	}
	rec.SetJobID(id)
	sub.JobID = id
	b.log.Info("job submitted", zap.String("job", rec.Spec.Name), zap.String("job_id", id))
	return sub, nil
}

// list runs a queue listing command. A nonzero exit is returned in the
// Result for the caller to judge; only a failure to run is an error.
func (b *base) list(ctx context.Context, name string, args ...string) (Result, error) {
	b.log.Debug("listing queue", zap.String("command", name), zap.Strings("args", args))
	res, err := b.run.Run(ctx, name, args...)
	if err != nil {
		return res, NewCommandError(b.name, name, err)
	}
	return res, nil
}

// cancelWith runs a cancel command and logs any failure
func (b *base) cancelWith(ctx context.Context, name string, args ...string) error {
	res, err := b.run.Run(ctx, name, args...)
	if err != nil {
		err = NewCommandError(b.name, name, err)
	} else if res.ExitCode != 0 {
		err = fmt.Errorf("%s exited with status %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if err != nil {
		b.log.Warn("cancel failed", zap.Strings("args", args), zap.Error(err))
	}
	return err
}

// soleToken returns the only whitespace-delimited token of trimmed output
func soleToken(out string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 1 {
		return "", false
	}
	return fields[0], true
}

// leadingNumber returns the numeric prefix of a job id ("123.sdb" -> "123").
// Ids without a numeric prefix are returned unchanged.
func leadingNumber(id string) string {
	i := 0
	for i < len(id) && id[i] >= '0' && id[i] <= '9' {
		i++
	}
	if i == 0 {
		return id
	}
	return id[:i]
}

// idIndex maps the numeric prefix of each requested id back to the id
func idIndex(ids []string) map[string]string {
	idx := make(map[string]string, len(ids))
	for _, id := range ids {
		idx[leadingNumber(id)] = id
	}
	return idx
}

// shellQuote single-quotes s for a POSIX shell
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == '+' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
