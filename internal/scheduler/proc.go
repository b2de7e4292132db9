package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rrdrake/vvtools-sub002/internal/job"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
	"go.uber.org/zap"
)

// DefaultGrace is the SIGTERM to SIGKILL delay for local processes
const DefaultGrace = 5 * time.Second

// ProcBackend runs job scripts as local child processes. Each job gets its
// own process group so a cancel reaches everything the script started.
type ProcBackend struct {
	base
	grace time.Duration

	counter atomic.Int64

	mu    sync.Mutex
	procs map[string]*procJob
}

type procJob struct {
	pid   int
	start time.Time
	done  chan struct{}
	code  int // valid once done is closed
}

func newProcBackend(b base, grace time.Duration) *ProcBackend {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &ProcBackend{
		base:  b,
		grace: grace,
		procs: map[string]*procJob{},
	}
}

func (p *ProcBackend) WriteScriptHeader(w io.Writer, spec *job.Spec) error {
	h := newHeaderWriter(w, "#")
	h.line("# job: %s", jobName(spec))
	h.line("# cores: %d nodes: %d", coresFor(spec), p.nodesFor(spec))
	if secs := walltimeSeconds(spec.Walltime); secs > 0 {
		h.line("# walltime: %s", FormatWalltime(secs))
	}
	return h.finish(spec)
}

// Submit starts the script immediately with stdout and stderr appended to
// the log. The script is executed directly so its shebang picks the shell.
// The process outlives ctx.
func (p *ProcBackend) Submit(ctx context.Context, rec *job.Record) (Submission, error) {
	spec := rec.Spec
	if !utils.FileExists(spec.ScriptPath) {
		return Submission{}, NewSubmissionError(p.name, spec.Name, "", fmt.Errorf("%w: %s", ErrScriptNotFound, spec.ScriptPath))
	}

	logPath := spec.LogPath
	if logPath == "" {
		logPath = os.DevNull
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, utils.PermFile)
	if err != nil {
		return Submission{}, NewSubmissionError(p.name, spec.Name, "", fmt.Errorf("open log: %w", err))
	}

	cmd := exec.Command(spec.ScriptPath)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return Submission{}, NewSubmissionError(p.name, spec.Name, "", NewCommandError(p.name, spec.ScriptPath, err))
	}

	id := fmt.Sprintf("proc.%d", p.counter.Add(1))
	pj := &procJob{
		pid:   cmd.Process.Pid,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	p.mu.Lock()
	p.procs[id] = pj
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		logFile.Close()
		pj.code = exitCodeOf(cmd.ProcessState, err)
		close(pj.done)
		p.log.Debug("process exited", zap.String("job_id", id), zap.Int("exit_code", pj.code))
	}()

	rec.SetSubmitOutput(id+"\n", "")
	rec.SetJobID(id)
	p.log.Info("job started", zap.String("job", spec.Name), zap.String("job_id", id), zap.Int("pid", pj.pid))
	return Submission{JobID: id, Stdout: id + "\n"}, nil
}

// exitCodeOf returns the exit status, or -1 for a process killed by a signal
func exitCodeOf(state *os.ProcessState, err error) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1
	}
	return state.ExitCode()
}

// tracked returns the number of processes not yet reported as exited
func (p *ProcBackend) tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

func (p *ProcBackend) lookup(id string) *procJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.procs[id]
}

// Poll never blocks: each process is either still running or has exited.
// An exited process is reported once and then forgotten.
func (p *ProcBackend) Poll(ctx context.Context, ids []string) (*PollResult, error) {
	result := newPollResult()
	now := time.Now()
	for _, id := range ids {
		pj := p.lookup(id)
		if pj == nil {
			continue
		}
		select {
		case <-pj.done:
			code := pj.code
			result.Jobs[id] = JobStatus{ID: id, State: StateDone, Native: "exited", Start: pj.start, ExitCode: &code}
			p.mu.Lock()
			delete(p.procs, id)
			p.mu.Unlock()
		default:
			result.Jobs[id] = JobStatus{
				ID:      id,
				State:   StateRunning,
				Native:  "running",
				Start:   pj.start,
				Elapsed: int(now.Sub(pj.start) / time.Second),
			}
		}
	}
	return result, nil
}

// Cancel sends SIGTERM to each job's process group and SIGKILL to any
// group still alive after the grace period. It returns once every
// targeted process has exited or been killed.
func (p *ProcBackend) Cancel(ctx context.Context, ids []string) {
	var wg sync.WaitGroup
	for _, id := range ids {
		pj := p.lookup(id)
		if pj == nil {
			continue
		}
		select {
		case <-pj.done:
			continue
		default:
		}

		if err := syscall.Kill(-pj.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.log.Warn("SIGTERM failed", zap.String("job_id", id), zap.Error(err))
		}

		wg.Add(1)
		go func(id string, pj *procJob) {
			defer wg.Done()
			timer := time.NewTimer(p.grace)
			defer timer.Stop()
			select {
			case <-pj.done:
				return
			case <-timer.C:
			case <-ctx.Done():
			}
			p.log.Info("escalating to SIGKILL", zap.String("job_id", id))
			if err := syscall.Kill(-pj.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				p.log.Warn("SIGKILL failed", zap.String("job_id", id), zap.Error(err))
			}
		}(id, pj)
	}
	wg.Wait()
}
