package scheduler

import (
	"context"
	"io"
	"strings"

	"github.com/rrdrake/vvtools-sub002/internal/job"
)

// pbsStates maps the qstat "S" column
var pbsStates = map[string]State{
	"Q": StatePending,
	"H": StatePending,
	"W": StatePending,
	"T": StatePending,
	"S": StatePending,

	"R": StateRunning,
	"E": StateRunning,
	"B": StateRunning,

	"C": StateDone,
	"F": StateDone,
	"X": StateDone,
}

// PbsBackend implements the Backend interface for PBS/Torque and Cray PBS
type PbsBackend struct {
	base
	cray bool // request cores with mppwidth/mppnppn
}

func (p *PbsBackend) WriteScriptHeader(w io.Writer, spec *job.Spec) error {
	h := newHeaderWriter(w, "#PBS")
	h.directive("-N %s", jobName(spec))
	if p.cray {
		h.directive("-l mppwidth=%d", coresFor(spec))
		h.directive("-l mppnppn=%d", p.ppnFor(spec))
	} else {
		h.directive("-l nodes=%d:ppn=%d", p.nodesFor(spec), p.ppnFor(spec))
	}
	if secs := walltimeSeconds(spec.Walltime); secs > 0 {
		h.directive("-l walltime=%s", FormatWalltime(secs))
	}
	h.directive("-j oe")
	if spec.LogPath != "" {
		h.directive("-o %s", spec.LogPath)
	}
	if spec.Queue != "" {
		h.directive("-q %s", spec.Queue)
	}
	if spec.Account != "" {
		h.directive("-A %s", spec.Account)
	}
	return h.finish(spec)
}

func (p *PbsBackend) Submit(ctx context.Context, rec *job.Record) (Submission, error) {
	return p.submitWith(ctx, rec, soleToken, "qsub", rec.Spec.ScriptPath)
}

func (p *PbsBackend) Poll(ctx context.Context, ids []string) (*PollResult, error) {
	result := newPollResult()
	if len(ids) == 0 {
		return result, nil
	}

	res, err := p.list(ctx, "qstat", ids...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 && !onlyFinishedJobErrors(res.Stderr) {
		result.Authoritative = false
		result.addProblem(NewParseError(p.name, 0, strings.TrimSpace(res.Stderr), "qstat exited with an error"))
	}

	parseQstat(p.name, res.Stdout, ids, result)
	return result, nil
}

// onlyFinishedJobErrors reports whether every stderr line is qstat
// complaining about a job that has already left the server
func onlyFinishedJobErrors(stderr string) bool {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.Contains(line, "Unknown Job Id") && !strings.Contains(line, "Job has finished") {
			return false
		}
	}
	return true
}

// parseQstat parses default qstat output:
//
//	Job ID            Name     User     Time Use S Queue
//	----------------- -------- -------- -------- - -----
//	123.sdb           job1     user     00:00:00 R batch
func parseQstat(name, out string, ids []string, result *PollResult) {
	index := idIndex(ids)
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Job") || strings.HasPrefix(line, "---") {
			continue
		}
		fields := strings.Fields(line)
		id, ok := index[leadingNumber(fields[0])]
		if !ok {
			continue
		}
		if len(fields) != 6 {
			result.addProblem(NewParseError(name, i+1, line, "expected 6 columns"))
			continue
		}
		code := fields[4]
		state, ok := pbsStates[code]
		if !ok {
			pe := NewParseError(name, i+1, line, "unknown state "+code)
			pe.Err = ErrUnknownState
			result.addProblem(pe)
			continue
		}
		result.Jobs[id] = JobStatus{ID: id, State: state, Native: code}
	}
}

func (p *PbsBackend) Cancel(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	_ = p.cancelWith(ctx, "qdel", ids...)
}
