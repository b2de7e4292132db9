package scheduler

import (
	"context"
	"io"
	"strings"

	"github.com/rrdrake/vvtools-sub002/internal/job"
)

// moabStates maps showq STATE values
var moabStates = map[string]State{
	"Idle":       StatePending,
	"Hold":       StatePending,
	"UserHold":   StatePending,
	"SystemHold": StatePending,
	"BatchHold":  StatePending,
	"Deferred":   StatePending,
	"Blocked":    StatePending,
	"NotQueued":  StatePending,

	"Running":  StateRunning,
	"Starting": StateRunning,
	"Staging":  StateRunning,

	"Completed": StateDone,
	"Removed":   StateDone,
	"Vacated":   StateDone,
}

// MoabBackend implements the Backend interface for MOAB
type MoabBackend struct {
	base
}

func (m *MoabBackend) WriteScriptHeader(w io.Writer, spec *job.Spec) error {
	h := newHeaderWriter(w, "#MSUB")
	h.directive("-N %s", jobName(spec))
	h.directive("-l nodes=%d:ppn=%d", m.nodesFor(spec), m.ppnFor(spec))
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

func (m *MoabBackend) Submit(ctx context.Context, rec *job.Record) (Submission, error) {
	return m.submitWith(ctx, rec, soleToken, "msub", rec.Spec.ScriptPath)
}

func (m *MoabBackend) Poll(ctx context.Context, ids []string) (*PollResult, error) {
	result := newPollResult()
	if len(ids) == 0 {
		return result, nil
	}

	res, err := m.list(ctx, "showq")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		result.Authoritative = false
		result.addProblem(NewParseError(m.name, 0, strings.TrimSpace(res.Stderr), "showq exited with an error"))
	}

	parseShowq(m.name, res.Stdout, ids, result)
	return result, nil
}

// parseShowq picks the requested jobs out of showq output. showq lists every
// user's jobs under section banners, so only lines whose first column is a
// requested id are considered:
//
//	JOBID      USERNAME  STATE    PROCS  REMAINING  STARTTIME
//	4807       user      Running     16   00:59:30  Mon Apr 23 10:00:00
func parseShowq(name, out string, ids []string, result *PollResult) {
	index := idIndex(ids)
	for i, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		id, ok := index[leadingNumber(fields[0])]
		if !ok || isShowqSummary(fields) {
			continue
		}
		if len(fields) < 3 {
			result.addProblem(NewParseError(name, i+1, strings.TrimSpace(line), "expected a STATE column"))
			continue
		}
		code := fields[2]
		state, ok := moabStates[code]
		if !ok {
			pe := NewParseError(name, i+1, strings.TrimSpace(line), "unknown state "+code)
			pe.Err = ErrUnknownState
			result.addProblem(pe)
			continue
		}
		result.Jobs[id] = JobStatus{ID: id, State: state, Native: code}
	}
}

// isShowqSummary matches section footers such as "3 active jobs  48 of 96 processors in use"
func isShowqSummary(fields []string) bool {
	if len(fields) < 3 || !strings.HasPrefix(fields[2], "job") {
		return false
	}
	switch fields[1] {
	case "active", "eligible", "blocked", "completed":
		return true
	}
	return false
}

func (m *MoabBackend) Cancel(ctx context.Context, ids []string) {
	for _, id := range ids {
		_ = m.cancelWith(ctx, "canceljob", id)
	}
}
