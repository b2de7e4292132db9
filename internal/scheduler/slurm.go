package scheduler

import (
	"context"
	"io"
	"regexp"
	"strings"

	"github.com/rrdrake/vvtools-sub002/internal/job"
)

var slurmJobIDRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// slurmListFormat is the squeue output format: id, state code, start, elapsed
const slurmListFormat = "%i _ %t _ %S _ %M"

// slurmStates maps squeue compact state codes
var slurmStates = map[string]State{
	"PD": StatePending,
	"CF": StatePending,
	"S":  StatePending,

	"R":  StateRunning,
	"CG": StateRunning,

	"CD":  StateDone,
	"CA":  StateDone,
	"F":   StateDone,
	"TO":  StateDone,
	"NF":  StateDone,
	"PR":  StateDone,
	"BF":  StateDone,
	"DL":  StateDone,
	"OOM": StateDone,
	"RV":  StateDone,
	"SE":  StateDone,
}

// SlurmBackend implements the Backend interface for SLURM
type SlurmBackend struct {
	base
}

func (s *SlurmBackend) WriteScriptHeader(w io.Writer, spec *job.Spec) error {
	h := newHeaderWriter(w, "#SBATCH")
	h.directive("--job-name=%s", jobName(spec))
	h.directive("--nodes=%d", s.nodesFor(spec))
	h.directive("--ntasks=%d", coresFor(spec))
	if secs := walltimeSeconds(spec.Walltime); secs > 0 {
		h.directive("--time=%s", FormatWalltime(secs))
	}
	if spec.LogPath != "" {
		h.directive("--output=%s", spec.LogPath)
		h.directive("--error=%s", spec.LogPath)
	}
	if spec.Queue != "" {
		h.directive("--partition=%s", spec.Queue)
	}
	if spec.Account != "" {
		h.directive("--account=%s", spec.Account)
	}
	return h.finish(spec)
}

func (s *SlurmBackend) Submit(ctx context.Context, rec *job.Record) (Submission, error) {
	return s.submitWith(ctx, rec, parseSbatchOutput, "sbatch", rec.Spec.ScriptPath)
}

// parseSbatchOutput extracts the id from "Submitted batch job <id>"
func parseSbatchOutput(out string) (string, bool) {
	m := slurmJobIDRe.FindStringSubmatch(out)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

func (s *SlurmBackend) Poll(ctx context.Context, ids []string) (*PollResult, error) {
	result := newPollResult()
	if len(ids) == 0 {
		return result, nil
	}

	res, err := s.list(ctx, "squeue", "--noheader", "-o", slurmListFormat, "-j", strings.Join(ids, ","))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		// squeue fails outright when every id has left the queue
		if !strings.Contains(res.Stderr, "Invalid job id") {
			result.Authoritative = false
			result.addProblem(NewParseError(s.name, 0, strings.TrimSpace(res.Stderr), "squeue exited with an error"))
		}
	}

	parseSqueue(s.name, res.Stdout, ids, result)
	return result, nil
}

// parseSqueue parses "%i _ %t _ %S _ %M" lines into result. Lines for ids
// that were not requested are ignored.
func parseSqueue(name, out string, ids []string, result *PollResult) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, " _ ")
		if len(fields) != 4 {
			result.addProblem(NewParseError(name, i+1, line, "expected 4 fields"))
			continue
		}
		id := strings.TrimSpace(fields[0])
		if !wanted[id] {
			continue
		}
		code := strings.TrimSpace(fields[1])
		state, ok := slurmStates[code]
		if !ok {
			pe := NewParseError(name, i+1, line, "unknown state "+code)
			pe.Err = ErrUnknownState
			result.addProblem(pe)
			continue
		}
		elapsed, err := ParseElapsed(fields[3])
		if err != nil {
			result.addProblem(NewParseError(name, i+1, line, err.Error()))
			continue
		}
		start, _ := parseSlurmTimestamp(fields[2])
		result.Jobs[id] = JobStatus{
			ID:      id,
			State:   state,
			Native:  code,
			Start:   start,
			Elapsed: elapsed,
		}
	}
}

func (s *SlurmBackend) Cancel(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	_ = s.cancelWith(ctx, "scancel", ids...)
}
