package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rrdrake/vvtools-sub002/internal/job"
)

// newTestScript writes an empty script so Submit finds it
func newTestScript(t *testing.T, name string) *job.Record {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/bash\n"), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return job.NewRecord(job.Spec{Name: "suite/case", ScriptPath: path})
}

func TestSlurmWriteScriptHeader(t *testing.T) {
	b := mustNew(t, "slurm", newFakeRunner())
	spec := &job.Spec{
		Name:     "suite/case",
		Cores:    5,
		PPN:      2,
		LogPath:  "/work/case.log",
		WorkDir:  "/work",
		Walltime: 90 * time.Minute,
		Queue:    "short",
		Account:  "fy25",
	}

	var buf bytes.Buffer
	if err := b.WriteScriptHeader(&buf, spec); err != nil {
		t.Fatalf("WriteScriptHeader failed: %v", err)
	}
	got := buf.String()

	want := []string{
		"#!/bin/bash\n",
		"#SBATCH --job-name=suite--case\n",
		"#SBATCH --nodes=3\n",
		"#SBATCH --ntasks=5\n",
		"#SBATCH --time=1:30:00\n",
		"#SBATCH --output=/work/case.log\n",
		"#SBATCH --error=/work/case.log\n",
		"#SBATCH --partition=short\n",
		"#SBATCH --account=fy25\n",
		"cd /work || exit 1\n",
	}
	for _, w := range want {
		if !strings.Contains(got, w) {
			t.Errorf("header missing %q\nHeader:\n%s", w, got)
		}
	}
	if !strings.HasPrefix(got, "#!/bin/bash\n") {
		t.Errorf("header must start with the shebang:\n%s", got)
	}
}

func TestSlurmSubmit(t *testing.T) {
	r := newFakeRunner()
	r.results["sbatch"] = Result{Stdout: "Submitted batch job 291041\n"}
	b := mustNew(t, "slurm", r)
	rec := newTestScript(t, "case.sbatch")

	sub, err := b.Submit(context.Background(), rec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if sub.JobID != "291041" || rec.JobID() != "291041" {
		t.Errorf("job id = %q / %q; want 291041", sub.JobID, rec.JobID())
	}
	calls := r.callsTo("sbatch")
	if len(calls) != 1 || calls[0].args[0] != rec.Spec.ScriptPath {
		t.Errorf("unexpected sbatch calls: %+v", calls)
	}
}

func TestSlurmSubmitNoJobID(t *testing.T) {
	r := newFakeRunner()
	r.results["sbatch"] = Result{Stdout: "sbatch: queued somewhere\n", Stderr: "warning\n"}
	b := mustNew(t, "slurm", r)
	rec := newTestScript(t, "case.sbatch")

	_, err := b.Submit(context.Background(), rec)
	if !IsSubmissionError(err) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if !errors.Is(err, ErrJobIDParseFailed) {
		t.Errorf("expected ErrJobIDParseFailed in chain: %v", err)
	}
	if rec.JobID() != "" {
		t.Errorf("job id should stay empty, got %q", rec.JobID())
	}
	stdout, stderr := rec.SubmitOutput()
	if stdout != "sbatch: queued somewhere\n" || stderr != "warning\n" {
		t.Errorf("submission output not captured: %q %q", stdout, stderr)
	}
}

func TestSlurmSubmitFailures(t *testing.T) {
	t.Run("nonzero exit", func(t *testing.T) {
		r := newFakeRunner()
		r.results["sbatch"] = Result{Stderr: "sbatch: error: invalid partition", ExitCode: 1}
		_, err := mustNew(t, "slurm", r).Submit(context.Background(), newTestScript(t, "a.sbatch"))
		if !errors.Is(err, ErrJobSubmissionFailed) {
			t.Errorf("expected ErrJobSubmissionFailed, got %v", err)
		}
	})

	t.Run("command missing", func(t *testing.T) {
		r := newFakeRunner()
		r.errs["sbatch"] = errors.New("executable file not found in $PATH")
		_, err := mustNew(t, "slurm", r).Submit(context.Background(), newTestScript(t, "a.sbatch"))
		if !IsSubmissionError(err) || !IsCommandError(err) {
			t.Errorf("expected SubmissionError wrapping CommandError, got %v", err)
		}
	})

	t.Run("script missing", func(t *testing.T) {
		r := newFakeRunner()
		rec := job.NewRecord(job.Spec{Name: "x", ScriptPath: "/nonexistent/x.sbatch"})
		_, err := mustNew(t, "slurm", r).Submit(context.Background(), rec)
		if !errors.Is(err, ErrScriptNotFound) {
			t.Errorf("expected ErrScriptNotFound, got %v", err)
		}
		if len(r.callsTo("sbatch")) != 0 {
			t.Errorf("sbatch should not run without a script")
		}
	})
}

func TestParseSbatchOutput(t *testing.T) {
	tests := []struct {
		out    string
		wantID string
		wantOK bool
	}{
		{"Submitted batch job 291041", "291041", true},
		{"Submitted batch job 7 on cluster c1\n", "7", true},
		{"Submitted batch job", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		id, ok := parseSbatchOutput(tt.out)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("parseSbatchOutput(%q) = %q, %v; want %q, %v", tt.out, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestSlurmPoll(t *testing.T) {
	r := newFakeRunner()
	r.results["squeue"] = Result{Stdout: strings.Join([]string{
		"7291680 _ R _ 2018-04-21T12:57:38 _ 7:37",
		"7291681 _ PD _ N/A _ 0:00",
		"this line is garbage",
		"7291682 _ ZZ _ N/A _ 0:00",
		"7291683 _ CG _ 2018-04-21T12:00:00 _ 1-02:03:04",
		"9999999 _ R _ N/A _ 0:01",
	}, "\n")}
	b := mustNew(t, "slurm", r)

	ids := []string{"7291680", "7291681", "7291682", "7291683", "7291684"}
	res, err := b.Poll(context.Background(), ids)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	running := res.Jobs["7291680"]
	if running.State != StateRunning {
		t.Errorf("7291680 state = %v; want running", running.State)
	}
	if running.Elapsed != 457 {
		t.Errorf("7291680 elapsed = %d; want 457", running.Elapsed)
	}
	wantStart := time.Date(2018, 4, 21, 12, 57, 38, 0, time.Local)
	if !running.Start.Equal(wantStart) {
		t.Errorf("7291680 start = %v; want %v", running.Start, wantStart)
	}

	if res.Jobs["7291681"].State != StatePending {
		t.Errorf("7291681 should be pending")
	}
	if !res.Jobs["7291681"].Start.IsZero() {
		t.Errorf("N/A start should be zero")
	}
	if res.Jobs["7291683"].State != StateRunning || res.Jobs["7291683"].Elapsed != 93784 {
		t.Errorf("7291683 = %+v; want running with 93784s", res.Jobs["7291683"])
	}
	if _, ok := res.Jobs["7291682"]; ok {
		t.Errorf("unknown state line should be skipped")
	}
	if _, ok := res.Jobs["7291684"]; ok {
		t.Errorf("absent id should not appear")
	}
	if _, ok := res.Jobs["9999999"]; ok {
		t.Errorf("unrequested id should be ignored")
	}

	if res.Problems == nil || len(res.Problems.Errors) != 2 {
		t.Fatalf("expected 2 problems, got %v", res.Problems)
	}
	if !strings.Contains(res.Diagnostics(), "garbage") {
		t.Errorf("diagnostics should name the bad line: %q", res.Diagnostics())
	}
	if !res.Authoritative {
		t.Errorf("clean listing should be authoritative")
	}

	calls := r.callsTo("squeue")
	if len(calls) != 1 {
		t.Fatalf("expected one squeue call, got %d", len(calls))
	}
	args := strings.Join(calls[0].args, " ")
	if !strings.Contains(args, "-o "+slurmListFormat) || !strings.Contains(args, "-j 7291680,7291681,7291682,7291683,7291684") {
		t.Errorf("unexpected squeue args: %q", args)
	}
}

func TestSlurmPollErrors(t *testing.T) {
	t.Run("all ids gone", func(t *testing.T) {
		r := newFakeRunner()
		r.results["squeue"] = Result{Stderr: "slurm_load_jobs error: Invalid job id specified\n", ExitCode: 1}
		res, err := mustNew(t, "slurm", r).Poll(context.Background(), []string{"1"})
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if !res.Authoritative || len(res.Jobs) != 0 || res.Diagnostics() != "" {
			t.Errorf("expected authoritative empty result, got %+v", res)
		}
	})

	t.Run("controller down", func(t *testing.T) {
		r := newFakeRunner()
		r.results["squeue"] = Result{Stderr: "slurm_load_jobs error: Unable to contact slurm controller\n", ExitCode: 1}
		res, err := mustNew(t, "slurm", r).Poll(context.Background(), []string{"1"})
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if res.Authoritative {
			t.Errorf("failed listing must not be authoritative")
		}
		if !strings.Contains(res.Diagnostics(), "controller") {
			t.Errorf("diagnostics should carry stderr: %q", res.Diagnostics())
		}
	})

	t.Run("squeue missing", func(t *testing.T) {
		r := newFakeRunner()
		r.errs["squeue"] = errors.New("not found")
		_, err := mustNew(t, "slurm", r).Poll(context.Background(), []string{"1"})
		if !IsCommandError(err) {
			t.Errorf("expected CommandError, got %v", err)
		}
	})

	t.Run("no ids", func(t *testing.T) {
		r := newFakeRunner()
		res, err := mustNew(t, "slurm", r).Poll(context.Background(), nil)
		if err != nil || len(res.Jobs) != 0 {
			t.Errorf("empty poll = %+v, %v", res, err)
		}
		if len(r.callsTo("squeue")) != 0 {
			t.Errorf("squeue should not run for no ids")
		}
	})
}

func TestSlurmCancel(t *testing.T) {
	r := newFakeRunner()
	r.results["scancel"] = Result{ExitCode: 1, Stderr: "scancel: error: Kill job error"}
	b := mustNew(t, "slurm", r)

	b.Cancel(context.Background(), []string{"11", "12"})
	calls := r.callsTo("scancel")
	if len(calls) != 1 {
		t.Fatalf("expected one bulk scancel, got %d", len(calls))
	}
	if strings.Join(calls[0].args, " ") != "11 12" {
		t.Errorf("unexpected scancel args: %v", calls[0].args)
	}
}
