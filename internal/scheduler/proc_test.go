package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rrdrake/vvtools-sub002/internal/config"
	"github.com/rrdrake/vvtools-sub002/internal/job"
)

func newProcJob(t *testing.T, b Backend, name, body string) *job.Record {
	t.Helper()
	rec := job.NewRecord(job.Spec{Name: name, Command: job.WrapCommand(body)})
	c := NewComposer(b, config.DefaultBatchConfig(), t.TempDir())
	if _, err := c.Write(rec); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return rec
}

// waitDone polls until the job leaves the running state or the deadline passes
func waitDone(t *testing.T, b Backend, id string, timeout time.Duration) JobStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := b.Poll(context.Background(), []string{id})
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if st, ok := res.Jobs[id]; ok && st.State == StateDone {
			return st
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish within %v", id, timeout)
	return JobStatus{}
}

func TestProcRunsScript(t *testing.T) {
	b, err := New("proc", Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newProcJob(t, b, "ok", "echo hello")

	sub, err := b.Submit(context.Background(), rec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !strings.HasPrefix(sub.JobID, "proc.") {
		t.Errorf("job id %q should start with proc.", sub.JobID)
	}

	st := waitDone(t, b, sub.JobID, 10*time.Second)
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("exit code = %v; want 0", st.ExitCode)
	}

	marks, err := job.ScanLog(rec.Spec.LogPath)
	if err != nil {
		t.Fatalf("ScanLog failed: %v", err)
	}
	if !marks.HasStart() || !marks.HasStop() || marks.ExitCode != 0 {
		t.Errorf("log markers = %+v", marks)
	}
}

func TestProcExitCode(t *testing.T) {
	b, _ := New("proc", Options{})
	rec := newProcJob(t, b, "fail", "exit 1")

	sub, err := b.Submit(context.Background(), rec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	st := waitDone(t, b, sub.JobID, 10*time.Second)
	if st.ExitCode == nil || *st.ExitCode != 1 {
		t.Errorf("exit code = %v; want 1", st.ExitCode)
	}

	marks, _ := job.ScanLog(rec.Spec.LogPath)
	if marks.ExitCode != 1 {
		t.Errorf("stop marker exit = %d; want 1", marks.ExitCode)
	}
}

func TestProcUniqueIDs(t *testing.T) {
	b, _ := New("proc", Options{})
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		rec := newProcJob(t, b, "", "true")
		sub, err := b.Submit(context.Background(), rec)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if seen[sub.JobID] {
			t.Fatalf("duplicate job id %s", sub.JobID)
		}
		seen[sub.JobID] = true
		waitDone(t, b, sub.JobID, 10*time.Second)
	}
}

func TestProcCancel(t *testing.T) {
	b, _ := New("proc", Options{Grace: 500 * time.Millisecond})
	victim := newProcJob(t, b, "victim", "sleep 30")
	bystander := newProcJob(t, b, "bystander", "sleep 1")

	vsub, err := b.Submit(context.Background(), victim)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	bsub, err := b.Submit(context.Background(), bystander)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res, _ := b.Poll(context.Background(), []string{vsub.JobID})
	if res.Jobs[vsub.JobID].State != StateRunning {
		t.Fatalf("victim should be running before cancel")
	}

	start := time.Now()
	b.Cancel(context.Background(), []string{vsub.JobID})
	st := waitDone(t, b, vsub.JobID, 5*time.Second)
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancel took too long")
	}
	if st.ExitCode == nil || *st.ExitCode != -1 {
		t.Errorf("cancelled exit code = %v; want -1", st.ExitCode)
	}

	bst := waitDone(t, b, bsub.JobID, 10*time.Second)
	if bst.ExitCode == nil || *bst.ExitCode != 0 {
		t.Errorf("bystander exit code = %v; want 0", bst.ExitCode)
	}
}

func TestProcPollUnknownID(t *testing.T) {
	b, _ := New("proc", Options{})
	res, err := b.Poll(context.Background(), []string{"proc.99"})
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(res.Jobs) != 0 {
		t.Errorf("unknown id should be absent")
	}
}

func TestProcForgetsReportedJobs(t *testing.T) {
	b, _ := New("proc", Options{})
	p := b.(*ProcBackend)
	rec := newProcJob(t, b, "short", "true")

	sub, err := b.Submit(context.Background(), rec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitDone(t, b, sub.JobID, 10*time.Second)

	if n := p.tracked(); n != 0 {
		t.Errorf("tracked = %d after the exit was reported; want 0", n)
	}
	res, _ := b.Poll(context.Background(), []string{sub.JobID})
	if _, ok := res.Jobs[sub.JobID]; ok {
		t.Errorf("reported job should no longer be listed")
	}
}
