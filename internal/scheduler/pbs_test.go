package scheduler

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rrdrake/vvtools-sub002/internal/job"
)

func TestPbsWriteScriptHeader(t *testing.T) {
	spec := &job.Spec{
		Name:     "case",
		Cores:    10,
		LogPath:  "/work/case.log",
		WorkDir:  "/work dir",
		Walltime: time.Hour,
		Queue:    "batch",
	}

	tests := []struct {
		kind string
		want []string
		not  []string
	}{
		{
			kind: "pbs",
			want: []string{"#PBS -N case\n", "#PBS -l nodes=3:ppn=4\n", "#PBS -l walltime=1:00:00\n", "#PBS -j oe\n", "#PBS -o /work/case.log\n", "#PBS -q batch\n", "cd '/work dir' || exit 1\n"},
			not:  []string{"mppwidth", "#PBS -A"},
		},
		{
			kind: "craypbs",
			want: []string{"#PBS -l mppwidth=10\n", "#PBS -l mppnppn=4\n", "#PBS -l walltime=1:00:00\n"},
			not:  []string{"nodes="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			var buf bytes.Buffer
			if err := mustNew(t, tt.kind, newFakeRunner()).WriteScriptHeader(&buf, spec); err != nil {
				t.Fatalf("WriteScriptHeader failed: %v", err)
			}
			got := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("header missing %q\nHeader:\n%s", w, got)
				}
			}
			for _, n := range tt.not {
				if strings.Contains(got, n) {
					t.Errorf("header should not contain %q\nHeader:\n%s", n, got)
				}
			}
		})
	}
}

func TestPbsSubmit(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		wantID string
	}{
		{"sole token", "  123.sdb\n", "123.sdb"},
		{"two tokens", "123.sdb extra\n", ""},
		{"empty", "\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRunner()
			r.results["qsub"] = Result{Stdout: tt.stdout}
			rec := newTestScript(t, "case.qsub")
			sub, err := mustNew(t, "pbs", r).Submit(context.Background(), rec)
			if tt.wantID == "" {
				if !IsSubmissionError(err) {
					t.Fatalf("expected SubmissionError, got %v", err)
				}
				if rec.JobID() != "" {
					t.Errorf("job id should stay empty")
				}
				return
			}
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if sub.JobID != tt.wantID || rec.JobID() != tt.wantID {
				t.Errorf("job id = %q; want %q", sub.JobID, tt.wantID)
			}
		})
	}
}

func TestPbsPoll(t *testing.T) {
	r := newFakeRunner()
	r.results["qstat"] = Result{
		Stdout: strings.Join([]string{
			"Job ID                    Name             User            Time Use S Queue",
			"------------------------- ---------------- --------------- -------- - -----",
			"123.sdb.host              case1            user            00:00:01 R batch",
			"124.sdb                   case2            user                   0 Q batch",
			"125.sdb                   case3            user            00:10:00 C batch",
			"126.sdb                   case4            user            00:00:00 ? batch",
			"127.sdb                   broken",
		}, "\n"),
		Stderr:   "qstat: Unknown Job Id 128.sdb\n",
		ExitCode: 153,
	}

	ids := []string{"123.sdb", "124.sdb", "125.sdb", "126.sdb", "127.sdb", "128.sdb"}
	res, err := mustNew(t, "pbs", r).Poll(context.Background(), ids)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	want := map[string]State{"123.sdb": StateRunning, "124.sdb": StatePending, "125.sdb": StateDone}
	for id, state := range want {
		got, ok := res.Jobs[id]
		if !ok {
			t.Errorf("%s missing from result", id)
			continue
		}
		if got.State != state {
			t.Errorf("%s state = %v; want %v", id, got.State, state)
		}
	}
	for _, id := range []string{"126.sdb", "127.sdb", "128.sdb"} {
		if _, ok := res.Jobs[id]; ok {
			t.Errorf("%s should not be in result", id)
		}
	}
	if res.Problems == nil || len(res.Problems.Errors) != 2 {
		t.Errorf("expected 2 problems, got %v", res.Problems)
	}
	if !res.Authoritative {
		t.Errorf("unknown job id errors should not make the listing unreliable")
	}
	if got := strings.Join(r.callsTo("qstat")[0].args, " "); got != strings.Join(ids, " ") {
		t.Errorf("qstat args = %q", got)
	}
}

func TestPbsPollServerDown(t *testing.T) {
	r := newFakeRunner()
	r.results["qstat"] = Result{Stderr: "Connection refused\nqstat: cannot connect to server\n", ExitCode: 1}
	res, err := mustNew(t, "craypbs", r).Poll(context.Background(), []string{"1.sdb"})
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Authoritative {
		t.Errorf("server errors must make the listing non-authoritative")
	}
}

func TestPbsCancel(t *testing.T) {
	r := newFakeRunner()
	mustNew(t, "pbs", r).Cancel(context.Background(), []string{"1.sdb", "2.sdb"})
	calls := r.callsTo("qdel")
	if len(calls) != 1 || len(calls[0].args) != 2 {
		t.Errorf("expected one bulk qdel, got %+v", calls)
	}
}
