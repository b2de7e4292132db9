package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type fakeCall struct {
	name string
	args []string
}

// fakeRunner returns canned results keyed by command name
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]Result
	errs    map[string]error
	calls   []fakeCall
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]Result{}, errs: map[string]error{}}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{name: name, args: append([]string(nil), args...)})
	if err, ok := f.errs[name]; ok {
		return Result{}, err
	}
	return f.results[name], nil
}

func (f *fakeRunner) callsTo(name string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func mustNew(t *testing.T, kind string, r Runner) Backend {
	t.Helper()
	b, err := New(kind, Options{Runner: r, PPN: 4})
	if err != nil {
		t.Fatalf("New(%q) failed: %v", kind, err)
	}
	return b
}

func TestComputeNumNodes(t *testing.T) {
	tests := []struct {
		cores, ppn, want int
	}{
		{5, 2, 3},
		{0, 2, 1},
		{-3, 2, 1},
		{4, 2, 2},
		{1, 16, 1},
		{17, 16, 2},
		{8, 0, 8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.cores, tt.ppn), func(t *testing.T) {
			if got := ComputeNumNodes(tt.cores, tt.ppn); got != tt.want {
				t.Errorf("ComputeNumNodes(%d, %d) = %d; want %d", tt.cores, tt.ppn, got, tt.want)
			}
		})
	}
}

func TestBackendComputeNumNodesDefaultPPN(t *testing.T) {
	b := mustNew(t, "slurm", newFakeRunner())
	if got := b.ComputeNumNodes(9, 0); got != 3 {
		t.Errorf("default ppn 4: ComputeNumNodes(9, 0) = %d; want 3", got)
	}
	if got := b.ComputeNumNodes(9, 9); got != 1 {
		t.Errorf("override ppn 9: ComputeNumNodes(9, 9) = %d; want 1", got)
	}
}

func TestNewKinds(t *testing.T) {
	tests := []struct {
		kind string
		name string
		ext  string
	}{
		{"proc", "proc", ".sh"},
		{"SLURM", "slurm", ".sbatch"},
		{"pbs", "pbs", ".qsub"},
		{"craypbs", "craypbs", ".qsub"},
		{" moab ", "moab", ".msub"},
	}
	for _, tt := range tests {
		b := mustNew(t, tt.kind, newFakeRunner())
		if b.Name() != tt.name {
			t.Errorf("New(%q).Name() = %q; want %q", tt.kind, b.Name(), tt.name)
		}
		if b.Ext() != tt.ext {
			t.Errorf("New(%q).Ext() = %q; want %q", tt.kind, b.Ext(), tt.ext)
		}
	}
}

func TestNewUnknownKind(t *testing.T) {
	b, err := New("lsf", Options{})
	if err == nil {
		t.Fatalf("expected error, got backend %v", b)
	}
	if !IsConfigurationError(err) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected errors.Is(err, ErrUnknownBackend)")
	}
	if !strings.Contains(err.Error(), "slurm") {
		t.Errorf("error should list valid kinds: %v", err)
	}
}

func TestPollResultDiagnostics(t *testing.T) {
	r := newPollResult()
	if r.Diagnostics() != "" {
		t.Fatalf("empty result should have no diagnostics")
	}
	r.addProblem(NewParseError("slurm", 2, "junk", "expected 4 fields"))
	r.addProblem(NewParseError("slurm", 5, "more junk", "expected 4 fields"))

	diag := r.Diagnostics()
	lines := strings.Split(diag, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 diagnostic lines, got %q", diag)
	}
	if !strings.Contains(lines[0], "line 2") || !strings.Contains(lines[1], "line 5") {
		t.Errorf("unexpected diagnostics: %q", diag)
	}
	if !IsParseError(r.Problems.Errors[0]) {
		t.Errorf("problems should be ParseErrors")
	}
}

func TestLeadingNumber(t *testing.T) {
	cases := map[string]string{
		"123.sdb":      "123",
		"123.sdb.host": "123",
		"4807":         "4807",
		"proc.1":       "proc.1",
	}
	for in, want := range cases {
		if got := leadingNumber(in); got != want {
			t.Errorf("leadingNumber(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"/scratch/run-1": "/scratch/run-1",
		"/tmp/a b":       "'/tmp/a b'",
		"it's":           `'it'"'"'s'`,
		"":               "''",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q; want %q", in, got, want)
		}
	}
}
