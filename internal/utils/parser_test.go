package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"02:00:00", 2 * time.Hour, false},
		{"2:30", 2*time.Hour + 30*time.Minute, false},
		{"0:00:45", 45 * time.Second, false},
		{"600", 10 * time.Minute, false},
		{" 30s ", 30 * time.Second, false},
		{"", 0, true},
		{"1:2:3:4", 0, true},
		{"a:00", 0, true},
		{"-5", 0, true},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q) expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseKeyValues(t *testing.T) {
	kv, err := ParseKeyValues("PPN=16, maxtime=24h,,maxnodes=500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kv) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(kv))
	}
	if kv[0] != [2]string{"ppn", "16"} {
		t.Fatalf("unexpected first pair: %v", kv[0])
	}
	if kv[2] != [2]string{"maxnodes", "500"} {
		t.Fatalf("unexpected last pair: %v", kv[2])
	}

	if _, err := ParseKeyValues("ppn"); err == nil {
		t.Fatalf("expected error for item without '='")
	}
	if _, err := ParseKeyValues("=3"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestSafeName(t *testing.T) {
	if got := SafeName("suite/case a"); got != "suite--case_a" {
		t.Fatalf("SafeName = %q", got)
	}
}

func TestAbsFrom(t *testing.T) {
	if got := AbsFrom("/work", "out.log"); got != filepath.Join("/work", "out.log") {
		t.Fatalf("AbsFrom relative = %q", got)
	}
	if got := AbsFrom("/work", "/tmp/x.log"); got != "/tmp/x.log" {
		t.Fatalf("AbsFrom absolute = %q", got)
	}
	if got := AbsFrom("/work", ""); got != "" {
		t.Fatalf("AbsFrom empty = %q", got)
	}
}

func TestEnsureDirAndExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if DirExists(dir) {
		t.Fatalf("dir should not exist yet")
	}
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if !DirExists(dir) {
		t.Fatalf("dir should exist")
	}
	file := filepath.Join(dir, "f.txt")
	if FileExists(file) {
		t.Fatalf("file should not exist yet")
	}
	if err := os.WriteFile(file, []byte("x"), PermFile); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !FileExists(file) || FileExists(dir) {
		t.Fatalf("FileExists mismatch")
	}
}
