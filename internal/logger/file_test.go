package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLogger_WritesRunLog(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLogger(dir, "debug")
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	fl.LogRunStart("goal text", 2, 1)
	fl.LogSubtaskComplete("s1", "local-cli")
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(fl.RunFile())
	if err != nil {
		t.Fatalf("reading run log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "goal text") || !strings.Contains(out, "s1 completed via local-cli") {
		t.Errorf("run log missing events:\n%s", out)
	}
}

func TestFileLogger_LatestSymlink(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLogger(dir, "info")
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer fl.Close()

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	if err != nil {
		t.Fatalf("latest.log not a symlink: %v", err)
	}
	if target != filepath.Base(fl.RunFile()) {
		t.Errorf("latest.log -> %s, want %s", target, filepath.Base(fl.RunFile()))
	}
}

func TestFileLogger_CloseIsIdempotent(t *testing.T) {
	fl, err := NewFileLogger(t.TempDir(), "info")
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	fl.LogRunStart("after close", 1, 1) // must not panic
}
