package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wppgwd.log")
	logger, err := New(path, "info")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Errorf("log file missing info entry: %s", out)
	}
	if !strings.Contains(out, `"pid":`) {
		t.Errorf("log file missing pid field: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug entry written at info level: %s", out)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x.log"), "loud"); err == nil {
		t.Error("New() should reject unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
}
