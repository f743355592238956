package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taleweave.log")
	logger, err := New(Config{Level: "debug", Encoding: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("cycle finished")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	line := string(raw)
	if !strings.Contains(line, `"msg":"cycle finished"`) || !strings.Contains(line, `"level":"DEBUG"`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestNewFallsBackOnBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taleweave.log")
	logger, err := New(Config{Level: "loud", Encoding: "xml", OutputPath: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Fatalf("debug enabled, want info fallback")
	}
}
