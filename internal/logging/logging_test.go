package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadTailAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "connmgr.log")
	Init(path, "debug")
	t.Cleanup(func() { Close() })

	for i := 0; i < 5; i++ {
		Infof("line %d", i)
	}

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), tail)
	}
	if !strings.Contains(lines[1], "line 4") {
		t.Errorf("last line = %q, want line 4", lines[1])
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("size after Clear = %d, want 0", info.Size())
	}
}

func TestReadTailWithoutFile(t *testing.T) {
	Close()
	mu.Lock()
	logPath = filepath.Join(t.TempDir(), "missing.log")
	mu.Unlock()

	tail, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if tail != "" {
		t.Errorf("tail = %q, want empty", tail)
	}
}
