package credstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/rermius/connmgr/internal/clock"
)

func newTestStore(t *testing.T, grace time.Duration) (*Store, afero.Fs, *clock.Fake) {
	t.Helper()
	fs := afero.NewMemMapFs()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s, err := New(Options{Dir: "/tmp/keys", GracePeriod: grace, Fs: fs, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, fs, clk
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	if err != nil {
		t.Fatalf("exists %s: %v", path, err)
	}
	return ok
}

func TestMaterializeWritesPrivateFile(t *testing.T) {
	s, fs, _ := newTestStore(t, time.Second)

	p1, err := s.Materialize([]byte("PEM-1"))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	p2, err := s.Materialize([]byte("PEM-2"))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if p1 == p2 {
		t.Fatal("two materializations got the same path")
	}
	if !strings.HasPrefix(filepath.Base(p1), "key-") {
		t.Errorf("unexpected name %s", p1)
	}

	data, err := afero.ReadFile(fs, p1)
	if err != nil || string(data) != "PEM-1" {
		t.Fatalf("content = %q, err = %v", data, err)
	}
	info, err := fs.Stat(p1)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
	if got := s.Live(); len(got) != 2 {
		t.Errorf("Live = %v", got)
	}
}

func TestReleaseDeletesAfterGracePeriod(t *testing.T) {
	s, fs, clk := newTestStore(t, 5*time.Second)
	p, _ := s.Materialize([]byte("PEM"))

	s.Release(p)
	clk.Advance(4 * time.Second)
	s.Wait()
	if !exists(t, fs, p) {
		t.Fatal("file deleted before the grace period expired")
	}

	clk.Advance(time.Second)
	s.Wait()
	if exists(t, fs, p) {
		t.Fatal("file still exists after the grace period")
	}
	if len(s.Live()) != 0 {
		t.Errorf("Live = %v, want empty", s.Live())
	}
}

func TestAcknowledgeDeletesImmediatelyAfterRelease(t *testing.T) {
	s, fs, clk := newTestStore(t, time.Hour)
	p, _ := s.Materialize([]byte("PEM"))

	s.Release(p)
	s.Acknowledge(p)
	s.Wait()
	if exists(t, fs, p) {
		t.Fatal("acknowledged and released file should be gone")
	}
	if clk.Pending() != 0 {
		t.Errorf("grace timer should be stopped, %d pending", clk.Pending())
	}
}

func TestAcknowledgeBeforeReleaseKeepsFileUntilRelease(t *testing.T) {
	s, fs, _ := newTestStore(t, time.Hour)
	p, _ := s.Materialize([]byte("PEM"))

	s.Acknowledge(p)
	s.Wait()
	if !exists(t, fs, p) {
		t.Fatal("ack alone must not delete a file its owner still holds")
	}

	s.Release(p)
	s.Wait()
	if exists(t, fs, p) {
		t.Fatal("release after ack should delete immediately")
	}
}

func TestReleaseTwiceIsSafe(t *testing.T) {
	s, fs, clk := newTestStore(t, time.Second)
	p, _ := s.Materialize([]byte("PEM"))

	s.Release(p)
	s.Release(p)
	if clk.Pending() != 1 {
		t.Fatalf("double release scheduled %d timers, want 1", clk.Pending())
	}
	clk.Advance(time.Second)
	s.Wait()

	s.Release(p)
	s.Acknowledge(p)
	s.Release("/tmp/keys/never-created")
	s.Wait()
	if exists(t, fs, p) {
		t.Fatal("file should be gone")
	}
}

func TestZeroGraceDeletesOnRelease(t *testing.T) {
	s, fs, _ := newTestStore(t, 0)
	p, _ := s.Materialize([]byte("PEM"))
	s.Release(p)
	s.Wait()
	if exists(t, fs, p) {
		t.Fatal("zero grace should delete on release")
	}
}

func TestFlushDeletesEverything(t *testing.T) {
	s, fs, _ := newTestStore(t, time.Hour)
	p1, _ := s.Materialize([]byte("a"))
	p2, _ := s.Materialize([]byte("b"))
	s.Release(p1)

	s.Flush()
	if exists(t, fs, p1) || exists(t, fs, p2) {
		t.Fatal("Flush left files behind")
	}
}

func TestSweepRemovesOnlyOldUntrackedFiles(t *testing.T) {
	s, fs, clk := newTestStore(t, time.Hour)

	orphan := "/tmp/keys/key-1-deadbeef"
	if err := afero.WriteFile(fs, orphan, []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}
	old := clk.Now().Add(-2 * time.Hour)
	if err := fs.Chtimes(orphan, old, old); err != nil {
		t.Fatal(err)
	}
	unrelated := "/tmp/keys/notes.txt"
	afero.WriteFile(fs, unrelated, []byte("x"), 0600)
	fs.Chtimes(unrelated, old, old)

	tracked, _ := s.Materialize([]byte("live"))
	fs.Chtimes(tracked, old, old)

	n, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d files, want 1", n)
	}
	if exists(t, fs, orphan) {
		t.Error("orphan not removed")
	}
	if !exists(t, fs, tracked) {
		t.Error("tracked file must survive the sweep")
	}
	if !exists(t, fs, unrelated) {
		t.Error("non-key file must survive the sweep")
	}
}

func TestStartSweeperRejectsBadSchedule(t *testing.T) {
	s, _, _ := newTestStore(t, time.Second)
	if _, err := s.StartSweeper("not a schedule", time.Hour); err == nil {
		t.Fatal("expected schedule parse error")
	}
	c, err := s.StartSweeper("@every 1h", time.Hour)
	if err != nil {
		t.Fatalf("StartSweeper: %v", err)
	}
	<-c.Stop().Done()
}

func TestOsFsBackend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	s, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := s.Materialize([]byte("PEM"))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	s.Release(p)
	s.Acknowledge(p)
	s.Wait()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("stat after release = %v, want not-exist", err)
	}
}
