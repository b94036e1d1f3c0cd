// Package credstore writes private keys to short-lived files for the duration
// of one connection attempt and guarantees that every file is removed.
//
// A file is deleted once its owner has released it and either the session
// layer has acknowledged that the tunnel is open (it no longer needs to read
// the file) or the grace period has expired.
package credstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/rermius/connmgr/internal/clock"
	"github.com/rermius/connmgr/internal/logging"
)

const filePrefix = "key-"

// Options configures a Store. Fs defaults to the OS filesystem and Clock to
// real time.
type Options struct {
	Dir         string
	GracePeriod time.Duration
	Fs          afero.Fs
	Clock       clock.Clock
}

// Store writes short-lived private key files and removes them once the
// session layer has read them or the grace period runs out.
type Store struct {
	fs    afero.Fs
	dir   string
	grace time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	released bool
	acked    bool
	timer    clock.Timer
}

// New creates Dir with mode 0700 and returns a Store writing into it.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("credstore: directory is required")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if err := opts.Fs.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	return &Store{
		fs:      opts.Fs,
		dir:     opts.Dir,
		grace:   opts.GracePeriod,
		clock:   opts.Clock,
		entries: make(map[string]*entry),
	}, nil
}

// Fs exposes the filesystem key files live on, so readers use the same view.
func (s *Store) Fs() afero.Fs { return s.fs }

// Materialize writes keyBytes to a new 0600 file and returns its path.
func (s *Store) Materialize(keyBytes []byte) (string, error) {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("random name: %w", err)
	}
	name := fmt.Sprintf("%s%d-%s", filePrefix, s.clock.Now().UnixNano(), hex.EncodeToString(suffix))
	path := filepath.Join(s.dir, name)

	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(keyBytes); err != nil {
		f.Close()
		s.fs.Remove(path)
		return "", fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(path)
		return "", fmt.Errorf("close key file: %w", err)
	}

	s.mu.Lock()
	s.entries[path] = &entry{}
	s.mu.Unlock()

	logging.Debugf("credstore: materialized %s", name)
	return path, nil
}

// Release marks paths as no longer needed by their owner. Deletion happens
// immediately if the session layer already acknowledged the file, otherwise
// after the grace period. Releasing an unknown or already deleted path is a
// no-op. Release never blocks on the filesystem.
func (s *Store) Release(paths ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range paths {
		e, ok := s.entries[p]
		if !ok {
			logging.Debugf("credstore: release of unknown key file %s ignored", filepath.Base(p))
			continue
		}
		if e.released {
			continue
		}
		e.released = true
		if e.acked || s.grace <= 0 {
			s.deleteLocked(p, e)
			continue
		}
		path := p
		e.timer = s.clock.AfterFunc(s.grace, func() { s.expire(path) })
	}
}

// Acknowledge records that the session layer has finished reading path.
func (s *Store) Acknowledge(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[path]
	if !ok {
		return
	}
	e.acked = true
	if e.released {
		s.deleteLocked(path, e)
	}
}

func (s *Store) expire(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[path]; ok {
		logging.Debugf("credstore: grace period expired for %s", filepath.Base(path))
		s.deleteLocked(path, e)
	}
}

// deleteLocked removes the entry and schedules the file removal. Removing the
// entry first is what makes deletion happen exactly once.
func (s *Store) deleteLocked(path string, e *entry) {
	delete(s.entries, path)
	if e.timer != nil {
		e.timer.Stop()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warnf("credstore: failed to remove %s: %v", filepath.Base(path), err)
		}
	}()
}

// Flush deletes every tracked file regardless of release state. Used on shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	for p, e := range s.entries {
		s.deleteLocked(p, e)
	}
	s.mu.Unlock()
	s.Wait()
}

// Wait blocks until scheduled removals have finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

// Live returns the tracked paths that have not been deleted yet.
func (s *Store) Live() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Sweep removes key files older than maxAge that this process does not
// track, such as files left behind by a crash.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0, fmt.Errorf("read key dir: %w", err)
	}
	cutoff := s.clock.Now().Add(-maxAge)

	removed := 0
	for _, info := range infos {
		if info.IsDir() || !strings.HasPrefix(info.Name(), filePrefix) || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, info.Name())
		s.mu.Lock()
		_, tracked := s.entries[path]
		s.mu.Unlock()
		if tracked {
			continue
		}
		if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warnf("credstore: sweep failed to remove %s: %v", info.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// StartSweeper runs Sweep on a cron schedule such as "@every 10m". The caller
// stops the returned scheduler.
func (s *Store) StartSweeper(schedule string, maxAge time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := s.Sweep(maxAge)
		if err != nil {
			logging.Warnf("credstore: sweep: %v", err)
			return
		}
		if n > 0 {
			logging.Infof("credstore: swept %d orphaned key file(s)", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule key sweep %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
