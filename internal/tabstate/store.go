// Package tabstate is the canonical record of every tab's connection state.
//
// Tabs are published as an immutable map behind an atomic pointer. Readers
// never lock. Writers serialize on a mutex, clone the tab they change and
// publish a new map, so an update is a compare-and-set on the tab's state.
package tabstate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/logging"
)

// Kind is what a tab shows once connected.
type Kind string

const (
	KindTerminal    Kind = "terminal"
	KindFileBrowser Kind = "file-browser"
)

const defaultMaxLogs = 500

// ErrTabNotFound is returned for operations on an unknown tab id.
var ErrTabNotFound = errors.New("tab not found")

// ReconnectState tracks a tab's current reconnect sequence.
type ReconnectState struct {
	RetryCount     int  `json:"retryCount"`
	IsReconnecting bool `json:"isReconnecting"`
	Cancelled      bool `json:"cancelled"`
}

// Tab is one connection the user opened. Store hands out copies; mutate
// through Update or Transition.
type Tab struct {
	ID        string           `json:"id"`
	Label     string           `json:"label"`
	Kind      Kind             `json:"kind"`
	HostID    string           `json:"hostId"`
	State     State            `json:"connectionState"`
	SessionID string           `json:"sessionId,omitempty"`
	Logs      []string         `json:"logs"`
	Error     string           `json:"error,omitempty"`
	Reconnect ReconnectState   `json:"reconnect"`
	Host      hosts.HostConfig `json:"host"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func (t *Tab) clone() *Tab {
	c := *t
	c.Logs = append([]string(nil), t.Logs...)
	c.Host = t.Host.Clone()
	return &c
}

// ChangeType says what happened to the tab in a Change.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// Change is delivered to subscribers after every mutation.
type Change struct {
	Type ChangeType `json:"type"`
	Tab  Tab        `json:"tab"`
	// From is the state before the change. It equals Tab.State when the state
	// did not change.
	From State `json:"from"`
}

// Options configures a Store. MaxLogs caps each tab's log lines.
type Options struct {
	MaxLogs int
	Now     func() time.Time
}

// Store holds the tabs of one orchestrator. Reads are lock-free snapshots;
// writes copy the map and swap it in.
type Store struct {
	tabs atomic.Pointer[map[string]*Tab]

	mu      sync.Mutex
	history map[string]*transitionRing
	subs    map[int]chan Change
	nextSub int
	maxLogs int
	now     func() time.Time
}

// New returns an empty Store.
func New(opts Options) *Store {
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = defaultMaxLogs
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		history: make(map[string]*transitionRing),
		subs:    make(map[int]chan Change),
		maxLogs: opts.MaxLogs,
		now:     opts.Now,
	}
	empty := make(map[string]*Tab)
	s.tabs.Store(&empty)
	return s
}

func (s *Store) snapshot() map[string]*Tab { return *s.tabs.Load() }

// Get returns a copy of the tab.
func (s *Store) Get(id string) (Tab, bool) {
	t, ok := s.snapshot()[id]
	if !ok {
		return Tab{}, false
	}
	return *t.clone(), true
}

// List returns copies of all tabs, oldest first.
func (s *Store) List() []Tab {
	m := s.snapshot()
	out := make([]Tab, 0, len(m))
	for _, t := range m {
		out = append(out, *t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FindBySession returns the tab bound to sessionID.
func (s *Store) FindBySession(sessionID string) (Tab, bool) {
	if sessionID == "" {
		return Tab{}, false
	}
	for _, t := range s.snapshot() {
		if t.SessionID == sessionID {
			return *t.clone(), true
		}
	}
	return Tab{}, false
}

// Create adds an IDLE tab for host. The label is the host's display name,
// suffixed with a counter when another tab already uses it.
func (s *Store) Create(kind Kind, host hosts.HostConfig) Tab {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot()
	now := s.now()
	t := &Tab{
		ID:        uuid.NewString(),
		Label:     uniqueLabel(old, host.DisplayName()),
		Kind:      kind,
		HostID:    host.ID,
		State:     StateIdle,
		Host:      host.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.publishLocked(old, t)
	s.history[t.ID] = &transitionRing{}
	s.notifyLocked(Change{Type: ChangeCreated, Tab: *t.clone(), From: StateIdle})
	return *t.clone()
}

func uniqueLabel(tabs map[string]*Tab, base string) string {
	taken := make(map[string]bool, len(tabs))
	for _, t := range tabs {
		taken[t.Label] = true
	}
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		l := fmt.Sprintf("%s (%d)", base, i)
		if !taken[l] {
			return l
		}
	}
}

// Update applies fn to a copy of the tab and publishes it. If fn returns an
// error nothing changes. A state change made by fn must be a valid
// transition and is recorded in the tab's history.
func (s *Store) Update(id string, fn func(*Tab) error) (Tab, error) {
	return s.update(id, "", fn)
}

// Transition moves the tab to state to, applying mutate to the same copy.
func (s *Store) Transition(id string, to State, reason string, mutate func(*Tab)) (Tab, error) {
	return s.update(id, reason, func(t *Tab) error {
		t.State = to
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
}

// TransitionFrom is Transition guarded by the current state being from.
func (s *Store) TransitionFrom(id string, from, to State, reason string, mutate func(*Tab)) (Tab, error) {
	return s.update(id, reason, func(t *Tab) error {
		if t.State != from {
			return &InvalidTransitionError{TabID: id, From: t.State, To: to}
		}
		t.State = to
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
}

func (s *Store) update(id, reason string, fn func(*Tab) error) (Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot()
	cur, ok := old[id]
	if !ok {
		return Tab{}, fmt.Errorf("%w: %s", ErrTabNotFound, id)
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return *cur.clone(), err
	}
	next.ID = cur.ID
	if next.State != cur.State {
		if !canTransition(cur.State, next.State) {
			return *cur.clone(), &InvalidTransitionError{TabID: id, From: cur.State, To: next.State}
		}
		s.history[id].record(Transition{From: cur.State, To: next.State, Timestamp: s.now(), Reason: reason})
		logging.Debugf("tabstate: %s %s -> %s %s", id, cur.State, next.State, reason)
	}
	if len(next.Logs) > s.maxLogs {
		next.Logs = append([]string(nil), next.Logs[len(next.Logs)-s.maxLogs:]...)
	}
	next.UpdatedAt = s.now()
	s.publishLocked(old, next)
	s.notifyLocked(Change{Type: ChangeUpdated, Tab: *next.clone(), From: cur.State})
	return *next.clone(), nil
}

// AppendLog adds lines to the tab's log.
func (s *Store) AppendLog(id string, lines ...string) error {
	_, err := s.Update(id, func(t *Tab) error {
		t.Logs = append(t.Logs, lines...)
		return nil
	})
	return err
}

// Remove deletes the tab. It reports whether the tab existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snapshot()
	t, ok := old[id]
	if !ok {
		return false
	}
	next := make(map[string]*Tab, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	s.tabs.Store(&next)
	delete(s.history, id)
	s.notifyLocked(Change{Type: ChangeRemoved, Tab: *t.clone(), From: t.State})
	return true
}

// History returns the tab's recorded transitions, oldest first.
func (s *Store) History(id string) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.history[id]
	if !ok {
		return nil
	}
	return r.history()
}

// Subscribe returns a channel of changes and a function that ends the
// subscription. Changes are dropped for a subscriber whose buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publishLocked(old map[string]*Tab, t *Tab) {
	next := make(map[string]*Tab, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[t.ID] = t
	s.tabs.Store(&next)
}

func (s *Store) notifyLocked(c Change) {
	for id, ch := range s.subs {
		select {
		case ch <- c:
		default:
			logging.Warnf("tabstate: subscriber %d is full, dropping %s change for %s", id, c.Type, c.Tab.ID)
		}
	}
}
