// Package reconnect retries a tab's connection with exponential backoff after
// an unexpected session exit or heartbeat death.
//
// A reconnect sequence keeps the tab CONNECTING with IsReconnecting set until
// it either succeeds (CONNECTED, counters reset) or gives up (FAILED). Each
// delay is a cancellable timer from the injected clock, so a sequence can be
// cancelled between attempts and driven deterministically in tests.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rermius/connmgr/internal/clock"
	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/logutil"
	"github.com/rermius/connmgr/internal/tabstate"
)

// ErrUserCancelled ends a sequence stopped through CancelReconnect.
var ErrUserCancelled = errors.New("reconnect cancelled by user")

var (
	errAlreadyReconnecting = errors.New("already reconnecting")
	errCancelled           = errors.New("reconnect cancelled")
	errNotConnected        = errors.New("tab is not connected or failed")
)

// ExhaustedError means a sequence ran out of attempts or time.
type ExhaustedError struct {
	TabID    string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("reconnect to tab %s gave up after %d attempt(s) in %s", e.TabID, e.Attempts, e.Elapsed)
	}
	return fmt.Sprintf("reconnect to tab %s gave up after %d attempt(s) in %s: %v", e.TabID, e.Attempts, e.Elapsed, e.Last)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Policy bounds a reconnect sequence. A zero MaxDelay or MaxTotalTime means
// no cap.
type Policy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxTotalTime time.Duration
}

// DefaultPolicy allows five attempts over at most five minutes, backing off
// from one second up to thirty.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   5,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxTotalTime: 5 * time.Minute,
	}
}

// maxBackoff is the largest delay Delay returns when MaxDelay is zero.
const maxBackoff = time.Duration(math.MaxInt64)

// Delay returns the wait before attempt n (zero-based): BaseDelay * 2^n,
// capped at MaxDelay. Without a MaxDelay the result saturates instead of
// overflowing.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		if d > maxBackoff/2 {
			d = maxBackoff
			break
		}
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Connector runs one connect attempt with the tab's stored host snapshot.
type Connector interface {
	Connect(ctx context.Context, tab tabstate.Tab) (sessionID string, err error)
	// Discard closes a session opened by an attempt whose result is no
	// longer wanted.
	Discard(sessionID string)
}

// Options configures a Manager. A Policy without a BaseDelay is replaced by
// DefaultPolicy.
type Options struct {
	Policy Policy
	Clock  clock.Clock
	// OnConnected runs after a reconnect moves the tab to CONNECTED.
	OnConnected func(tab tabstate.Tab)
}

type run struct {
	tabID   string
	started time.Time
	timer   clock.Timer
	last    error
}

// Manager owns the reconnect sequences of one orchestrator.
type Manager struct {
	tabs        *tabstate.Store
	conn        Connector
	clock       clock.Clock
	policy      Policy
	onConnected func(tabstate.Tab)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runs    map[string]*run
	stopped bool
}

// New returns a Manager that drives reconnects of tabs in the given store
// through conn.
func New(tabs *tabstate.Store, conn Connector, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Policy.BaseDelay <= 0 {
		opts.Policy = DefaultPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tabs:        tabs,
		conn:        conn,
		clock:       opts.Clock,
		policy:      opts.Policy,
		onConnected: opts.OnConnected,
		ctx:         ctx,
		cancel:      cancel,
		runs:        make(map[string]*run),
	}
}

// AttemptReconnect starts a reconnect sequence for the tab. It returns false
// without doing anything if the tab does not exist, is already
// reconnecting, or has been cancelled.
func (m *Manager) AttemptReconnect(tabID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	if _, ok := m.runs[tabID]; ok {
		logging.Debugf("reconnect: tab %s already has a sequence running", tabID)
		return false
	}

	_, err := m.tabs.Update(tabID, func(t *tabstate.Tab) error {
		switch {
		case t.Reconnect.IsReconnecting:
			return errAlreadyReconnecting
		case t.Reconnect.Cancelled:
			return errCancelled
		case t.State != tabstate.StateConnected && t.State != tabstate.StateFailed:
			return errNotConnected
		}
		t.State = tabstate.StateConnecting
		t.SessionID = ""
		t.Reconnect = tabstate.ReconnectState{IsReconnecting: true}
		return nil
	})
	if err != nil {
		logging.Debugf("reconnect: not starting for tab %s: %v", tabID, err)
		return false
	}

	r := &run{tabID: tabID, started: m.clock.Now()}
	m.runs[tabID] = r
	logging.Infof("reconnect: starting for tab %s", tabID)
	if err := m.scheduleLocked(r, 0); err != nil {
		delete(m.runs, tabID)
		m.fail(tabID, err)
	}
	return true
}

// CancelReconnect sets the tab's cancellation flag. A pending backoff is
// stopped and the tab moves to FAILED at once. An attempt already executing
// is not interrupted; its outcome is discarded when it returns.
func (m *Manager) CancelReconnect(tabID string) bool {
	_, err := m.tabs.Update(tabID, func(t *tabstate.Tab) error {
		if !t.Reconnect.IsReconnecting {
			return errNotConnected
		}
		t.Reconnect.Cancelled = true
		return nil
	})
	if err != nil {
		return false
	}

	m.mu.Lock()
	r, ok := m.runs[tabID]
	pending := ok && r.timer != nil && r.timer.Stop()
	if pending {
		delete(m.runs, tabID)
	}
	m.mu.Unlock()

	logging.Infof("reconnect: cancelled for tab %s", tabID)
	if pending {
		m.fail(tabID, ErrUserCancelled)
	}
	return true
}

// Forget drops the tab's sequence without touching the tab, for tabs being
// closed.
func (m *Manager) Forget(tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[tabID]; ok {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(m.runs, tabID)
	}
}

// Reconnecting reports whether a sequence is running for the tab.
func (m *Manager) Reconnecting(tabID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[tabID]
	return ok
}

// Stop cancels every pending sequence and the context of executing attempts.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	for id, r := range m.runs {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(m.runs, id)
	}
	m.mu.Unlock()
	m.cancel()
}

// Wait blocks until executing attempts have returned.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) scheduleLocked(r *run, retries int) error {
	if retries >= m.policy.MaxRetries {
		return &ExhaustedError{TabID: r.tabID, Attempts: retries, Elapsed: m.clock.Now().Sub(r.started), Last: r.last}
	}
	delay := m.policy.Delay(retries)
	logging.Infof("reconnect: tab %s attempt %d/%d in %s", r.tabID, retries+1, m.policy.MaxRetries, delay)
	r.timer = m.clock.AfterFunc(delay, func() { m.fire(r) })
	return nil
}

func (m *Manager) fire(r *run) {
	m.mu.Lock()
	if m.runs[r.tabID] != r {
		m.mu.Unlock()
		return
	}
	r.timer = nil
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	tab, ok := m.tabs.Get(r.tabID)
	if !ok {
		m.drop(r)
		return
	}
	if tab.Reconnect.Cancelled {
		m.finish(r, ErrUserCancelled)
		return
	}
	if elapsed := m.clock.Now().Sub(r.started); m.policy.MaxTotalTime > 0 && elapsed > m.policy.MaxTotalTime {
		m.finish(r, &ExhaustedError{TabID: r.tabID, Attempts: tab.Reconnect.RetryCount, Elapsed: elapsed, Last: r.last})
		return
	}

	attempt := tab.Reconnect.RetryCount + 1
	_ = m.tabs.AppendLog(r.tabID, fmt.Sprintf("Reconnect attempt %d/%d", attempt, m.policy.MaxRetries))
	sessionID, err := m.conn.Connect(m.ctx, tab)

	m.mu.Lock()
	current := m.runs[r.tabID] == r
	m.mu.Unlock()
	if !current {
		if err == nil {
			m.conn.Discard(sessionID)
		}
		return
	}

	tab, ok = m.tabs.Get(r.tabID)
	if !ok {
		if err == nil {
			m.conn.Discard(sessionID)
		}
		m.drop(r)
		return
	}
	if tab.Reconnect.Cancelled {
		if err == nil {
			m.conn.Discard(sessionID)
		}
		m.finish(r, ErrUserCancelled)
		return
	}

	if err == nil {
		m.succeed(r, sessionID, attempt)
		return
	}

	logging.Warnf("reconnect: tab %s attempt %d failed: %s", r.tabID, attempt, logutil.SanitizeForLog(err.Error()))
	r.last = err
	updated, uerr := m.tabs.Update(r.tabID, func(t *tabstate.Tab) error {
		t.Reconnect.RetryCount = attempt
		t.Error = err.Error()
		return nil
	})
	if uerr != nil {
		m.drop(r)
		return
	}

	m.mu.Lock()
	if m.runs[r.tabID] != r {
		m.mu.Unlock()
		return
	}
	if serr := m.scheduleLocked(r, updated.Reconnect.RetryCount); serr != nil {
		delete(m.runs, r.tabID)
		m.mu.Unlock()
		m.fail(r.tabID, serr)
		return
	}
	m.mu.Unlock()
}

func (m *Manager) succeed(r *run, sessionID string, attempt int) {
	tab, err := m.tabs.TransitionFrom(r.tabID, tabstate.StateConnecting, tabstate.StateConnected, "reconnected", func(t *tabstate.Tab) {
		t.SessionID = sessionID
		t.Error = ""
		t.Reconnect = tabstate.ReconnectState{}
	})
	m.drop(r)
	if err != nil {
		logging.Warnf("reconnect: tab %s changed during attempt, discarding session: %v", r.tabID, err)
		m.conn.Discard(sessionID)
		return
	}
	logging.Infof("reconnect: tab %s reconnected after %d attempt(s)", r.tabID, attempt)
	if m.onConnected != nil {
		m.onConnected(tab)
	}
}

func (m *Manager) drop(r *run) {
	m.mu.Lock()
	if m.runs[r.tabID] == r {
		delete(m.runs, r.tabID)
	}
	m.mu.Unlock()
}

func (m *Manager) finish(r *run, err error) {
	m.drop(r)
	m.fail(r.tabID, err)
}

// fail moves the tab to FAILED. It never takes m.mu.
func (m *Manager) fail(tabID string, err error) {
	logging.Warnf("reconnect: tab %s failed: %v", tabID, err)
	_, terr := m.tabs.Transition(tabID, tabstate.StateFailed, "reconnect failed", func(t *tabstate.Tab) {
		t.Error = err.Error()
		t.SessionID = ""
		t.Reconnect.IsReconnecting = false
		t.Logs = append(t.Logs, "Reconnect failed: "+err.Error())
	})
	if terr != nil {
		logging.Debugf("reconnect: could not mark tab %s failed: %v", tabID, terr)
	}
}
