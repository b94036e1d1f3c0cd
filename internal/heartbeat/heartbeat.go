// Package heartbeat probes live sessions on an interval and declares a
// session dead after a run of consecutive failed probes.
//
// Probes for one session never overlap. A probe that outlives its timeout is
// counted as failed, and if it is still outstanding when the next tick fires
// that tick is counted as failed too without sending another probe.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rermius/connmgr/internal/clock"
	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/logutil"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 10 * time.Second
	DefaultMaxFailures = 3
)

// Pinger probes a session. It must return once ctx is done.
type Pinger interface {
	Ping(ctx context.Context, sessionID string) error
}

// DeadFunc is called once when a session exhausts its failure budget.
type DeadFunc func(sessionID, tabID string, err *ExhaustedError)

// Options tunes one session's heartbeat. Zero fields take the package
// defaults.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	return o
}

// State is a snapshot of one session's heartbeat.
type State struct {
	SessionID           string        `json:"sessionId"`
	TabID               string        `json:"tabId"`
	Interval            time.Duration `json:"interval"`
	Timeout             time.Duration `json:"timeout"`
	MaxFailures         int           `json:"maxFailures"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	IsRunning           bool          `json:"isRunning"`
	LastSuccess         time.Time     `json:"lastSuccess"`
}

// TimeoutError records a probe that did not answer within Timeout.
type TimeoutError struct {
	SessionID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("heartbeat for session %s timed out after %s", e.SessionID, e.Timeout)
}

// ExhaustedError is passed to the DeadFunc when MaxFailures consecutive
// probes have failed. Last is the final probe's error.
type ExhaustedError struct {
	SessionID string
	Failures  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("session %s unresponsive after %d consecutive heartbeat failures: %v", e.SessionID, e.Failures, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type beat struct {
	state State

	tick     clock.Timer
	deadline clock.Timer
	cancel   context.CancelFunc

	seq      uint64 // last probe issued
	resolved uint64 // last probe whose outcome was counted
	inFlight bool   // the Ping call for seq has not returned
}

// Monitor owns the heartbeats of one orchestrator.
type Monitor struct {
	pinger Pinger
	clock  clock.Clock
	onDead DeadFunc

	mu    sync.Mutex
	beats map[string]*beat
}

// New returns a Monitor probing sessions through p on clock c. onDead runs
// on a timer goroutine with no Monitor lock held.
func New(p Pinger, c clock.Clock, onDead DeadFunc) *Monitor {
	if c == nil {
		c = clock.Real()
	}
	return &Monitor{
		pinger: p,
		clock:  c,
		onDead: onDead,
		beats:  make(map[string]*beat),
	}
}

// Start begins probing sessionID. It returns false and does nothing if a
// heartbeat is already running for the session.
func (m *Monitor) Start(sessionID, tabID string, opts Options) bool {
	opts = opts.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beats[sessionID]; ok {
		logging.Warnf("heartbeat: already running for session %s", sessionID)
		return false
	}
	b := &beat{state: State{
		SessionID:   sessionID,
		TabID:       tabID,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		MaxFailures: opts.MaxFailures,
		IsRunning:   true,
		LastSuccess: m.clock.Now(),
	}}
	m.beats[sessionID] = b
	m.scheduleLocked(b)
	logging.Debugf("heartbeat: started for session %s (interval %s, timeout %s, max failures %d)",
		sessionID, opts.Interval, opts.Timeout, opts.MaxFailures)
	return true
}

// Stop cancels the session's heartbeat. It is a no-op if none is running.
func (m *Monitor) Stop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.beats[sessionID]; ok {
		m.stopLocked(b)
	}
}

// StopAll cancels every heartbeat.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.beats {
		m.stopLocked(b)
	}
}

// Running reports whether a heartbeat is active for sessionID.
func (m *Monitor) Running(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.beats[sessionID]
	return ok
}

// State returns a snapshot of the session's heartbeat, if one is running.
func (m *Monitor) State(sessionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beats[sessionID]
	if !ok {
		return State{}, false
	}
	return b.state, true
}

func (m *Monitor) stopLocked(b *beat) {
	b.state.IsRunning = false
	if b.tick != nil {
		b.tick.Stop()
	}
	if b.deadline != nil {
		b.deadline.Stop()
	}
	if b.cancel != nil {
		b.cancel()
	}
	delete(m.beats, b.state.SessionID)
}

func (m *Monitor) scheduleLocked(b *beat) {
	b.tick = m.clock.AfterFunc(b.state.Interval, func() { m.onTick(b) })
}

func (m *Monitor) onTick(b *beat) {
	m.mu.Lock()
	if !b.state.IsRunning {
		m.mu.Unlock()
		return
	}
	id := b.state.SessionID
	if b.inFlight {
		m.mu.Unlock()
		logging.Debugf("heartbeat: previous probe for session %s still outstanding", id)
		m.record(b, 0, &TimeoutError{SessionID: id, Timeout: b.state.Timeout})
		return
	}

	b.seq++
	seq := b.seq
	b.inFlight = true
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	timeout := b.state.Timeout
	b.deadline = m.clock.AfterFunc(timeout, func() {
		cancel()
		m.record(b, seq, &TimeoutError{SessionID: id, Timeout: timeout})
	})
	m.mu.Unlock()

	go func() {
		err := m.pinger.Ping(ctx, id)
		m.mu.Lock()
		if b.seq == seq {
			b.inFlight = false
		}
		m.mu.Unlock()
		m.record(b, seq, err)
	}()
}

// record counts the outcome of probe seq. Seq 0 is a tick skipped because a
// probe was still outstanding. A probe whose outcome was already counted (by
// its timeout or its reply, whichever came first) is ignored.
func (m *Monitor) record(b *beat, seq uint64, err error) {
	m.mu.Lock()
	if !b.state.IsRunning {
		m.mu.Unlock()
		return
	}
	if seq != 0 {
		if seq <= b.resolved {
			m.mu.Unlock()
			return
		}
		b.resolved = seq
		if b.deadline != nil {
			b.deadline.Stop()
		}
	}

	if err == nil {
		b.state.ConsecutiveFailures = 0
		b.state.LastSuccess = m.clock.Now()
		m.scheduleLocked(b)
		m.mu.Unlock()
		return
	}

	b.state.ConsecutiveFailures++
	id, tabID, failures := b.state.SessionID, b.state.TabID, b.state.ConsecutiveFailures
	logging.Warnf("heartbeat: session %s probe failed (%d/%d): %s",
		id, failures, b.state.MaxFailures, logutil.SanitizeForLog(err.Error()))
	if failures < b.state.MaxFailures {
		m.scheduleLocked(b)
		m.mu.Unlock()
		return
	}

	m.stopLocked(b)
	m.mu.Unlock()

	logging.Errorf("heartbeat: session %s dead after %d failures", id, failures)
	if m.onDead != nil {
		m.onDead(id, tabID, &ExhaustedError{SessionID: id, Failures: failures, Last: err})
	}
}
