// Package events routes session-layer events to the connect attempt or tab
// they belong to. Each orchestrator owns exactly one Dispatcher reading the
// layer's event channel.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rermius/connmgr/internal/clock"
	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/sessionlayer"
)

// Acknowledger is told when the session layer no longer needs a key file.
type Acknowledger interface {
	Acknowledge(path string)
}

// Attempt is a tracked connect attempt.
type Attempt struct {
	id         string
	onProgress func(sessionlayer.HopProgress)
	keyPaths   []string
	opened     chan struct{}
	once       sync.Once
}

// ID is the attempt id the session layer tags its events with.
func (a *Attempt) ID() string { return a.id }

// Opened is closed once TunnelOpened for this attempt has been dispatched.
// Every HopProgress emitted before it has already been delivered.
func (a *Attempt) Opened() <-chan struct{} { return a.opened }

// DefaultExitHoldTime is how long an exit for a session no tab owns yet is
// kept for a later ClaimExit.
const DefaultExitHoldTime = 30 * time.Second

// Dispatcher routes the events of one session layer. HopProgress and
// TunnelOpened go to tracked attempts, SessionExit to the exit handler.
type Dispatcher struct {
	creds    Acknowledger
	clock    clock.Clock
	holdTime time.Duration

	mu       sync.Mutex
	attempts map[string]*Attempt
	onExit   func(sessionlayer.SessionExit)
	held     map[string]heldExit
}

type heldExit struct {
	ev sessionlayer.SessionExit
	at time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used to expire held exits.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithExitHoldTime sets how long HoldExit keeps an exit.
func WithExitHoldTime(t time.Duration) Option {
	return func(d *Dispatcher) { d.holdTime = t }
}

// New returns a Dispatcher that acknowledges key paths through creds, which
// may be nil.
func New(creds Acknowledger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		creds:    creds,
		clock:    clock.Real(),
		holdTime: DefaultExitHoldTime,
		attempts: make(map[string]*Attempt),
		held:     make(map[string]heldExit),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnSessionExit sets the handler for SessionExit events. It runs on the
// dispatcher goroutine and must not block on the dispatcher.
func (d *Dispatcher) OnSessionExit(fn func(sessionlayer.SessionExit)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onExit = fn
}

// Track registers a new attempt. Progress events carrying its id go to
// onProgress. keyPaths are acknowledged when the tunnel opens.
func (d *Dispatcher) Track(onProgress func(sessionlayer.HopProgress), keyPaths []string) *Attempt {
	a := &Attempt{
		id:         uuid.NewString(),
		onProgress: onProgress,
		keyPaths:   append([]string(nil), keyPaths...),
		opened:     make(chan struct{}),
	}
	d.mu.Lock()
	d.attempts[a.id] = a
	d.mu.Unlock()
	return a
}

// Untrack forgets a. Late events for it are dropped.
func (d *Dispatcher) Untrack(a *Attempt) {
	d.mu.Lock()
	delete(d.attempts, a.id)
	d.mu.Unlock()
}

// Run dispatches events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan sessionlayer.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			d.Dispatch(ev)
		}
	}
}

// Dispatch handles one event on the caller's goroutine.
func (d *Dispatcher) Dispatch(ev sessionlayer.Event) {
	switch e := ev.(type) {
	case sessionlayer.HopProgress:
		a := d.attempt(e.AttemptID)
		if a == nil {
			logging.Debugf("events: hop progress for unknown attempt %s dropped", e.AttemptID)
			return
		}
		if a.onProgress != nil {
			a.onProgress(e)
		}

	case sessionlayer.TunnelOpened:
		a := d.attempt(e.AttemptID)
		if a == nil {
			logging.Debugf("events: tunnel-opened for unknown attempt %s dropped", e.AttemptID)
			return
		}
		a.once.Do(func() {
			if d.creds != nil {
				for _, p := range a.keyPaths {
					d.creds.Acknowledge(p)
				}
			}
			close(a.opened)
		})

	case sessionlayer.SessionExit:
		d.mu.Lock()
		fn := d.onExit
		d.mu.Unlock()
		if fn != nil {
			fn(e)
		}

	default:
		logging.Warnf("events: unknown event type %T", ev)
	}
}

// HoldExit keeps ev until ClaimExit takes it or the hold time passes. It is
// for exits of sessions whose owner has not recorded the session id yet.
func (d *Dispatcher) HoldExit(ev sessionlayer.SessionExit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	d.pruneLocked(now)
	d.held[ev.SessionID] = heldExit{ev: ev, at: now}
}

// ClaimExit removes and returns the held exit of sessionID, if any.
func (d *Dispatcher) ClaimExit(sessionID string) (sessionlayer.SessionExit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.clock.Now())
	h, ok := d.held[sessionID]
	if !ok {
		return sessionlayer.SessionExit{}, false
	}
	delete(d.held, sessionID)
	return h.ev, true
}

func (d *Dispatcher) pruneLocked(now time.Time) {
	for id, h := range d.held {
		if now.Sub(h.at) > d.holdTime {
			delete(d.held, id)
		}
	}
}

func (d *Dispatcher) attempt(id string) *Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[id]
}
