// Package connhandler holds the per-connection-type strategies that create
// tabs, run a connect attempt against the session layer and close sessions.
package connhandler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rermius/connmgr/internal/events"
	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/logutil"
	"github.com/rermius/connmgr/internal/resolver"
	"github.com/rermius/connmgr/internal/sessionlayer"
	"github.com/rermius/connmgr/internal/tabstate"
)

// defaultAckWait bounds how long Connect waits for the layer's tunnel-opened
// event so that hop progress is in the log trail before it returns.
const defaultAckWait = 2 * time.Second

// Resolver expands a host into the hops of one attempt.
type Resolver interface {
	Resolve(ctx context.Context, host hosts.HostConfig) (*resolver.ConnectionAttempt, error)
}

// Releaser frees key files of an attempt that never reached the layer.
type Releaser interface {
	Release(paths ...string)
}

// AttemptTracker routes hop progress of an attempt back to its caller.
type AttemptTracker interface {
	Track(onProgress func(sessionlayer.HopProgress), keyPaths []string) *events.Attempt
	Untrack(a *events.Attempt)
}

// LogFunc receives each progress line as it is produced.
type LogFunc func(line string)

// Result is a successful connect: the layer session and the log trail of
// the attempt.
type Result struct {
	SessionID string
	Logs      []string
}

// Handler is a connection strategy for one tab kind. CreateTab registers an
// IDLE tab; Connect runs one attempt and never changes tab state itself.
type Handler interface {
	CanHandle(t hosts.ConnectionType) bool
	Kind() tabstate.Kind
	CreateTab(host hosts.HostConfig) (string, error)
	Connect(ctx context.Context, host hosts.HostConfig, onLog LogFunc) (*Result, error)
	Close(sessionID string) error
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Resolver Resolver
	Creds    Releaser
	Tracker  AttemptTracker
	Layer    sessionlayer.Layer
	Tabs     *tabstate.Store
	Cols     int
	Rows     int
	AckWait  time.Duration
}

// opener performs the layer call for one connection attempt.
type opener func(ctx context.Context, d *Deps, attemptID string, a *resolver.ConnectionAttempt, host hosts.HostConfig) (string, error)

// base implements the steps every strategy shares.
type base struct {
	deps  Deps
	kind  tabstate.Kind
	types []hosts.ConnectionType
	name  string
	open  opener
}

func newBase(d Deps, name string, kind tabstate.Kind, open opener, types ...hosts.ConnectionType) base {
	if d.AckWait <= 0 {
		d.AckWait = defaultAckWait
	}
	return base{deps: d, kind: kind, types: types, name: name, open: open}
}

func (b *base) CanHandle(t hosts.ConnectionType) bool {
	for _, ct := range b.types {
		if ct == t {
			return true
		}
	}
	return false
}

func (b *base) Kind() tabstate.Kind { return b.kind }

func (b *base) CreateTab(host hosts.HostConfig) (string, error) {
	if !b.CanHandle(host.ConnectionType) {
		return "", &UnsupportedConnectionTypeError{Type: host.ConnectionType}
	}
	return b.deps.Tabs.Create(b.kind, host).ID, nil
}

func (b *base) Close(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return b.deps.Layer.CloseSession(sessionID)
}

// Connect resolves host, opens the session and returns its id. The key
// files created by resolution are released on every path.
func (b *base) Connect(ctx context.Context, host hosts.HostConfig, onLog LogFunc) (*Result, error) {
	trail := &logTrail{onLog: onLog}
	fail := func(err error) (*Result, error) {
		trail.addf("Connection failed: %s", logutil.SanitizeForLog(err.Error()))
		logging.Warnf("connhandler: %s connect to %s failed: %v", b.name, logutil.SanitizeForLog(host.Addr()), err)
		return nil, &ConnectFailure{Err: err, Logs: trail.lines()}
	}

	if !b.CanHandle(host.ConnectionType) {
		return fail(&UnsupportedConnectionTypeError{Type: host.ConnectionType})
	}

	trail.addf("Resolving %s (%s)", logutil.SanitizeForLog(host.DisplayName()), host.ConnectionType)
	attempt, err := b.deps.Resolver.Resolve(ctx, host)
	if err != nil {
		return fail(err)
	}
	defer b.deps.Creds.Release(attempt.KeyPaths...)

	if jumps := attempt.Jumps(); len(jumps) > 0 {
		names := make([]string, len(jumps))
		for i, j := range jumps {
			names[i] = logutil.SanitizeForLog(j.Addr())
		}
		trail.addf("Connecting through %d jump host(s): %s", len(jumps), strings.Join(names, " -> "))
	}
	trail.addf("Connecting to %s", logutil.SanitizeForLog(attempt.Target().String()))

	tracked := b.deps.Tracker.Track(func(p sessionlayer.HopProgress) {
		trail.addf("[hop %d/%d] %s", p.HopIndex+1, p.TotalHops, logutil.SanitizeForLog(p.Message))
	}, attempt.KeyPaths)
	defer b.deps.Tracker.Untrack(tracked)

	sessionID, err := b.open(ctx, &b.deps, tracked.ID(), attempt, host)
	b.awaitTunnel(ctx, tracked)
	if err != nil {
		return fail(err)
	}

	trail.addf("Connected to %s", logutil.SanitizeForLog(host.DisplayName()))
	return &Result{SessionID: sessionID, Logs: trail.lines()}, nil
}

func (b *base) awaitTunnel(ctx context.Context, a *events.Attempt) {
	timer := time.NewTimer(b.deps.AckWait)
	defer timer.Stop()
	select {
	case <-a.Opened():
	case <-timer.C:
		logging.Debugf("connhandler: no tunnel-opened for attempt %s after %s", a.ID(), b.deps.AckWait)
	case <-ctx.Done():
	}
}

type logTrail struct {
	mu    sync.Mutex
	onLog LogFunc
	buf   []string
}

func (t *logTrail) addf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	t.mu.Lock()
	t.buf = append(t.buf, line)
	t.mu.Unlock()
	if t.onLog != nil {
		t.onLog(line)
	}
}

func (t *logTrail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
