// Package orchestrator drives each tab's connection state machine. It owns
// the event dispatcher, heartbeat monitor and reconnect manager of one set of
// tabs, so several orchestrators can run side by side.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rermius/connmgr/internal/clock"
	"github.com/rermius/connmgr/internal/connhandler"
	"github.com/rermius/connmgr/internal/events"
	"github.com/rermius/connmgr/internal/heartbeat"
	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/logutil"
	"github.com/rermius/connmgr/internal/reconnect"
	"github.com/rermius/connmgr/internal/resolver"
	"github.com/rermius/connmgr/internal/sessionlayer"
	"github.com/rermius/connmgr/internal/tabstate"
)

const closedByUser = "Connection closed by user"

var (
	// ErrNotFailed is returned by Retry for a tab that is not FAILED.
	ErrNotFailed = errors.New("tab is not in FAILED state")
	// ErrTabClosed is returned when the tab was closed while its connect
	// attempt ran. The new session is closed.
	ErrTabClosed = errors.New("tab was closed during connect")
)

// Credentials is the ephemeral key store used by resolution, handlers and
// the dispatcher.
type Credentials interface {
	resolver.Materializer
	events.Acknowledger
	Flush()
}

// reconnector is the part of reconnect.Manager the orchestrator drives.
type reconnector interface {
	AttemptReconnect(tabID string) bool
	CancelReconnect(tabID string) bool
	Forget(tabID string)
	Stop()
	Wait()
}

// Options configures an Orchestrator. Zero values select the defaults of the
// heartbeat and reconnect packages, the real clock and an 80x24 terminal.
type Options struct {
	Heartbeat        bool
	HeartbeatOptions heartbeat.Options
	AutoReconnect    bool
	Policy           reconnect.Policy
	Clock            clock.Clock
	Cols             int
	Rows             int
	// AckWait bounds the wait for a tunnel-opened event after each open.
	AckWait time.Duration
}

// ConnectOption tunes a single Connect call.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	kind tabstate.Kind
}

// WithKind prefers a handler producing tabs of kind k, e.g. a terminal for
// an SFTP host.
func WithKind(k tabstate.Kind) ConnectOption {
	return func(o *connectOptions) { o.kind = k }
}

// Orchestrator owns a set of tabs and moves each through
// IDLE, CONNECTING, CONNECTED and FAILED in response to connect calls,
// session exits, heartbeat deaths and reconnect results.
type Orchestrator struct {
	hosts      hosts.HostSource
	layer      sessionlayer.Layer
	creds      Credentials
	tabs       *tabstate.Store
	dispatcher *events.Dispatcher
	factory    *connhandler.Factory
	heartbeats *heartbeat.Monitor
	reconnects reconnector
	opts       Options

	// exitMu orders exit lookups against the claim made once a session id
	// is bound to a tab.
	exitMu sync.Mutex

	closing atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an Orchestrator over layer. Call Start before connecting so that
// session-layer events are dispatched.
func New(layer sessionlayer.Layer, hostSrc hosts.HostSource, keySrc hosts.KeySource, creds Credentials, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	o := &Orchestrator{
		hosts:      hostSrc,
		layer:      layer,
		creds:      creds,
		tabs:       tabstate.New(tabstate.Options{Now: opts.Clock.Now}),
		dispatcher: events.New(creds, events.WithClock(opts.Clock)),
		opts:       opts,
	}
	o.factory = connhandler.DefaultFactory(connhandler.Deps{
		Resolver: resolver.New(hostSrc, keySrc, creds),
		Creds:    creds,
		Tracker:  o.dispatcher,
		Layer:    layer,
		Tabs:     o.tabs,
		Cols:     opts.Cols,
		Rows:     opts.Rows,
		AckWait:  opts.AckWait,
	})
	o.heartbeats = heartbeat.New(layer, opts.Clock, o.onHeartbeatDead)
	o.reconnects = reconnect.New(o.tabs, connector{o}, reconnect.Options{
		Policy:      opts.Policy,
		Clock:       opts.Clock,
		OnConnected: o.onConnected,
	})
	o.dispatcher.OnSessionExit(o.onSessionExit)
	return o
}

// Start runs the event dispatcher until Shutdown or ctx is done.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.dispatcher.Run(ctx, o.layer.Events())
	}()
}

// Store returns the tab store. Callers may read and subscribe to it.
func (o *Orchestrator) Store() *tabstate.Store { return o.tabs }

// Connect creates a tab for host and runs the first connect attempt. The
// tab id is returned even when the attempt fails; the tab is then FAILED
// and the error carries the log trail.
func (o *Orchestrator) Connect(ctx context.Context, host hosts.HostConfig, opts ...ConnectOption) (string, error) {
	var co connectOptions
	for _, opt := range opts {
		opt(&co)
	}
	h, err := o.factory.For(host.ConnectionType, co.kind)
	if err != nil {
		return "", err
	}
	if err := host.Validate(); err != nil {
		return "", err
	}
	tabID, err := h.CreateTab(host)
	if err != nil {
		return "", err
	}
	logging.Infof("orchestrator: tab %s created for %s", tabID, logutil.SanitizeForLog(host.DisplayName()))
	return tabID, o.run(ctx, tabID, tabstate.StateIdle, h, host)
}

// ConnectByID looks the host up in the host source and connects to it.
func (o *Orchestrator) ConnectByID(ctx context.Context, hostID string, opts ...ConnectOption) (string, error) {
	host, err := o.hosts.GetHost(ctx, hostID)
	if err != nil {
		return "", err
	}
	return o.Connect(ctx, *host, opts...)
}

// Retry runs a new connect attempt for a FAILED tab with its stored host.
func (o *Orchestrator) Retry(ctx context.Context, tabID string) error {
	tab, ok := o.tabs.Get(tabID)
	if !ok {
		return fmt.Errorf("%w: %s", tabstate.ErrTabNotFound, tabID)
	}
	if tab.State != tabstate.StateFailed {
		return fmt.Errorf("%w: tab %s is %s", ErrNotFailed, tabID, tab.State)
	}
	h, err := o.factory.For(tab.Host.ConnectionType, tab.Kind)
	if err != nil {
		return err
	}
	return o.run(ctx, tabID, tabstate.StateFailed, h, tab.Host)
}

func (o *Orchestrator) run(ctx context.Context, tabID string, from tabstate.State, h connhandler.Handler, host hosts.HostConfig) error {
	_, err := o.tabs.TransitionFrom(tabID, from, tabstate.StateConnecting, "connect", func(t *tabstate.Tab) {
		t.Error = ""
		t.SessionID = ""
		t.Reconnect = tabstate.ReconnectState{}
	})
	if err != nil {
		return err
	}

	res, err := h.Connect(ctx, host, o.logTo(tabID))
	if err != nil {
		if _, terr := o.tabs.TransitionFrom(tabID, tabstate.StateConnecting, tabstate.StateFailed, "connect failed", func(t *tabstate.Tab) {
			t.Error = err.Error()
		}); terr != nil {
			logging.Debugf("orchestrator: tab %s gone before failure was recorded: %v", tabID, terr)
		}
		return err
	}

	tab, err := o.tabs.TransitionFrom(tabID, tabstate.StateConnecting, tabstate.StateConnected, "connected", func(t *tabstate.Tab) {
		t.SessionID = res.SessionID
		t.Error = ""
		t.Reconnect = tabstate.ReconnectState{}
	})
	if err != nil {
		logging.Warnf("orchestrator: tab %s closed during connect, closing session %s", tabID, res.SessionID)
		o.closeSession(h, res.SessionID)
		return fmt.Errorf("%w: %v", ErrTabClosed, err)
	}
	o.onConnected(tab)
	return nil
}

// CancelReconnect stops the tab's reconnect sequence. It reports whether a
// sequence was running.
func (o *Orchestrator) CancelReconnect(tabID string) bool {
	return o.reconnects.CancelReconnect(tabID)
}

// Close closes the tab's session, stops its heartbeat and reconnects, and
// removes the tab.
func (o *Orchestrator) Close(ctx context.Context, tabID string) error {
	tab, ok := o.tabs.Get(tabID)
	if !ok {
		return fmt.Errorf("%w: %s", tabstate.ErrTabNotFound, tabID)
	}
	o.reconnects.Forget(tabID)
	if tab.SessionID != "" {
		o.heartbeats.Stop(tab.SessionID)
	}
	o.tabs.Remove(tabID)
	logging.Infof("orchestrator: tab %s closed", tabID)

	if tab.SessionID == "" {
		return nil
	}
	h, err := o.factory.For(tab.Host.ConnectionType, tab.Kind)
	if err != nil {
		return err
	}
	if err := h.Close(tab.SessionID); err != nil && !errors.Is(err, sessionlayer.ErrSessionNotFound) {
		return fmt.Errorf("close session %s: %w", tab.SessionID, err)
	}
	return nil
}

// Shutdown stops reconnects and heartbeats, closes every session in
// parallel and deletes pending key files.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)
	o.reconnects.Stop()
	o.heartbeats.StopAll()

	g, _ := errgroup.WithContext(ctx)
	for _, tab := range o.tabs.List() {
		if tab.SessionID == "" {
			continue
		}
		sessionID := tab.SessionID
		g.Go(func() error {
			if err := o.layer.CloseSession(sessionID); err != nil && !errors.Is(err, sessionlayer.ErrSessionNotFound) {
				return fmt.Errorf("close session %s: %w", sessionID, err)
			}
			return nil
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		o.reconnects.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warnf("orchestrator: shutdown gave up waiting for reconnect attempts")
	}

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.creds.Flush()
	return err
}

func (o *Orchestrator) logTo(tabID string) connhandler.LogFunc {
	return func(line string) {
		if err := o.tabs.AppendLog(tabID, line); err != nil {
			logging.Debugf("orchestrator: dropping log line for tab %s: %v", tabID, err)
		}
	}
}

func (o *Orchestrator) startHeartbeat(tab tabstate.Tab) {
	if !o.opts.Heartbeat || tab.SessionID == "" {
		return
	}
	o.heartbeats.Start(tab.SessionID, tab.ID, o.opts.HeartbeatOptions)
}

// onConnected runs once a tab is CONNECTED to tab.SessionID. An exit of that
// session dispatched before the id was bound is replayed here.
func (o *Orchestrator) onConnected(tab tabstate.Tab) {
	o.exitMu.Lock()
	ev, exited := o.dispatcher.ClaimExit(tab.SessionID)
	if !exited {
		o.startHeartbeat(tab)
	}
	o.exitMu.Unlock()
	if exited {
		logging.Infof("orchestrator: session %s of tab %s exited while connecting", tab.SessionID, tab.ID)
		o.onSessionExit(ev)
	}
}

func (o *Orchestrator) onSessionExit(ev sessionlayer.SessionExit) {
	if o.closing.Load() {
		return
	}
	o.exitMu.Lock()
	o.heartbeats.Stop(ev.SessionID)
	tab, ok := o.tabs.FindBySession(ev.SessionID)
	if !ok {
		o.dispatcher.HoldExit(ev)
	}
	o.exitMu.Unlock()
	if !ok {
		logging.Debugf("orchestrator: holding exit of untracked session %s (%s)", ev.SessionID, ev.Reason)
		return
	}
	if tab.State != tabstate.StateConnected {
		return
	}

	if ev.Reason == sessionlayer.ExitUserClosed {
		logging.Infof("orchestrator: session %s of tab %s closed by user", ev.SessionID, tab.ID)
		o.fail(tab.ID, closedByUser)
		return
	}

	msg := fmt.Sprintf("Session ended (%s)", ev.Reason)
	if ev.Message != "" {
		msg += ": " + logutil.SanitizeForLog(ev.Message)
	}
	logging.Warnf("orchestrator: tab %s: %s", tab.ID, msg)
	_ = o.tabs.AppendLog(tab.ID, msg)
	o.handoff(tab, msg)
}

func (o *Orchestrator) onHeartbeatDead(sessionID, tabID string, err *heartbeat.ExhaustedError) {
	if o.closing.Load() {
		return
	}
	tab, ok := o.tabs.Get(tabID)
	if !ok || tab.SessionID != sessionID || tab.State != tabstate.StateConnected {
		return
	}
	msg := "Heartbeat failed: " + logutil.SanitizeForLog(err.Error())
	_ = o.tabs.AppendLog(tabID, msg)
	o.handoff(tab, msg)
	if cerr := o.layer.CloseSession(sessionID); cerr != nil && !errors.Is(cerr, sessionlayer.ErrSessionNotFound) {
		logging.Warnf("orchestrator: closing dead session %s: %v", sessionID, cerr)
	}
}

// handoff passes a CONNECTED tab whose session is gone to the reconnect
// manager, or fails it when reconnects are off or refused.
func (o *Orchestrator) handoff(tab tabstate.Tab, msg string) {
	if o.opts.AutoReconnect && o.reconnects.AttemptReconnect(tab.ID) {
		return
	}
	o.fail(tab.ID, msg)
}

func (o *Orchestrator) fail(tabID, msg string) {
	if _, err := o.tabs.TransitionFrom(tabID, tabstate.StateConnected, tabstate.StateFailed, msg, func(t *tabstate.Tab) {
		t.Error = msg
		t.SessionID = ""
	}); err != nil {
		logging.Debugf("orchestrator: could not fail tab %s: %v", tabID, err)
	}
}

func (o *Orchestrator) closeSession(h connhandler.Handler, sessionID string) {
	if err := h.Close(sessionID); err != nil && !errors.Is(err, sessionlayer.ErrSessionNotFound) {
		logging.Warnf("orchestrator: close session %s: %v", sessionID, err)
	}
}

// connector runs reconnect attempts through the tab's handler.
type connector struct{ o *Orchestrator }

func (c connector) Connect(ctx context.Context, tab tabstate.Tab) (string, error) {
	h, err := c.o.factory.For(tab.Host.ConnectionType, tab.Kind)
	if err != nil {
		return "", err
	}
	res, err := h.Connect(ctx, tab.Host, c.o.logTo(tab.ID))
	if err != nil {
		return "", err
	}
	return res.SessionID, nil
}

func (c connector) Discard(sessionID string) {
	if err := c.o.layer.CloseSession(sessionID); err != nil && !errors.Is(err, sessionlayer.ErrSessionNotFound) {
		logging.Warnf("orchestrator: discard session %s: %v", sessionID, err)
	}
}
