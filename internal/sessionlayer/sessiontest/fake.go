// Package sessiontest provides a scriptable in-memory sessionlayer.Layer.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/sessionlayer"
)

// Layer is a fake session layer. Every open emits one "connected" hop
// progress event per hop followed by TunnelOpened. Failures are scripted per
// hostname.
type Layer struct {
	events chan sessionlayer.Event

	mu       sync.Mutex
	next     int
	sessions map[string]hosts.HopConfig
	fail     map[string]error
	failNext []error
	pingErr  map[string]error
	opened   []sessionlayer.OpenRequest
	files    []sessionlayer.FileRequest
	closed   []string
	pings    map[string]int
	block    chan struct{}
	exitNext []sessionlayer.ExitReason
}

func New() *Layer {
	return &Layer{
		events:   make(chan sessionlayer.Event, 1024),
		sessions: make(map[string]hosts.HopConfig),
		fail:     make(map[string]error),
		pingErr:  make(map[string]error),
		pings:    make(map[string]int),
	}
}

// FailHost makes opens whose chain includes hostname fail with err. A nil
// err clears the failure.
func (l *Layer) FailHost(hostname string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.fail, hostname)
		return
	}
	l.fail[hostname] = err
}

// FailNext queues errors returned by the next opens, in order.
func (l *Layer) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = append(l.failNext, errs...)
}

// FailPing makes pings of sessionID fail with err. A nil err clears it.
func (l *Layer) FailPing(sessionID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.pingErr, sessionID)
		return
	}
	l.pingErr[sessionID] = err
}

// ExitOnOpen makes the next successful opens report a SessionExit with the
// given reasons, in order, before they return and before TunnelOpened.
func (l *Layer) ExitOnOpen(reasons ...sessionlayer.ExitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exitNext = append(l.exitNext, reasons...)
}

// BlockOpens makes opens wait until the returned function is called.
func (l *Layer) BlockOpens() (release func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.block = ch
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.block = nil
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Emit injects an event, e.g. a SessionExit.
func (l *Layer) Emit(ev sessionlayer.Event) { l.events <- ev }

func (l *Layer) Events() <-chan sessionlayer.Event { return l.events }

func (l *Layer) OpenSession(ctx context.Context, req sessionlayer.OpenRequest) (string, error) {
	l.mu.Lock()
	l.opened = append(l.opened, req)
	l.mu.Unlock()
	return l.open(ctx, req.AttemptID, req.Hops())
}

func (l *Layer) OpenFileSession(ctx context.Context, req sessionlayer.FileRequest) (string, error) {
	l.mu.Lock()
	l.files = append(l.files, req)
	l.mu.Unlock()
	return l.open(ctx, req.AttemptID, req.Hops())
}

func (l *Layer) open(ctx context.Context, attemptID string, hops []hosts.HopConfig) (string, error) {
	defer l.Emit(sessionlayer.TunnelOpened{AttemptID: attemptID})

	l.mu.Lock()
	block := l.block
	l.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	l.mu.Lock()
	var queued error
	if len(l.failNext) > 0 {
		queued = l.failNext[0]
		l.failNext = l.failNext[1:]
	}
	l.mu.Unlock()

	for i, hop := range hops {
		role := "Target"
		if i < len(hops)-1 {
			role = "Jump"
		}
		l.mu.Lock()
		err := l.fail[hop.Hostname]
		l.mu.Unlock()
		if err != nil {
			l.Emit(sessionlayer.HopProgress{
				AttemptID: attemptID, HopIndex: i, TotalHops: len(hops), Hostname: hop.Hostname,
				Status: sessionlayer.HopFailed, Message: fmt.Sprintf("%s: Connection to %s failed: %v", role, hop.Addr(), err),
			})
			return "", err
		}
		l.Emit(sessionlayer.HopProgress{
			AttemptID: attemptID, HopIndex: i, TotalHops: len(hops), Hostname: hop.Hostname,
			Status: sessionlayer.HopConnected, Message: fmt.Sprintf("%s: Connected to %s", role, hop.Addr()),
		})
	}
	if queued != nil {
		return "", queued
	}

	l.mu.Lock()
	l.next++
	id := fmt.Sprintf("session-%d", l.next)
	var exit sessionlayer.ExitReason
	if len(l.exitNext) > 0 {
		exit = l.exitNext[0]
		l.exitNext = l.exitNext[1:]
	} else {
		l.sessions[id] = hops[len(hops)-1]
	}
	l.mu.Unlock()

	if exit != "" {
		l.Emit(sessionlayer.SessionExit{SessionID: id, Reason: exit, Message: "exited during open"})
	}
	return id, nil
}

func (l *Layer) Ping(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	_, ok := l.sessions[sessionID]
	err := l.pingErr[sessionID]
	l.pings[sessionID]++
	l.mu.Unlock()
	if !ok {
		return sessionlayer.ErrSessionNotFound
	}
	return err
}

func (l *Layer) CloseSession(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, sessionID)
	if _, ok := l.sessions[sessionID]; !ok {
		return sessionlayer.ErrSessionNotFound
	}
	delete(l.sessions, sessionID)
	return nil
}

func (l *Layer) Terminal(sessionID string) (sessionlayer.Terminal, error) {
	return nil, errors.New("sessiontest: no terminal")
}

// Opened returns the OpenSession requests seen so far.
func (l *Layer) Opened() []sessionlayer.OpenRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sessionlayer.OpenRequest(nil), l.opened...)
}

// FileOpens returns the OpenFileSession requests seen so far.
func (l *Layer) FileOpens() []sessionlayer.FileRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sessionlayer.FileRequest(nil), l.files...)
}

// Closed returns the session ids passed to CloseSession.
func (l *Layer) Closed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.closed...)
}

// Live reports whether sessionID is open.
func (l *Layer) Live(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[sessionID]
	return ok
}

// Pings returns how many times sessionID was pinged.
func (l *Layer) Pings(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pings[sessionID]
}

// Attempts returns the number of opens of either kind.
func (l *Layer) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.opened) + len(l.files)
}
