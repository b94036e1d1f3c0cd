// Package sessionlayer defines the session primitives the connection manager
// drives (open, ping, close, and an event stream) and a native implementation
// backed by SSH, SFTP, FTP and telnet clients.
package sessionlayer

import (
	"context"
	"errors"
	"io"

	"github.com/rermius/connmgr/internal/hosts"
)

// ExitReason says why a session ended.
type ExitReason string

const (
	ExitUserClosed       ExitReason = "user-closed"
	ExitConnectionLost   ExitReason = "connection-lost"
	ExitServerDisconnect ExitReason = "server-disconnect"
	ExitError            ExitReason = "error"
)

// Hop progress statuses.
const (
	HopConnecting     = "connecting"
	HopAuthenticating = "authenticating"
	HopConnected      = "connected"
	HopFailed         = "failed"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotTerminal     = errors.New("session has no terminal")
	ErrLayerClosed     = errors.New("session layer closed")
)

// Event is one of HopProgress, SessionExit or TunnelOpened.
type Event interface {
	event()
}

// HopProgress reports a state change on one hop of a chained connect.
type HopProgress struct {
	AttemptID string `json:"attemptId"`
	HopIndex  int    `json:"hopIndex"`
	TotalHops int    `json:"totalHops"`
	Hostname  string `json:"hostname"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// SessionExit is emitted exactly once when an open session ends.
type SessionExit struct {
	SessionID string     `json:"sessionId"`
	Reason    ExitReason `json:"reason"`
	Message   string     `json:"message"`
}

// TunnelOpened is emitted once per OpenSession or OpenFileSession call after
// the transport was attempted. Key files for the attempt are no longer read
// after this point.
type TunnelOpened struct {
	AttemptID string `json:"attemptId"`
}

func (HopProgress) event()  {}
func (SessionExit) event()  {}
func (TunnelOpened) event() {}

// OpenRequest asks for an interactive session on Target through Jumps.
type OpenRequest struct {
	AttemptID string
	Type      hosts.ConnectionType
	Target    hosts.HopConfig
	// Jumps are the hops before Target, nearest to the client first.
	Jumps []hosts.HopConfig
	Cols  int
	Rows  int
}

// Hops returns Jumps followed by Target.
func (r OpenRequest) Hops() []hosts.HopConfig {
	return appendTarget(r.Jumps, r.Target)
}

// FileRequest asks for a file-transfer session on Target through Jumps.
type FileRequest struct {
	AttemptID string
	Type      hosts.ConnectionType
	Target    hosts.HopConfig
	Jumps     []hosts.HopConfig
}

// Hops returns the jumps followed by the target.
func (r FileRequest) Hops() []hosts.HopConfig {
	return appendTarget(r.Jumps, r.Target)
}

func appendTarget(jumps []hosts.HopConfig, target hosts.HopConfig) []hosts.HopConfig {
	out := make([]hosts.HopConfig, 0, len(jumps)+1)
	out = append(out, jumps...)
	return append(out, target)
}

// Terminal is the input side of an interactive session. Output is delivered
// through the layer's output callback.
type Terminal interface {
	io.Writer
	Resize(cols, rows int) error
}

// Layer is the set of session primitives consumed by connection handlers.
type Layer interface {
	OpenSession(ctx context.Context, req OpenRequest) (string, error)
	OpenFileSession(ctx context.Context, req FileRequest) (string, error)
	Ping(ctx context.Context, sessionID string) error
	CloseSession(sessionID string) error
	Events() <-chan Event
	Terminal(sessionID string) (Terminal, error)
}
