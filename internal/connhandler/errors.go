package connhandler

import (
	"fmt"

	"github.com/rermius/connmgr/internal/hosts"
)

// UnsupportedConnectionTypeError is returned when no handler accepts a
// host's connection type.
type UnsupportedConnectionTypeError struct {
	Type hosts.ConnectionType
}

func (e *UnsupportedConnectionTypeError) Error() string {
	return fmt.Sprintf("unsupported connection type %q", e.Type)
}

// ConnectFailure is returned by Handler.Connect. Logs is the progress trail
// up to and including the failure line.
type ConnectFailure struct {
	Err  error
	Logs []string
}

func (e *ConnectFailure) Error() string { return e.Err.Error() }

func (e *ConnectFailure) Unwrap() error { return e.Err }
