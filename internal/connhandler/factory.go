package connhandler

import (
	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/tabstate"
)

// Factory picks the handler for a connection type.
type Factory struct {
	handlers []Handler
}

// NewFactory returns a Factory that consults handlers in order.
func NewFactory(handlers ...Handler) *Factory {
	return &Factory{handlers: handlers}
}

// DefaultFactory registers the file-transfer, terminal and telnet handlers in
// that order, so SFTP hosts open as a file browser unless a terminal is
// preferred.
func DefaultFactory(d Deps) *Factory {
	return NewFactory(
		NewFileTransferHandler(d),
		NewTerminalHandler(d),
		NewTelnetHandler(d),
	)
}

// For returns the first handler that can handle t. When preferred is set, a
// matching handler of that kind wins over earlier registrations.
func (f *Factory) For(t hosts.ConnectionType, preferred tabstate.Kind) (Handler, error) {
	var first Handler
	for _, h := range f.handlers {
		if !h.CanHandle(t) {
			continue
		}
		if preferred == "" || h.Kind() == preferred {
			return h, nil
		}
		if first == nil {
			first = h
		}
	}
	if first != nil {
		return first, nil
	}
	return nil, &UnsupportedConnectionTypeError{Type: t}
}
