package telnet

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// DialFunc opens the underlying TCP stream, directly or through a tunnel.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	Cols     int
	Rows     int
	TermType string
	// Username and Password enable auto-login when Username is set.
	Username string
	Password string
}

// Conn is a telnet session. Read returns server output with protocol bytes
// removed and answers negotiation inline. Write escapes IAC bytes.
type Conn struct {
	conn net.Conn

	readMu sync.Mutex

	loginMu sync.Mutex
	login   *AutoLogin

	negMu sync.Mutex
	neg   *negotiator

	writeMu sync.Mutex
}

func Dial(ctx context.Context, dial DialFunc, addr string, opts Options) (*Conn, error) {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telnet dial %s: %w", addr, err)
	}
	return NewConn(conn, opts), nil
}

func NewConn(conn net.Conn, opts Options) *Conn {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	return &Conn{
		conn:  conn,
		neg:   newNegotiator(opts.Cols, opts.Rows, opts.TermType),
		login: NewAutoLogin(opts.Username, opts.Password),
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	raw := make([]byte, len(p))
	for {
		n, err := c.conn.Read(raw)
		if n > 0 {
			c.negMu.Lock()
			data, replies := c.neg.process(raw[:n])
			c.negMu.Unlock()

			if len(replies) > 0 {
				if werr := c.writeRaw(replies); werr != nil {
					return 0, werr
				}
			}
			c.loginMu.Lock()
			resp := c.login.Feed(data)
			c.loginMu.Unlock()
			if resp != nil {
				if werr := c.writeRaw(escape(resp)); werr != nil {
					return 0, werr
				}
			}
			if len(data) > 0 {
				return copy(p, data), err
			}
		}
		if err != nil {
			return 0, err
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.writeRaw(escape(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// NOP sends IAC NOP, a liveness probe that servers ignore.
func (c *Conn) NOP() error {
	return c.writeRaw([]byte{IAC, NOP})
}

// Resize sends a NAWS update if the server negotiated window size.
func (c *Conn) Resize(cols, rows int) error {
	c.negMu.Lock()
	msg := c.neg.resize(cols, rows)
	c.negMu.Unlock()
	if msg == nil {
		return nil
	}
	return c.writeRaw(msg)
}

func (c *Conn) LoginState() LoginState {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.login.State()
}

func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
