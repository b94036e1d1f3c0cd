// Package sshchain dials SSH connections through an ordered list of jump
// hosts, tunnelling each hop over a direct-tcpip channel of the previous one.
package sshchain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/logutil"
	"github.com/rermius/connmgr/internal/sshkeys"
)

const defaultTimeout = 15 * time.Second

// Status is the progress of one hop.
type Status string

const (
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusConnected      Status = "connected"
	StatusFailed         Status = "failed"
)

// ProgressFunc receives per-hop progress while a chain is dialed.
type ProgressFunc func(hopIndex, totalHops int, hop hosts.HopConfig, status Status, message string)

// Options configures a Dialer. An empty KnownHostsPath accepts any host key.
type Options struct {
	// Fs is where ephemeral key files are read from.
	Fs             afero.Fs
	Timeout        time.Duration
	KnownHostsPath string
	UseAgent       bool
	// Agent overrides SSH agent discovery.
	Agent AgentFunc
}

// Dialer connects through a chain of SSH hops.
type Dialer struct {
	fs       afero.Fs
	timeout  time.Duration
	hostKey  ssh.HostKeyCallback
	useAgent bool
	agent    AgentFunc
}

// NewDialer loads known_hosts, if configured, and returns a Dialer.
func NewDialer(opts Options) (*Dialer, error) {
	d := &Dialer{
		fs:       opts.Fs,
		timeout:  opts.Timeout,
		useAgent: opts.UseAgent,
		agent:    opts.Agent,
	}
	if d.fs == nil {
		d.fs = afero.NewOsFs()
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.agent == nil {
		d.agent = EnvAgent
	}
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		d.hostKey = cb
	} else {
		logging.Warnf("sshchain: no known_hosts file configured, host keys are not verified")
		d.hostKey = ssh.InsecureIgnoreHostKey()
	}
	return d, nil
}

// Chain is an established sequence of SSH clients. The last client reaches
// the final hop.
type Chain struct {
	clients []*ssh.Client
	once    sync.Once
}

// Client returns the client connected to the final hop, or nil for an empty chain.
func (c *Chain) Client() *ssh.Client {
	if len(c.clients) == 0 {
		return nil
	}
	return c.clients[len(c.clients)-1]
}

// Len is the number of SSH hops in the chain.
func (c *Chain) Len() int { return len(c.clients) }

// DialContext opens a TCP connection from the far end of the chain, or
// directly when the chain is empty.
func (c *Chain) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if last := c.Client(); last != nil {
		return last.DialContext(ctx, network, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Wait blocks until the final hop's connection closes.
func (c *Chain) Wait() error {
	if last := c.Client(); last != nil {
		return last.Wait()
	}
	return nil
}

// Close tears the chain down from the far end inwards.
func (c *Chain) Close() error {
	var first error
	c.once.Do(func() {
		for i := len(c.clients) - 1; i >= 0; i-- {
			if err := c.clients[i].Close(); err != nil && first == nil && !errors.Is(err, net.ErrClosed) {
				first = err
			}
		}
	})
	return first
}

// Dial connects to every hop in order and returns the established chain.
// On failure all hops opened so far are closed.
func (d *Dialer) Dial(ctx context.Context, hops []hosts.HopConfig, progress ProgressFunc) (*Chain, error) {
	if progress == nil {
		progress = func(int, int, hosts.HopConfig, Status, string) {}
	}
	chain := &Chain{}
	total := len(hops)

	for i, hop := range hops {
		role := "Target"
		if i < total-1 {
			role = "Jump"
		}
		addr := hop.Addr()
		host := logutil.SanitizeForLog(addr)

		progress(i, total, hop, StatusConnecting, fmt.Sprintf("%s: Connecting to %s", role, host))
		conn, err := d.dialHop(ctx, chain, addr)
		if err != nil {
			chain.Close()
			var msg string
			if chain.Len() > 0 {
				msg = fmt.Sprintf("%s: Cannot open tunnel to %s - check if TCP forwarding is enabled on jump host", role, host)
			} else {
				msg = fmt.Sprintf("%s: Connection to %s failed: %v", role, host, err)
			}
			progress(i, total, hop, StatusFailed, msg)
			return nil, fmt.Errorf("hop %d (%s): %w", i, addr, err)
		}

		progress(i, total, hop, StatusAuthenticating, fmt.Sprintf("%s: Authenticating as %s", role, logutil.SanitizeForLog(hop.Username)))
		client, err := d.handshake(ctx, conn, hop)
		if err != nil {
			conn.Close()
			chain.Close()
			progress(i, total, hop, StatusFailed, fmt.Sprintf("%s: Authentication to %s failed: %v", role, host, err))
			return nil, fmt.Errorf("hop %d (%s): %w", i, addr, err)
		}
		chain.clients = append(chain.clients, client)
		progress(i, total, hop, StatusConnected, fmt.Sprintf("%s: Connected to %s", role, host))
	}
	return chain, nil
}

func (d *Dialer) dialHop(ctx context.Context, chain *Chain, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if chain.Len() == 0 {
		dialer := net.Dialer{Timeout: d.timeout}
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return chain.Client().DialContext(ctx, "tcp", addr)
}

// handshake runs the SSH handshake on conn, abandoning it when ctx is done
// or the dial timeout passes. Tunnelled connections do not support
// deadlines, so the handshake runs in a goroutine and the conn is closed to
// unblock it.
func (d *Dialer) handshake(ctx context.Context, conn net.Conn, hop hosts.HopConfig) (*ssh.Client, error) {
	auth, cleanup, err := d.authMethods(hop)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cfg := &ssh.ClientConfig{
		User:            hop.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKey,
		Timeout:         d.timeout,
	}

	done := make(chan handshakeResult, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, hop.Addr(), cfg)
		if err != nil {
			done <- handshakeResult{err: err}
			return
		}
		done <- handshakeResult{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("ssh handshake: %w", r.err)
		}
		return r.client, nil
	case <-ctx.Done():
		abandon(conn, done)
		return nil, ctx.Err()
	case <-timer.C:
		abandon(conn, done)
		return nil, fmt.Errorf("ssh handshake with %s timed out after %s", hop.Addr(), d.timeout)
	}
}

type handshakeResult struct {
	client *ssh.Client
	err    error
}

// abandon closes conn and reaps a client that finished its handshake too late.
func abandon(conn net.Conn, done <-chan handshakeResult) {
	conn.Close()
	go func() {
		if r := <-done; r.client != nil {
			r.client.Close()
		}
	}()
}

func (d *Dialer) authMethods(hop hosts.HopConfig) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch hop.AuthMethod {
	case hosts.AuthKey:
		data, err := afero.ReadFile(d.fs, hop.KeyPath)
		if err != nil {
			return nil, noop, fmt.Errorf("read key file: %w", err)
		}
		signer, err := sshkeys.ParsePrivateKey(data, hop.Passphrase)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case hosts.AuthPassword:
		password := hop.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, noop, nil

	case hosts.AuthAgent:
		if !d.useAgent {
			return nil, noop, errors.New("agent authentication is disabled")
		}
		ag, closer, err := d.agent()
		if err != nil {
			return nil, noop, err
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, func() { closer.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unsupported auth method %q", hop.AuthMethod)
}

// Keepalive sends an OpenSSH keepalive request and waits for the reply or ctx.
func Keepalive(ctx context.Context, client *ssh.Client) error {
	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
