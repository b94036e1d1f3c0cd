package sessionlayer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/logutil"
	"github.com/rermius/connmgr/internal/sshchain"
	"github.com/rermius/connmgr/internal/telnet"
)

const (
	defaultEventBuffer = 256
	termType           = "xterm-256color"
	outputChunk        = 32 * 1024
)

// OutputFunc receives terminal output for a session. It is called from one
// goroutine per session, in order.
type OutputFunc func(sessionID string, data []byte)

// NativeOptions configures the in-process session layer.
type NativeOptions struct {
	Dialer *sshchain.Dialer
	// Output receives terminal output. Nil discards it.
	Output OutputFunc
	// TLSConfig is the base TLS configuration for FTPS. ServerName is set per
	// connection.
	TLSConfig   *tls.Config
	Timeout     time.Duration
	EventBuffer int
}

// Native implements Layer with real protocol clients.
type Native struct {
	dialer    *sshchain.Dialer
	output    OutputFunc
	tlsConfig *tls.Config
	timeout   time.Duration

	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	s          session
	userClosed bool
}

// session is one live connection owned by Native.
type session interface {
	ping(ctx context.Context) error
	close() error
	terminal() Terminal
}

// NewNative returns a Layer that speaks SSH, SFTP, FTP and telnet itself.
func NewNative(opts NativeOptions) *Native {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Output == nil {
		opts.Output = func(string, []byte) {}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Native{
		dialer:    opts.Dialer,
		output:    opts.Output,
		tlsConfig: opts.TLSConfig,
		timeout:   opts.Timeout,
		events:    make(chan Event, opts.EventBuffer),
		done:      make(chan struct{}),
		sessions:  make(map[string]*entry),
	}
}

func (n *Native) Events() <-chan Event { return n.events }

func (n *Native) emit(ev Event) {
	select {
	case n.events <- ev:
	case <-n.done:
	}
}

func (n *Native) progress(attemptID string) sshchain.ProgressFunc {
	return func(i, total int, hop hosts.HopConfig, status sshchain.Status, msg string) {
		n.emit(HopProgress{
			AttemptID: attemptID,
			HopIndex:  i,
			TotalHops: total,
			Hostname:  hop.Hostname,
			Status:    string(status),
			Message:   msg,
		})
	}
}

// register stores s and starts a watcher that emits SessionExit when wait
// returns.
func (n *Native) register(id string, s session, wait func() (ExitReason, string)) error {
	n.mu.Lock()
	select {
	case <-n.done:
		n.mu.Unlock()
		s.close()
		return ErrLayerClosed
	default:
	}
	n.sessions[id] = &entry{s: s}
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		reason, msg := wait()
		n.finish(id, reason, msg)
	}()
	return nil
}

func (n *Native) finish(id string, reason ExitReason, msg string) {
	n.mu.Lock()
	e, ok := n.sessions[id]
	delete(n.sessions, id)
	n.mu.Unlock()
	if !ok {
		return
	}
	if e.userClosed {
		reason, msg = ExitUserClosed, "Connection closed by user"
	}
	e.s.close()
	logging.Infof("sessionlayer: session %s ended (%s): %s", id, reason, logutil.SanitizeForLog(msg))
	n.emit(SessionExit{SessionID: id, Reason: reason, Message: msg})
}

func (n *Native) lookup(id string) (session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.s, nil
}

// Ping probes the session with its protocol's keepalive. It returns early
// when ctx is done.
func (n *Native) Ping(ctx context.Context, sessionID string) error {
	s, err := n.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.ping(ctx)
}

// Terminal returns the input side of an interactive session.
func (n *Native) Terminal(sessionID string) (Terminal, error) {
	s, err := n.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if t := s.terminal(); t != nil {
		return t, nil
	}
	return nil, ErrNotTerminal
}

// CloseSession closes the session. Its SessionExit carries ExitUserClosed.
func (n *Native) CloseSession(sessionID string) error {
	n.mu.Lock()
	e, ok := n.sessions[sessionID]
	if ok {
		e.userClosed = true
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return e.s.close()
}

// Close shuts every session down. Exit events after Close are dropped.
func (n *Native) Close() error {
	n.once.Do(func() {
		n.mu.Lock()
		close(n.done)
		open := make([]*entry, 0, len(n.sessions))
		for _, e := range n.sessions {
			e.userClosed = true
			open = append(open, e)
		}
		n.mu.Unlock()
		for _, e := range open {
			e.s.close()
		}
	})
	n.wg.Wait()
	return nil
}

// OpenSession opens an interactive session: an SSH shell for ssh and sftp
// hosts, or a telnet stream.
func (n *Native) OpenSession(ctx context.Context, req OpenRequest) (string, error) {
	defer n.emit(TunnelOpened{AttemptID: req.AttemptID})

	switch req.Type {
	case hosts.TypeSSH, hosts.TypeSFTP, "":
		return n.openShell(ctx, req)
	case hosts.TypeTelnet:
		return n.openTelnet(ctx, req)
	}
	return "", fmt.Errorf("connection type %q has no terminal session", req.Type)
}

// OpenFileSession opens an SFTP or FTP(S) session.
func (n *Native) OpenFileSession(ctx context.Context, req FileRequest) (string, error) {
	defer n.emit(TunnelOpened{AttemptID: req.AttemptID})

	switch req.Type {
	case hosts.TypeSFTP, hosts.TypeSSH:
		return n.openSFTP(ctx, req)
	case hosts.TypeFTP, hosts.TypeFTPS:
		return n.openFTP(ctx, req)
	}
	return "", fmt.Errorf("connection type %q has no file session", req.Type)
}

func (n *Native) dial(ctx context.Context, attemptID string, hops []hosts.HopConfig) (*sshchain.Chain, error) {
	if n.dialer == nil {
		return nil, errors.New("no SSH dialer configured")
	}
	return n.dialer.Dial(ctx, hops, n.progress(attemptID))
}

// dialTunnel connects through SSH jump hosts to reach a non-SSH target. An
// empty jump list yields an empty chain that dials directly.
func (n *Native) dialTunnel(ctx context.Context, attemptID string, jumps []hosts.HopConfig) (*sshchain.Chain, error) {
	if len(jumps) == 0 {
		return &sshchain.Chain{}, nil
	}
	return n.dial(ctx, attemptID, jumps)
}

// targetProgress reports progress for a non-SSH final hop.
func (n *Native) targetProgress(attemptID string, jumps int, target hosts.HopConfig, status, msg string) {
	n.emit(HopProgress{
		AttemptID: attemptID,
		HopIndex:  jumps,
		TotalHops: jumps + 1,
		Hostname:  target.Hostname,
		Status:    status,
		Message:   msg,
	})
}

// --- SSH shell ---

type shellSession struct {
	chain *sshchain.Chain
	sess  *ssh.Session
	stdin io.WriteCloser
	once  sync.Once
}

func (s *shellSession) ping(ctx context.Context) error {
	return sshchain.Keepalive(ctx, s.chain.Client())
}

func (s *shellSession) close() error {
	var err error
	s.once.Do(func() {
		s.sess.Close()
		err = s.chain.Close()
	})
	return err
}

func (s *shellSession) terminal() Terminal { return shellTerminal{s} }

type shellTerminal struct{ s *shellSession }

func (t shellTerminal) Write(p []byte) (int, error) { return t.s.stdin.Write(p) }

func (t shellTerminal) Resize(cols, rows int) error {
	return t.s.sess.WindowChange(rows, cols)
}

func (n *Native) openShell(ctx context.Context, req OpenRequest) (string, error) {
	chain, err := n.dial(ctx, req.AttemptID, req.Hops())
	if err != nil {
		return "", err
	}

	sess, err := chain.Client().NewSession()
	if err != nil {
		chain.Close()
		return "", fmt.Errorf("open session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if err := sess.RequestPty(termType, rows, cols, modes); err != nil {
		sess.Close()
		chain.Close()
		return "", fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		chain.Close()
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		chain.Close()
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		chain.Close()
		return "", fmt.Errorf("start shell: %w", err)
	}

	s := &shellSession{chain: chain, sess: sess, stdin: stdin}
	id := uuid.NewString()
	wait := func() (ExitReason, string) {
		n.pump(id, stdout)
		return classifyShellExit(sess.Wait())
	}
	if err := n.register(id, s, wait); err != nil {
		return "", err
	}
	logging.Infof("sessionlayer: ssh session %s open to %s", id, logutil.SanitizeForLog(req.Target.String()))
	return id, nil
}

func classifyShellExit(err error) (ExitReason, string) {
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return ExitServerDisconnect, "Remote shell exited"
	case errors.As(err, &exitErr):
		return ExitServerDisconnect, fmt.Sprintf("Remote shell exited with status %d", exitErr.ExitStatus())
	}
	return ExitConnectionLost, err.Error()
}

func (n *Native) pump(id string, r io.Reader) error {
	buf := make([]byte, outputChunk)
	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			n.output(id, append([]byte(nil), buf[:nr]...))
		}
		if err != nil {
			return err
		}
	}
}

// --- telnet ---

type telnetSession struct {
	chain *sshchain.Chain
	conn  *telnet.Conn
	once  sync.Once
}

func (s *telnetSession) ping(context.Context) error { return s.conn.NOP() }

func (s *telnetSession) close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
		s.chain.Close()
	})
	return err
}

func (s *telnetSession) terminal() Terminal { return s.conn }

func (n *Native) openTelnet(ctx context.Context, req OpenRequest) (string, error) {
	chain, err := n.dialTunnel(ctx, req.AttemptID, req.Jumps)
	if err != nil {
		return "", err
	}
	jumps := len(req.Jumps)
	host := logutil.SanitizeForLog(req.Target.Addr())
	n.targetProgress(req.AttemptID, jumps, req.Target, HopConnecting, "Target: Connecting to "+host)

	dialCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	conn, err := telnet.Dial(dialCtx, chain.DialContext, req.Target.Addr(), telnet.Options{
		Cols:     req.Cols,
		Rows:     req.Rows,
		Username: req.Target.Username,
		Password: req.Target.Password,
	})
	if err != nil {
		chain.Close()
		n.targetProgress(req.AttemptID, jumps, req.Target, HopFailed, fmt.Sprintf("Target: Connection to %s failed: %v", host, err))
		return "", err
	}
	n.targetProgress(req.AttemptID, jumps, req.Target, HopConnected, "Target: Connected to "+host)

	s := &telnetSession{chain: chain, conn: conn}
	id := uuid.NewString()
	wait := func() (ExitReason, string) {
		err := n.pump(id, conn)
		if errors.Is(err, io.EOF) {
			return ExitServerDisconnect, "Connection closed by remote host"
		}
		return ExitConnectionLost, err.Error()
	}
	if err := n.register(id, s, wait); err != nil {
		return "", err
	}
	return id, nil
}

// --- SFTP ---

type sftpSession struct {
	chain  *sshchain.Chain
	client *sftp.Client
	once   sync.Once
}

func (s *sftpSession) ping(ctx context.Context) error {
	return sshchain.Keepalive(ctx, s.chain.Client())
}

func (s *sftpSession) close() error {
	var err error
	s.once.Do(func() {
		s.client.Close()
		err = s.chain.Close()
	})
	return err
}

func (s *sftpSession) terminal() Terminal { return nil }

func (n *Native) openSFTP(ctx context.Context, req FileRequest) (string, error) {
	chain, err := n.dial(ctx, req.AttemptID, req.Hops())
	if err != nil {
		return "", err
	}
	client, err := sftp.NewClient(chain.Client())
	if err != nil {
		chain.Close()
		return "", fmt.Errorf("start sftp subsystem: %w", err)
	}
	home, err := client.Getwd()
	if err != nil {
		home = "/"
	}

	s := &sftpSession{chain: chain, client: client}
	id := uuid.NewString()
	wait := func() (ExitReason, string) {
		if err := chain.Wait(); err != nil {
			return ExitConnectionLost, err.Error()
		}
		return ExitServerDisconnect, "SFTP connection closed by server"
	}
	if err := n.register(id, s, wait); err != nil {
		return "", err
	}
	logging.Infof("sessionlayer: sftp session %s open to %s (home %s)", id, logutil.SanitizeForLog(req.Target.String()), logutil.SanitizeForLog(home))
	return id, nil
}

// --- FTP / FTPS ---

type ftpSession struct {
	chain *sshchain.Chain
	mu    sync.Mutex
	conn  *ftp.ServerConn
	done  chan struct{}
	once  sync.Once
}

func (s *ftpSession) ping(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		errCh <- s.conn.NoOp()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ftpSession) close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		err = s.conn.Quit()
		s.mu.Unlock()
		s.chain.Close()
	})
	return err
}

func (s *ftpSession) terminal() Terminal { return nil }

func (n *Native) openFTP(ctx context.Context, req FileRequest) (string, error) {
	chain, err := n.dialTunnel(ctx, req.AttemptID, req.Jumps)
	if err != nil {
		return "", err
	}
	jumps := len(req.Jumps)
	host := logutil.SanitizeForLog(req.Target.Addr())
	n.targetProgress(req.AttemptID, jumps, req.Target, HopConnecting, "Target: Connecting to "+host)

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(n.timeout),
	}
	if chain.Len() > 0 {
		opts = append(opts, ftp.DialWithDialFunc(func(network, address string) (net.Conn, error) {
			return chain.DialContext(context.Background(), network, address)
		}))
	}
	if req.Type == hosts.TypeFTPS {
		cfg := &tls.Config{}
		if n.tlsConfig != nil {
			cfg = n.tlsConfig.Clone()
		}
		cfg.ServerName = req.Target.Hostname
		opts = append(opts, ftp.DialWithExplicitTLS(cfg))
	}

	conn, err := ftp.Dial(req.Target.Addr(), opts...)
	if err != nil {
		chain.Close()
		n.targetProgress(req.AttemptID, jumps, req.Target, HopFailed, fmt.Sprintf("Target: Connection to %s failed: %v", host, err))
		return "", fmt.Errorf("ftp dial: %w", err)
	}

	user, password := req.Target.Username, req.Target.Password
	if user == "" {
		user, password = "anonymous", "anonymous"
	}
	n.targetProgress(req.AttemptID, jumps, req.Target, HopAuthenticating, "Target: Authenticating as "+logutil.SanitizeForLog(user))
	if err := conn.Login(user, password); err != nil {
		conn.Quit()
		chain.Close()
		n.targetProgress(req.AttemptID, jumps, req.Target, HopFailed, fmt.Sprintf("Target: Authentication to %s failed: %v", host, err))
		return "", fmt.Errorf("ftp login: %w", err)
	}
	home, err := conn.CurrentDir()
	if err != nil {
		home = "/"
	}
	n.targetProgress(req.AttemptID, jumps, req.Target, HopConnected, "Target: Connected to "+host)
	logging.Infof("sessionlayer: ftp session to %s (home %s)", host, logutil.SanitizeForLog(home))

	s := &ftpSession{chain: chain, conn: conn, done: make(chan struct{})}
	id := uuid.NewString()
	wait := func() (ExitReason, string) {
		lost := make(chan error, 1)
		if chain.Len() > 0 {
			go func() { lost <- chain.Wait() }()
		}
		select {
		case <-s.done:
			return ExitUserClosed, "Connection closed by user"
		case err := <-lost:
			if err == nil {
				err = errors.New("tunnel closed")
			}
			return ExitConnectionLost, err.Error()
		}
	}
	if err := n.register(id, s, wait); err != nil {
		return "", err
	}
	return id, nil
}
