package sshchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh/agent"

	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/sshkeys"
	"github.com/rermius/connmgr/internal/sshtest"
)

type progressLog struct {
	mu    sync.Mutex
	lines []string
}

func (p *progressLog) record(i, total int, hop hosts.HopConfig, status Status, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, fmt.Sprintf("%d/%d %s %s", i, total, status, msg))
}

func (p *progressLog) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

func keyHop(t *testing.T, fs afero.Fs, srv *sshtest.Server, privPEM []byte, path string) hosts.HopConfig {
	t.Helper()
	if err := afero.WriteFile(fs, path, privPEM, 0600); err != nil {
		t.Fatal(err)
	}
	return hosts.HopConfig{
		HostID:     path,
		Hostname:   srv.Host,
		Port:       srv.Port,
		Username:   "root",
		AuthMethod: hosts.AuthKey,
		KeyPath:    path,
	}
}

func newDialer(t *testing.T, fs afero.Fs) *Dialer {
	t.Helper()
	d, err := NewDialer(Options{Fs: fs, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	return d
}

func TestDialSingleHop(t *testing.T) {
	pub, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: pub})
	fs := afero.NewMemMapFs()

	var plog progressLog
	chain, err := newDialer(t, fs).Dial(context.Background(), []hosts.HopConfig{keyHop(t, fs, srv, priv, "/k/target")}, plog.record)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer chain.Close()

	if chain.Len() != 1 {
		t.Fatalf("Len = %d", chain.Len())
	}
	if err := Keepalive(context.Background(), chain.Client()); err != nil {
		t.Fatalf("Keepalive: %v", err)
	}

	lines := plog.all()
	if len(lines) != 3 {
		t.Fatalf("progress = %v", lines)
	}
	if !strings.Contains(lines[0], "connecting Target: Connecting to") || !strings.Contains(lines[2], "connected Target: Connected to") {
		t.Errorf("progress = %v", lines)
	}
}

func TestDialThroughJumpHost(t *testing.T) {
	jumpPub, jumpPriv, _ := sshkeys.GenerateKeyPair()
	jump := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: jumpPub})
	target := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	fs := afero.NewMemMapFs()

	hops := []hosts.HopConfig{
		keyHop(t, fs, jump, jumpPriv, "/k/jump"),
		{Hostname: target.Host, Port: target.Port, Username: "admin", AuthMethod: hosts.AuthPassword, Password: "pw"},
	}

	var plog progressLog
	chain, err := newDialer(t, fs).Dial(context.Background(), hops, plog.record)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer chain.Close()

	if chain.Len() != 2 {
		t.Fatalf("Len = %d, want 2", chain.Len())
	}
	if fwd := jump.Forwarded(); len(fwd) != 1 || fwd[0] != target.Addr {
		t.Fatalf("jump forwarded %v, want [%s]", fwd, target.Addr)
	}
	lines := plog.all()
	if !strings.Contains(lines[0], "Jump: Connecting") || !strings.Contains(lines[len(lines)-1], "Target: Connected") {
		t.Errorf("progress = %v", lines)
	}
}

func TestDialTunnelRefused(t *testing.T) {
	jumpPub, jumpPriv, _ := sshkeys.GenerateKeyPair()
	jump := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: jumpPub, NoForwarding: true})
	target := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	fs := afero.NewMemMapFs()

	hops := []hosts.HopConfig{
		keyHop(t, fs, jump, jumpPriv, "/k/jump"),
		{Hostname: target.Host, Port: target.Port, Username: "admin", AuthMethod: hosts.AuthPassword, Password: "pw"},
	}

	var plog progressLog
	_, err := newDialer(t, fs).Dial(context.Background(), hops, plog.record)
	if err == nil {
		t.Fatal("expected tunnel failure")
	}
	lines := plog.all()
	last := lines[len(lines)-1]
	if !strings.Contains(last, "failed") || !strings.Contains(last, "check if TCP forwarding is enabled") {
		t.Errorf("last progress = %q", last)
	}
}

func TestDialWrongPassword(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "right"})
	hop := hosts.HopConfig{Hostname: srv.Host, Port: srv.Port, Username: "u", AuthMethod: hosts.AuthPassword, Password: "wrong"}

	var plog progressLog
	_, err := newDialer(t, afero.NewMemMapFs()).Dial(context.Background(), []hosts.HopConfig{hop}, plog.record)
	if err == nil {
		t.Fatal("expected auth failure")
	}
	lines := plog.all()
	if !strings.Contains(lines[len(lines)-1], "Authentication to") {
		t.Errorf("progress = %v", lines)
	}
}

func TestDialMissingKeyFile(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "x"})
	hop := hosts.HopConfig{Hostname: srv.Host, Port: srv.Port, Username: "u", AuthMethod: hosts.AuthKey, KeyPath: "/nope"}
	if _, err := newDialer(t, afero.NewMemMapFs()).Dial(context.Background(), []hosts.HopConfig{hop}, nil); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestAgentAuthWithoutAgent(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "x"})
	d, err := NewDialer(Options{
		Fs:       afero.NewMemMapFs(),
		UseAgent: true,
		Agent:    func() (agent.ExtendedAgent, io.Closer, error) { return nil, nil, ErrNoAgent },
	})
	if err != nil {
		t.Fatal(err)
	}
	hop := hosts.HopConfig{Hostname: srv.Host, Port: srv.Port, Username: "u", AuthMethod: hosts.AuthAgent}
	if _, err := d.Dial(context.Background(), []hosts.HopConfig{hop}, nil); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("err = %v, want ErrNoAgent", err)
	}
}

func TestKeepaliveHonorsContext(t *testing.T) {
	pub, priv, _ := sshkeys.GenerateKeyPair()
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: pub, IgnoreKeepalive: true})
	fs := afero.NewMemMapFs()

	chain, err := newDialer(t, fs).Dial(context.Background(), []hosts.HopConfig{keyHop(t, fs, srv, priv, "/k/t")}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer chain.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := Keepalive(ctx, chain.Client()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestChainDialContextThroughJump(t *testing.T) {
	jumpPub, jumpPriv, _ := sshkeys.GenerateKeyPair()
	jump := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: jumpPub})
	other := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	fs := afero.NewMemMapFs()

	chain, err := newDialer(t, fs).Dial(context.Background(), []hosts.HopConfig{keyHop(t, fs, jump, jumpPriv, "/k/j")}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer chain.Close()

	conn, err := chain.DialContext(context.Background(), "tcp", other.Addr)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	conn.Close()
	if fwd := jump.Forwarded(); len(fwd) != 1 {
		t.Errorf("forwarded = %v", fwd)
	}
}
