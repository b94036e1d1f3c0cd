// Package sshtest runs in-process SSH servers for tests: public key and
// password auth, interactive shells, direct-tcpip forwarding for jump-host
// chains, and an optional SFTP subsystem.
package sshtest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/rermius/connmgr/internal/sshkeys"
)

type Options struct {
	// AuthorizedKey accepts this public key (authorized_keys format) if set.
	AuthorizedKey []byte
	// Password accepts this password for any user if set.
	Password string
	// NoForwarding rejects direct-tcpip channels.
	NoForwarding bool
	SFTP         bool
	// IgnoreKeepalive leaves global requests unanswered, simulating a hung peer.
	IgnoreKeepalive bool
}

type Server struct {
	Addr string
	Host string
	Port int

	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener
	done     chan struct{}

	mu        sync.Mutex
	netConns  []net.Conn
	forwarded []string
	shells    int
	hung      bool
}

// NewServer starts a server on 127.0.0.1 and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	config := &ssh.ServerConfig{}
	if opts.AuthorizedKey != nil {
		authorized, _, _, _, err := ssh.ParseAuthorizedKey(opts.AuthorizedKey)
		if err != nil {
			t.Fatalf("parse authorized key: %v", err)
		}
		want := ssh.FingerprintSHA256(authorized)
		config.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == want {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if opts.Password != "" {
		config.PasswordCallback = func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcp := listener.Addr().(*net.TCPAddr)

	s := &Server{
		Addr:     listener.Addr().String(),
		Host:     tcp.IP.String(),
		Port:     tcp.Port,
		opts:     opts,
		config:   config,
		listener: listener,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.netConns = append(s.netConns, netConn)
			s.mu.Unlock()
			go s.handleConn(netConn)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	s.CloseAllConns()
	<-s.done
}

// CloseAllConns forcefully closes accepted TCP connections, simulating a
// dropped network path.
func (s *Server) CloseAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
}

// Hang makes the server stop answering global requests from now on.
func (s *Server) Hang() {
	s.mu.Lock()
	s.hung = true
	s.mu.Unlock()
}

// Forwarded returns the host:port targets of accepted direct-tcpip channels.
func (s *Server) Forwarded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.forwarded...)
}

// Shells returns how many shell requests have been served.
func (s *Server) Shells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shells
}

func (s *Server) isHung() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hung || s.opts.IgnoreKeepalive
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if s.isHung() {
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go s.handleSession(newChan)
		case "direct-tcpip":
			go s.handleForward(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	ch, requests, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			ch.Write([]byte("ok\n"))
			ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			if req.WantReply {
				req.Reply(true, nil)
			}
			return
		case "shell":
			s.mu.Lock()
			s.shells++
			s.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}
			go io.Copy(ch, ch)
		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" || !s.opts.SFTP {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			go func() {
				if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
					server.Close()
				}
			}()
		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}

func (s *Server) handleForward(newChan ssh.NewChannel) {
	if s.opts.NoForwarding {
		newChan.Reject(ssh.Prohibited, "port forwarding is disabled")
		return
	}
	var payload struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))
	upstream, err := net.Dial("tcp", target)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	s.mu.Lock()
	s.forwarded = append(s.forwarded, target)
	s.mu.Unlock()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		upstream.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	go func() {
		io.Copy(upstream, ch)
		upstream.Close()
	}()
	io.Copy(ch, upstream)
	ch.Close()
}
