// Package hosts holds the host and key definitions the connection core reads,
// the lookup interfaces over them, and importers for existing inventories.
package hosts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
	AuthAgent    AuthMethod = "agent"
)

func (a AuthMethod) Valid() bool {
	switch a {
	case AuthKey, AuthPassword, AuthAgent:
		return true
	}
	return false
}

type ConnectionType string

const (
	TypeSSH    ConnectionType = "ssh"
	TypeSFTP   ConnectionType = "sftp"
	TypeFTP    ConnectionType = "ftp"
	TypeFTPS   ConnectionType = "ftps"
	TypeTelnet ConnectionType = "telnet"
)

func (t ConnectionType) Valid() bool {
	return t.DefaultPort() != 0
}

// DefaultPort returns the well-known port for the protocol, or 0 if unknown.
func (t ConnectionType) DefaultPort() int {
	switch t {
	case TypeSSH, TypeSFTP:
		return 22
	case TypeFTP, TypeFTPS:
		return 21
	case TypeTelnet:
		return 23
	}
	return 0
}

// UsesSSH reports whether the protocol runs over an SSH transport and can
// therefore tunnel through jump hosts natively.
func (t ConnectionType) UsesSSH() bool {
	return t == TypeSSH || t == TypeSFTP
}

var (
	ErrHostNotFound = errors.New("host not found")
	ErrKeyNotFound  = errors.New("key not found")
)

// HostConfig is a saved host definition. ProxyJump lists the ids of jump
// hosts, nearest to the client first.
type HostConfig struct {
	ID             string         `json:"id" yaml:"id"`
	Label          string         `json:"label,omitempty" yaml:"label,omitempty"`
	Hostname       string         `json:"hostname" yaml:"hostname"`
	Port           int            `json:"port,omitempty" yaml:"port,omitempty"`
	Username       string         `json:"username,omitempty" yaml:"username,omitempty"`
	AuthMethod     AuthMethod     `json:"authMethod" yaml:"auth"`
	KeyID          string         `json:"keyId,omitempty" yaml:"key,omitempty"`
	Password       string         `json:"-" yaml:"password,omitempty"`
	ProxyJump      []string       `json:"proxyJump,omitempty" yaml:"proxy_jump,omitempty"`
	ConnectionType ConnectionType `json:"connectionType" yaml:"type"`
}

// Clone returns a deep copy, safe to keep as an immutable snapshot.
func (h HostConfig) Clone() HostConfig {
	if h.ProxyJump != nil {
		h.ProxyJump = append([]string(nil), h.ProxyJump...)
	}
	return h
}

// EffectivePort returns Port, or the protocol default when unset.
func (h HostConfig) EffectivePort() int {
	if h.Port > 0 {
		return h.Port
	}
	if p := h.ConnectionType.DefaultPort(); p != 0 {
		return p
	}
	return 22
}

func (h HostConfig) Addr() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.EffectivePort()))
}

// DisplayName is the label if set, otherwise user@host.
func (h HostConfig) DisplayName() string {
	if h.Label != "" {
		return h.Label
	}
	if h.Username != "" {
		return h.Username + "@" + h.Hostname
	}
	return h.Hostname
}

// Validate checks the fields every connection needs.
func (h HostConfig) Validate() error {
	if h.Hostname == "" {
		return fmt.Errorf("host %q: hostname is required", h.ID)
	}
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("host %q: port %d out of range", h.ID, h.Port)
	}
	if !h.ConnectionType.Valid() {
		return fmt.Errorf("host %q: unknown connection type %q", h.ID, h.ConnectionType)
	}
	if h.ConnectionType.UsesSSH() {
		if !h.AuthMethod.Valid() {
			return fmt.Errorf("host %q: unknown auth method %q", h.ID, h.AuthMethod)
		}
		if h.AuthMethod == AuthKey && h.KeyID == "" {
			return fmt.Errorf("host %q: key auth requires a key id", h.ID)
		}
	}
	return nil
}

// HopConfig is one fully resolved hop of a connection attempt. Exactly one of
// KeyPath or Password is meaningful, depending on AuthMethod.
type HopConfig struct {
	HostID     string
	Label      string
	Hostname   string
	Port       int
	Username   string
	AuthMethod AuthMethod
	KeyPath    string
	Passphrase string
	Password   string
}

func (h HopConfig) Addr() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.Port))
}

func (h HopConfig) String() string {
	if h.Username != "" {
		return h.Username + "@" + h.Addr()
	}
	return h.Addr()
}

// Key is stored private key material referenced by HostConfig.KeyID.
type Key struct {
	ID         string
	Label      string
	PrivateKey []byte
	Passphrase string
}

// HostSource looks up saved hosts. Missing ids return ErrHostNotFound.
type HostSource interface {
	GetHost(ctx context.Context, id string) (*HostConfig, error)
}

// KeySource looks up stored keys. Missing ids return ErrKeyNotFound.
type KeySource interface {
	GetKey(ctx context.Context, id string) (*Key, error)
}
