package sshchain

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/crypto/ssh/agent"
)

// AgentFunc connects to an SSH agent. The closer releases the connection.
type AgentFunc func() (agent.ExtendedAgent, io.Closer, error)

// ErrNoAgent is returned when agent auth is requested but no agent is running.
var ErrNoAgent = errors.New("SSH agent not available (SSH_AUTH_SOCK not set)")

// EnvAgent connects to the agent named by SSH_AUTH_SOCK.
func EnvAgent() (agent.ExtendedAgent, io.Closer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, ErrNoAgent
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to SSH agent: %w", err)
	}
	return agent.NewClient(conn), conn, nil
}
