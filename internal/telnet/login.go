package telnet

import (
	"bytes"
	"strings"
)

type LoginState int

const (
	AwaitingLogin LoginState = iota
	AwaitingPassword
	Authenticated
	Disabled
)

func (s LoginState) String() string {
	switch s {
	case AwaitingLogin:
		return "awaiting-login"
	case AwaitingPassword:
		return "awaiting-password"
	case Authenticated:
		return "authenticated"
	}
	return "disabled"
}

const maxPromptBuffer = 1024

var (
	loginPrompts    = []string{"login:", "username:", "user:", "user name:", "login name:", "account:", "logon:"}
	passwordPrompts = []string{"password:", "passwd:", "pass:", "secret:"}
)

// AutoLogin watches server output for login and password prompts and answers
// them once with saved credentials.
type AutoLogin struct {
	username string
	password string
	state    LoginState
	buf      []byte
}

// NewAutoLogin returns a disabled handler when username is empty.
func NewAutoLogin(username, password string) *AutoLogin {
	a := &AutoLogin{username: username, password: password}
	a.Reset()
	return a
}

func (a *AutoLogin) State() LoginState { return a.state }

// Reset returns to the initial state, for a new connection.
func (a *AutoLogin) Reset() {
	a.buf = a.buf[:0]
	if a.username == "" {
		a.state = Disabled
	} else {
		a.state = AwaitingLogin
	}
}

// Feed inspects inbound data and returns the bytes to send, or nil.
func (a *AutoLogin) Feed(data []byte) []byte {
	if a.state == Disabled || a.state == Authenticated {
		return nil
	}
	a.buf = append(a.buf, bytes.ToLower(data)...)
	if len(a.buf) > maxPromptBuffer {
		a.buf = append(a.buf[:0], a.buf[len(a.buf)-maxPromptBuffer/2:]...)
	}

	prompt := string(a.buf)
	switch a.state {
	case AwaitingLogin:
		if containsAny(prompt, passwordPrompts) || !containsAny(prompt, loginPrompts) {
			return nil
		}
		a.buf = a.buf[:0]
		if a.password == "" {
			a.state = Authenticated
		} else {
			a.state = AwaitingPassword
		}
		return []byte(a.username + "\r\n")
	case AwaitingPassword:
		if !containsAny(prompt, passwordPrompts) {
			return nil
		}
		a.buf = a.buf[:0]
		a.state = Authenticated
		return []byte(a.password + "\r\n")
	}
	return nil
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
