package connhandler

import (
	"context"

	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/resolver"
	"github.com/rermius/connmgr/internal/sessionlayer"
	"github.com/rermius/connmgr/internal/tabstate"
)

// TerminalHandler opens interactive SSH shells, including on SFTP hosts
// opened as a terminal.
type TerminalHandler struct{ base }

// NewTerminalHandler opens interactive SSH shells.
func NewTerminalHandler(d Deps) *TerminalHandler {
	return &TerminalHandler{newBase(d, "terminal", tabstate.KindTerminal, openTerminal, hosts.TypeSSH, hosts.TypeSFTP)}
}

// FileTransferHandler opens SFTP, FTP and FTPS file sessions.
type FileTransferHandler struct{ base }

// NewFileTransferHandler opens SFTP and FTP file browsers.
func NewFileTransferHandler(d Deps) *FileTransferHandler {
	return &FileTransferHandler{newBase(d, "file-transfer", tabstate.KindFileBrowser, openFiles, hosts.TypeSFTP, hosts.TypeFTP, hosts.TypeFTPS)}
}

// TelnetHandler opens telnet terminals, optionally tunnelled through SSH
// jump hosts.
type TelnetHandler struct{ base }

// NewTelnetHandler opens telnet terminals, tunnelled when the host has jumps.
func NewTelnetHandler(d Deps) *TelnetHandler {
	return &TelnetHandler{newBase(d, "telnet", tabstate.KindTerminal, openTerminal, hosts.TypeTelnet)}
}

func openTerminal(ctx context.Context, d *Deps, attemptID string, a *resolver.ConnectionAttempt, host hosts.HostConfig) (string, error) {
	return d.Layer.OpenSession(ctx, sessionlayer.OpenRequest{
		AttemptID: attemptID,
		Type:      host.ConnectionType,
		Target:    a.Target(),
		Jumps:     a.Jumps(),
		Cols:      d.Cols,
		Rows:      d.Rows,
	})
}

func openFiles(ctx context.Context, d *Deps, attemptID string, a *resolver.ConnectionAttempt, host hosts.HostConfig) (string, error) {
	return d.Layer.OpenFileSession(ctx, sessionlayer.FileRequest{
		AttemptID: attemptID,
		Type:      host.ConnectionType,
		Target:    a.Target(),
		Jumps:     a.Jumps(),
	})
}
