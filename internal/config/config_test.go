package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONNMGR_DATA_PATH", dir)

	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if Cfg.DatabasePath != filepath.Join(dir, "connmgr.db") {
		t.Errorf("DatabasePath = %q", Cfg.DatabasePath)
	}
	if Cfg.LogPath != filepath.Join(dir, "connmgr.log") {
		t.Errorf("LogPath = %q", Cfg.LogPath)
	}
	if Cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 30s", Cfg.HeartbeatInterval)
	}
	if Cfg.ReconnectBaseDelay != time.Second {
		t.Errorf("ReconnectBaseDelay = %s, want 1s", Cfg.ReconnectBaseDelay)
	}
	if !Cfg.AutoReconnect {
		t.Error("AutoReconnect should default to true")
	}
	if Cfg.KeyDir == "" {
		t.Error("KeyDir should be derived when unset")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONNMGR_DATA_PATH", t.TempDir())
	t.Setenv("CONNMGR_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("CONNMGR_RECONNECT_MAX_RETRIES", "2")
	t.Setenv("CONNMGR_AUTO_RECONNECT", "false")

	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 5s", Cfg.HeartbeatInterval)
	}
	if Cfg.ReconnectMaxRetries != 2 {
		t.Errorf("ReconnectMaxRetries = %d, want 2", Cfg.ReconnectMaxRetries)
	}
	if Cfg.AutoReconnect {
		t.Error("AutoReconnect should be false")
	}
}

func TestValidate(t *testing.T) {
	base := func() Settings {
		return Settings{
			HeartbeatEnabled:     true,
			HeartbeatInterval:    time.Second,
			HeartbeatTimeout:     time.Second,
			HeartbeatMaxFailures: 3,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    10 * time.Second,
			TerminalCols:         80,
			TerminalRows:         24,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"valid", func(*Settings) {}, ""},
		{"zero interval", func(s *Settings) { s.HeartbeatInterval = 0 }, "heartbeat interval"},
		{"zero failures", func(s *Settings) { s.HeartbeatMaxFailures = 0 }, "max failures"},
		{"heartbeat disabled ignores interval", func(s *Settings) {
			s.HeartbeatEnabled = false
			s.HeartbeatInterval = 0
		}, ""},
		{"negative retries", func(s *Settings) { s.ReconnectMaxRetries = -1 }, "max retries"},
		{"max below base", func(s *Settings) { s.ReconnectMaxDelay = time.Millisecond }, "below base delay"},
		{"bad terminal", func(s *Settings) { s.TerminalRows = 0 }, "terminal size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
