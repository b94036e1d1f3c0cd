package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is read from CONNMGR_* environment variables.
type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7420"`

	// Ephemeral key material
	KeyDir           string        `envconfig:"KEY_DIR" default:""`
	KeyGracePeriod   time.Duration `envconfig:"KEY_GRACE_PERIOD" default:"5s"`
	KeySweepSchedule string        `envconfig:"KEY_SWEEP_SCHEDULE" default:"@every 10m"`
	KeySweepMaxAge   time.Duration `envconfig:"KEY_SWEEP_MAX_AGE" default:"1h"`

	// Heartbeat
	HeartbeatEnabled     bool          `envconfig:"HEARTBEAT_ENABLED" default:"true"`
	HeartbeatInterval    time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout     time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`
	HeartbeatMaxFailures int           `envconfig:"HEARTBEAT_MAX_FAILURES" default:"3"`

	// Reconnect
	AutoReconnect         bool          `envconfig:"AUTO_RECONNECT" default:"true"`
	ReconnectMaxRetries   int           `envconfig:"RECONNECT_MAX_RETRIES" default:"5"`
	ReconnectBaseDelay    time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay     time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectMaxTotalTime time.Duration `envconfig:"RECONNECT_MAX_TOTAL_TIME" default:"5m"`

	// Session layer
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	KnownHostsPath string        `envconfig:"KNOWN_HOSTS_PATH" default:""`
	UseAgent       bool          `envconfig:"USE_AGENT" default:"true"`
	TerminalCols   int           `envconfig:"TERMINAL_COLS" default:"80"`
	TerminalRows   int           `envconfig:"TERMINAL_ROWS" default:"24"`
}

// Cfg holds the settings loaded by Load.
var Cfg Settings

// Load reads CONNMGR_* environment variables into Cfg and fills derived paths.
func Load() error {
	var s Settings
	if err := envconfig.Process("CONNMGR", &s); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return err
	}
	Cfg = s
	return nil
}

func (s *Settings) applyDefaults() {
	if s.DataPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		s.DataPath = filepath.Join(home, ".connmgr")
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "connmgr.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "connmgr.log")
	}
	if s.KeyDir == "" {
		s.KeyDir = filepath.Join(os.TempDir(), "connmgr-keys")
	}
}

// Validate rejects settings that would make the lifecycle timers misbehave.
func (s *Settings) Validate() error {
	if s.HeartbeatEnabled {
		if s.HeartbeatInterval <= 0 {
			return fmt.Errorf("heartbeat interval must be positive, got %s", s.HeartbeatInterval)
		}
		if s.HeartbeatTimeout <= 0 {
			return fmt.Errorf("heartbeat timeout must be positive, got %s", s.HeartbeatTimeout)
		}
		if s.HeartbeatMaxFailures < 1 {
			return fmt.Errorf("heartbeat max failures must be at least 1, got %d", s.HeartbeatMaxFailures)
		}
	}
	if s.ReconnectMaxRetries < 0 {
		return fmt.Errorf("reconnect max retries must not be negative, got %d", s.ReconnectMaxRetries)
	}
	if s.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive, got %s", s.ReconnectBaseDelay)
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		return fmt.Errorf("reconnect max delay %s is below base delay %s", s.ReconnectMaxDelay, s.ReconnectBaseDelay)
	}
	if s.KeyGracePeriod < 0 {
		return fmt.Errorf("key grace period must not be negative, got %s", s.KeyGracePeriod)
	}
	if s.TerminalCols <= 0 || s.TerminalRows <= 0 {
		return fmt.Errorf("terminal size must be positive, got %dx%d", s.TerminalCols, s.TerminalRows)
	}
	return nil
}
