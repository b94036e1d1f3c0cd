package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rermius/connmgr/internal/config"
	"github.com/rermius/connmgr/internal/credstore"
	"github.com/rermius/connmgr/internal/database"
	"github.com/rermius/connmgr/internal/heartbeat"
	"github.com/rermius/connmgr/internal/hosts"
	"github.com/rermius/connmgr/internal/logging"
	"github.com/rermius/connmgr/internal/orchestrator"
	"github.com/rermius/connmgr/internal/reconnect"
	"github.com/rermius/connmgr/internal/sessionlayer"
	"github.com/rermius/connmgr/internal/sshchain"
	"github.com/rermius/connmgr/internal/statusapi"
)

func main() {
	// One-shot import commands run before the service starts.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--import-ssh-config":
			runImport("import-ssh-config", hosts.ImportSSHConfig)
			return
		case "--import-yaml":
			runImport("import-yaml", hosts.LoadYAML)
			return
		}
	}

	if err := config.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(config.Cfg.LogPath, config.Cfg.LogLevel)
	defer logging.Close()

	db, err := database.Open(config.Cfg.DatabasePath)
	if err != nil {
		logging.L.Fatalf("Database init: %v", err)
	}
	defer database.Close(db)
	store := database.NewStore(db)

	creds, err := credstore.New(credstore.Options{
		Dir:         config.Cfg.KeyDir,
		GracePeriod: config.Cfg.KeyGracePeriod,
	})
	if err != nil {
		logging.L.Fatalf("Key store init: %v", err)
	}
	if n, err := creds.Sweep(config.Cfg.KeySweepMaxAge); err != nil {
		logging.Warnf("Initial key sweep: %v", err)
	} else if n > 0 {
		logging.Infof("Removed %d orphaned key file(s) from a previous run", n)
	}
	sweeper, err := creds.StartSweeper(config.Cfg.KeySweepSchedule, config.Cfg.KeySweepMaxAge)
	if err != nil {
		logging.L.Fatalf("Key sweeper: %v", err)
	}

	dialer, err := sshchain.NewDialer(sshchain.Options{
		Fs:             creds.Fs(),
		Timeout:        config.Cfg.ConnectTimeout,
		KnownHostsPath: config.Cfg.KnownHostsPath,
		UseAgent:       config.Cfg.UseAgent,
	})
	if err != nil {
		logging.L.Fatalf("SSH dialer init: %v", err)
	}

	output := statusapi.NewOutputHub()
	layer := sessionlayer.NewNative(sessionlayer.NativeOptions{
		Dialer:  dialer,
		Output:  output.Publish,
		Timeout: config.Cfg.ConnectTimeout,
	})

	orch := orchestrator.New(layer, store, store, creds, orchestrator.Options{
		Heartbeat: config.Cfg.HeartbeatEnabled,
		HeartbeatOptions: heartbeat.Options{
			Interval:    config.Cfg.HeartbeatInterval,
			Timeout:     config.Cfg.HeartbeatTimeout,
			MaxFailures: config.Cfg.HeartbeatMaxFailures,
		},
		AutoReconnect: config.Cfg.AutoReconnect,
		Policy: reconnect.Policy{
			MaxRetries:   config.Cfg.ReconnectMaxRetries,
			BaseDelay:    config.Cfg.ReconnectBaseDelay,
			MaxDelay:     config.Cfg.ReconnectMaxDelay,
			MaxTotalTime: config.Cfg.ReconnectMaxTotalTime,
		},
		Cols: config.Cfg.TerminalCols,
		Rows: config.Cfg.TerminalRows,
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	orch.Start(sigCtx)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: statusapi.New(orch, layer, output).Router(),
	}
	go func() {
		logging.Infof("Status API listening on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	logging.Infof("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("Status API shutdown: %v", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("Orchestrator shutdown: %v", err)
	}
	if err := layer.Close(); err != nil {
		logging.Warnf("Session layer shutdown: %v", err)
	}
	<-sweeper.Stop().Done()
	creds.Wait()
	logging.Infof("Stopped")
}

type importFunc func(r io.Reader, readFile hosts.ReadFileFunc) (*hosts.Inventory, error)

func runImport(command string, parse importFunc) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	fs.Parse(os.Args[2:])
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: connmgr --%s <path>\n", command)
		os.Exit(1)
	}
	path := fs.Arg(0)

	if err := config.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init("", config.Cfg.LogLevel)

	f, err := os.Open(path)
	if err != nil {
		logging.L.Fatalf("Open %s: %v", path, err)
	}
	defer f.Close()

	inv, err := parse(f, os.ReadFile)
	if err != nil {
		logging.L.Fatalf("Parse %s: %v", path, err)
	}
	for _, w := range inv.Warnings {
		logging.Warnf("%s", w)
	}

	db, err := database.Open(config.Cfg.DatabasePath)
	if err != nil {
		logging.L.Fatalf("Database init: %v", err)
	}
	defer database.Close(db)

	if err := database.NewStore(db).Import(context.Background(), inv); err != nil {
		logging.L.Fatalf("Import: %v", err)
	}
	fmt.Printf("Imported %d host(s) and %d key(s) from %s.\n", len(inv.Hosts), len(inv.Keys), path)
}
