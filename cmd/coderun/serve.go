package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/config"
	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/server"
	"github.com/michaelbrown/coderun/internal/session"
	"github.com/michaelbrown/coderun/internal/workspace"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coderun server",
	Long: `Start the coderun HTTP server. Clients connect to /ws and exchange
JSON messages; /healthz reports whether the container runtime is reachable.

Examples:
  coderun serve
  coderun serve --port 9090
  CODERUN_SANDBOX_RUNTIME=api coderun serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)

	workspaces, err := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.HostRoot)
	if err != nil {
		return fmt.Errorf("opening workspace root: %w", err)
	}

	launcher, err := sandbox.New(cfg, log.WithField("component", "sandbox"))
	if err != nil {
		return fmt.Errorf("creating sandbox launcher: %w", err)
	}
	if c, ok := launcher.(io.Closer); ok {
		defer c.Close()
	}

	if cfg.Workspace.SweepOnStart {
		sweep(log, workspaces, launcher)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.LaunchTimeout)
	if err := launcher.Ping(pingCtx); err != nil {
		log.Warnf("Container runtime not reachable, runs will fail until it is: %v", err)
	} else {
		log.Infof("Container runtime: %s (languages: %v)", cfg.Sandbox.Runtime, cfg.LanguageNames())
	}
	cancel()

	env := &session.Env{
		Config:     cfg,
		Workspaces: workspaces,
		Launcher:   launcher,
		Log:        log.WithField("component", "session"),
	}
	srv := server.New(cfg, env, launcher, log.WithField("component", "server"))

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-sigCh
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warnf("Shutdown: %v", err)
		}
	}()

	if err := srv.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// sweep removes workspaces and containers left by a previous process.
func sweep(log *logrus.Entry, workspaces *workspace.Manager, launcher sandbox.Launcher) {
	if n, err := workspaces.Sweep(); err != nil {
		log.Warnf("Sweeping workspaces: %v", err)
	} else if n > 0 {
		log.Infof("Removed %d stale workspaces", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n, err := launcher.Prune(ctx); err != nil {
		log.Debugf("Pruning sandboxes: %v", err)
	} else if n > 0 {
		log.Infof("Removed %d stale sandboxes", n)
	}
}
