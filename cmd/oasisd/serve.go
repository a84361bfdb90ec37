package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oasisrun/agentplatform/internal/httpapi"
	"github.com/oasisrun/agentplatform/internal/observability"
	"github.com/oasisrun/agentplatform/internal/platform"
)

// shutdownGrace bounds how long serve waits for in-flight requests and
// the scheduler loop on SIGINT/SIGTERM.
const shutdownGrace = 10 * time.Second

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent, forum, and scheduler HTTP surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := platform.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Output: os.Stderr,
	}).Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := platform.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rc.Close()

	agentSrv := httpapi.NewAgentServer(
		rc.Sessions, rc.Invoker, rc.Passwords, rc.JWT, rc.InternalToken, rc.UserFiles,
		httpapi.AgentConfig{
			Model:           cfg.Model.Model,
			MaxTokens:       cfg.Model.MaxTokens,
			VisionSupported: cfg.Model.VisionSupported,
			TTS:             &cfg.TTS,
		},
		logger.With("component", "agent-api"),
	)
	agentSrv.Metrics = rc.Metrics
	forumSrv := httpapi.NewForumServer(rc.Engine, rc.Roster, logger.With("component", "forum-api"))
	schedSrv := httpapi.NewSchedulerServer(rc.Scheduler, logger.With("component", "scheduler-api"))

	if err := rc.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	servers := []*http.Server{
		{Addr: cfg.Server.AgentAddr, Handler: agentSrv.Handler()},
		{Addr: cfg.Server.ForumAddr, Handler: forumSrv.Handler()},
		{Addr: cfg.Server.SchedulerAddr, Handler: schedSrv.Handler()},
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		logger.Info("listening", "addr", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "addr", srv.Addr, "error", err)
		}
	}
	if err := rc.Scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}
	return nil
}
