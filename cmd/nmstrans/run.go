package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmslite/nmstrans/internal/api"
	"github.com/nmslite/nmstrans/internal/globals"
	"github.com/nmslite/nmstrans/internal/metrics"
	"github.com/nmslite/nmstrans/internal/poller"
)

const (
	startTimeout    = 30 * time.Second
	httpStopTimeout = 5 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start polling",
	Long: `Start the scheduler, the worker pools and every configured writer, then
poll until SIGINT or SIGTERM. Servers that fail to start, validate or schedule
are logged and skipped; the rest keep running.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, logCloser, err := globals.InitLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("starting nmstrans",
		"version", version,
		"servers_file", cfg.ServersFile,
		"api_enabled", cfg.API.Enabled,
	)

	registry := metrics.NewRegistry()
	readers := newReaders(cfg, logger)

	servers, err := loadServers(cfg, readers, registry, logger)
	if err != nil {
		return err
	}

	svc := poller.NewService(poller.Config{
		QueryWorkers:     cfg.Poller.QueryWorkers,
		ResultWorkers:    cfg.Poller.ResultWorkers,
		DefaultRunPeriod: cfg.Poller.RunPeriod(),
		ShutdownGrace:    cfg.Poller.ShutdownGrace(),
		Metrics:          registry,
		Logger:           logger,
	}, readers, servers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.API.Enabled {
		srv = &http.Server{
			Addr:         cfg.API.Addr(),
			Handler:      api.NewRouter(svc, registry, logger),
			ReadTimeout:  cfg.API.ReadTimeout(),
			WriteTimeout: cfg.API.WriteTimeout(),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
				stop()
			}
		}()
	}

	startCtx, cancelStart := context.WithTimeout(ctx, startTimeout)
	if err := svc.Start(startCtx); err != nil {
		logger.Error("some servers were not scheduled", "error", err)
	}
	cancelStart()

	if len(svc.Jobs()) == 0 {
		logger.Error("no server could be scheduled, shutting down")
		stop()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop gives each worker pool its own grace; writers get the same again.
	grace := cfg.Poller.ShutdownGrace()
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 3*grace+httpStopTimeout)
	defer cancelStop()

	if err := svc.Stop(stopCtx); err != nil {
		logger.Warn("shutdown completed with errors", "error", err)
	}

	if srv != nil {
		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpStopTimeout)
		defer cancelHTTP()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Error("HTTP server forced to shutdown", "error", err)
		}
	}

	logger.Info("nmstrans stopped")
	if len(svc.Jobs()) == 0 && len(servers) > 0 {
		return fmt.Errorf("none of %d servers could be scheduled", len(servers))
	}
	return nil
}
