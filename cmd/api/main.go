// Package main provides the entry point for the searchnode API server.
package main

import (
	"context"
	"os"

	"github.com/narvanalabs/searchnode/internal/api"
	"github.com/narvanalabs/searchnode/internal/bootstrap"
	"github.com/narvanalabs/searchnode/internal/shutdown"
	"github.com/narvanalabs/searchnode/pkg/config"
	"github.com/narvanalabs/searchnode/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.Open(ctx, cfg, log.Logger)
	if err != nil {
		log.WithError(err).Error("failed to initialize node manager")
		os.Exit(1)
	}

	// A startup pass repairs directories edited while the service was down.
	if report, err := rt.Manager.Reconcile(ctx); err != nil {
		log.WithError(err).Warn("startup reconciliation failed")
	} else if len(report.Repaired) > 0 || len(report.Issues) > 0 {
		log.Info("startup reconciliation", "repaired", len(report.Repaired), "issues", len(report.Issues))
	}

	server := api.NewServer(cfg, rt.Manager, rt.Docs, log.Logger)

	// Stopped last to first: HTTP, then in-flight tasks, then the store.
	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("document-store", rt.Docs))
	coordinator.Register(shutdown.NewDrainerComponent("lifecycle-tasks", rt.Manager))
	coordinator.Register(shutdown.NewHTTPServerComponent("api", server.HTTPServer()))

	go func() {
		if err := server.Start(ctx); err != nil {
			log.WithError(err).Error("server error")
			cancel()
		}
	}()

	coordinator.WaitForSignal(ctx)
	coordinator.Wait()
	log.Info("server stopped", "exit_code", coordinator.ExitCode())
	os.Exit(coordinator.ExitCode())
}
