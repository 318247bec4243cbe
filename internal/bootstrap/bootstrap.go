// Package bootstrap assembles the document store, metadata store, process
// controller and lifecycle manager from configuration. The API server and
// nodectl share it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/searchnode/internal/env"
	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/lifecycle"
	"github.com/narvanalabs/searchnode/internal/metadata"
	"github.com/narvanalabs/searchnode/internal/nodeconfig"
	"github.com/narvanalabs/searchnode/internal/process"
	"github.com/narvanalabs/searchnode/internal/store"
	"github.com/narvanalabs/searchnode/internal/store/file"
	pgstore "github.com/narvanalabs/searchnode/internal/store/postgres"
	"github.com/narvanalabs/searchnode/internal/validation"
	"github.com/narvanalabs/searchnode/pkg/config"
)

// Runtime is a fully wired manager and the resources behind it.
type Runtime struct {
	Env     env.Environment
	Docs    store.DocumentStore
	Meta    *metadata.Store
	Procs   *process.Controller
	Manager *lifecycle.Manager
}

// OpenStore returns the postgres document store when a DSN is configured
// and the JSONC file store otherwise.
func OpenStore(cfg *config.Config, logger *slog.Logger) (store.DocumentStore, error) {
	if cfg.DatabaseDSN != "" {
		st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres document store: %w", err)
		}
		return st, nil
	}
	return file.New(cfg.DocumentPath, logger), nil
}

// ProcessOptions converts configuration into controller bounds.
func ProcessOptions(cfg config.ProcessConfig) process.Options {
	opts := process.DefaultOptions()
	opts.StartTimeout = cfg.StartTimeout
	opts.PollInterval = cfg.PollInterval
	opts.StopGrace = cfg.StopGrace
	opts.StopWait = cfg.StopWait
	opts.ProbeTimeout = cfg.ProbeTimeout
	return opts
}

// Open wires everything. The caller owns Runtime.Docs and must close it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	docs, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	root, err := metadata.ResolveInstallRoot(ctx, docs, cfg.InstallRoot)
	if err != nil {
		docs.Close()
		return nil, fmt.Errorf("resolving install root: %w", err)
	}

	e := env.Current(root, cfg.RuntimeHome, cfg.ServiceUser)
	writer := nodeconfig.NewWriter(e, logger)
	meta := metadata.NewStore(docs, e, writer, logger)

	runner := process.NewExecRunner(logger)
	procs := process.NewController(e, process.NewPlatform(e, runner, logger), ProcessOptions(cfg.Process), logger)

	validator := validation.NewValidator(meta, nil, logger)
	manager := lifecycle.NewManager(meta, writer, procs, validator,
		events.NewBroker(logger), lifecycle.NewNotifier(cfg.StatsWebhook, logger), logger)

	logger.Info("node manager ready",
		"install_root", root,
		"os_family", e.OSFamily,
		"document_store", fmt.Sprintf("%T", docs),
	)
	return &Runtime{Env: e, Docs: docs, Meta: meta, Procs: procs, Manager: manager}, nil
}
