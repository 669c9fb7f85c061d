// Package daemon hosts the instance Manager in a long-running process and
// exposes it to the CLI over a unix socket.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/hyper/internal/backends"
	"github.com/cochaviz/hyper/internal/cgroup"
	"github.com/cochaviz/hyper/internal/config"
	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/logging"
	"github.com/cochaviz/hyper/internal/namespace"
)

// shutdownTimeout bounds stopping every instance once the daemon exits.
const shutdownTimeout = 30 * time.Second

// NewManager builds a Manager backed by the host backends described by cfg.
// A host without a usable cgroup hierarchy still serves emulated instances;
// confined instances then fail to start.
func NewManager(cfg *config.Config, logger *slog.Logger) *instance.Manager {
	logger = logging.Ensure(logger)

	var limits namespace.LimitApplier
	applier, err := cgroup.NewApplier(cfg.Namespace.CgroupRoot, cfg.CgroupVersion(), logger)
	if err != nil {
		logger.Warn("cgroup hierarchy unavailable, confined instances cannot start", "root", cfg.Namespace.CgroupRoot, "error", err)
	} else {
		limits = applier
	}

	factory := &backends.Factory{
		Emulator:  cfg.EmulatorOptions(logger.With("component", "emulator")),
		Namespace: cfg.NamespaceOptions(limits, logger.With("component", "namespace")),
		Logger:    logger,
	}
	return instance.NewManager(factory, logger)
}

// Run creates the declared instances, serves requests until ctx is
// cancelled, and then stops every running instance.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "daemon")
	manager := NewManager(cfg, logger)

	for _, decl := range cfg.Instances {
		if _, err := manager.Create(ctx, decl.Name, decl.Config); err != nil {
			logger.Error("declared instance not created", "instance", decl.Name, "error", err)
		}
	}

	serveErr := NewServer(cfg.Socket, manager, logger).Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("instances not stopped cleanly", "error", err)
		if serveErr == nil {
			serveErr = fmt.Errorf("shutdown: %w", err)
		}
	}
	return serveErr
}
