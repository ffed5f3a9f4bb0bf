// Command flowplaned runs the workflow orchestration plane: capability
// registry, health monitor, dispatch fabric and workflow supervisor
// behind one HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowplane/flowplane/api"
	"github.com/flowplane/flowplane/core"
	"github.com/flowplane/flowplane/dispatch"
	"github.com/flowplane/flowplane/orchestration"
	"github.com/flowplane/flowplane/registry"
	"github.com/flowplane/flowplane/resilience"
)

func main() {
	cfg := core.ConfigFromEnv()
	logger := core.NewProductionLogger(core.ParseLogLevel(cfg.Logging.Level))

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon exited with error", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func run(cfg *core.Config, logger core.ComponentAwareLogger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Registry backend: in-memory by default, Redis when configured.
	var reg registry.Registry
	var memReg *registry.MemoryRegistry
	if cfg.Registry.RedisURL != "" {
		redisReg, err := registry.NewRedisRegistry(cfg.Registry.RedisURL, cfg.Registry,
			logger.WithComponent("registry"))
		if err != nil {
			return err
		}
		reg = redisReg
		logger.Info("Using Redis registry", map[string]interface{}{
			"operation": "startup",
			"namespace": cfg.Registry.Namespace,
		})
	} else {
		memReg = registry.NewMemoryRegistry(cfg.Registry, logger.WithComponent("registry"))
		reg = memReg
	}

	breakerLog := logger.WithComponent("breaker")
	bank := resilience.NewBank(cfg.Breaker, breakerLog)
	bank.AddStateChangeListener(func(serverID string, from, to resilience.State) {
		breakerLog.Warn("Circuit state changed", map[string]interface{}{
			"operation": "circuit_transition",
			"server_id": serverID,
			"from":      from,
			"to":        to,
		})
	})
	dispatcher := dispatch.NewDispatcher(reg, bank, cfg.Dispatch, logger.WithComponent("dispatch"))

	if memReg != nil {
		// Evicted servers take their breaker and dispatch state with them.
		memReg.AddEvictionListener(func(serverID string) {
			bank.Remove(serverID)
			dispatcher.Forget(serverID)
		})
		memReg.Start(ctx)
		defer memReg.Stop()
	}

	monitor := registry.NewHealthMonitor(reg, cfg.Health, logger.WithComponent("health"))
	monitor.Start(ctx)
	defer monitor.Stop()

	templates := orchestration.NewTemplateRegistry(logger.WithComponent("templates"))
	if dir := os.Getenv("FLOWPLANE_TEMPLATE_DIR"); dir != "" {
		if err := templates.LoadDir(dir); err != nil {
			return err
		}
	}

	expander := orchestration.NewExpander(templates, logger.WithComponent("expander"))
	supervisor := orchestration.NewSupervisor(expander, dispatcher, cfg.Supervisor, cfg.Workflow,
		logger.WithComponent("supervisor"))

	addr := os.Getenv("FLOWPLANE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := api.NewServer(addr, supervisor, reg, dispatcher, logger.WithComponent("api"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	logger.Info("Orchestration plane started", map[string]interface{}{
		"operation": "startup",
		"addr":      addr,
		"policy":    cfg.Dispatch.Policy,
		"templates": templates.Names(),
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", map[string]interface{}{"operation": "shutdown"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Workflows did not drain before deadline", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	return nil
}
