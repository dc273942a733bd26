// Package agent runs the task lifecycle: lease a task, resolve its storage,
// execute it and report its status, then poll again.
package agent

import (
	"github.com/forensiclab/agent/config"
	"github.com/forensiclab/agent/internal/communicator"
	"github.com/forensiclab/agent/internal/executor"
	"github.com/forensiclab/agent/internal/lease"
	"github.com/forensiclab/agent/internal/stats"
	"github.com/forensiclab/agent/internal/storage"
	"github.com/forensiclab/agent/internal/transfer"
	"go.uber.org/zap"
)

// Runtime is the explicit context shared by the components of one agent
// instance. Nothing in the agent lives in package-level state, so several
// runtimes can coexist in a process.
type Runtime struct {
	AgentID  string
	Profile  config.Profile
	Client   *communicator.Client
	Leases   *lease.Manager
	Storage  *storage.Manager
	Transfer *transfer.Engine
	// Tools maps a task type to the command template that runs it.
	Tools  map[string]string
	Exec   *executor.Executor
	Logger *zap.Logger
}

// NewRuntime wires the components for a client already bound to a
// coordinator endpoint.
func NewRuntime(cfg *config.Config, client *communicator.Client, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	collector := stats.NewCollector()
	mapExec := executor.NewExecutor(0)
	hostFS := transfer.HostFS()

	leases := lease.NewManager(lease.Config{
		Caller:        client,
		AgentID:       cfg.AgentID,
		Host:          collector.Collect,
		RetryAttempts: cfg.UpdateRetry.Attempts,
		RetryDelay:    cfg.UpdateRetry.Delay,
		Logger:        logger.Named("lease"),
	})

	store := storage.NewManager(storage.Config{
		LocalRoot:     cfg.Storage.LocalRoot,
		DefaultPrefix: cfg.Storage.DefaultPrefix,
		Marker:        cfg.Storage.Marker,
		Drives:        cfg.Storage.Drives,
		Mapper:        &storage.CommandMapper{Template: cfg.Storage.MapCommand, Exec: mapExec},
		FS:            hostFS,
		Disk:          collector,
		Logger:        logger.Named("storage"),
	})

	engine := transfer.NewEngine(transfer.Config{
		FS:        hostFS,
		Interval:  cfg.ProgressInterval,
		LockOwner: cfg.AgentID,
		Logger:    logger.Named("transfer"),
	})

	return &Runtime{
		AgentID:  cfg.AgentID,
		Profile:  cfg.Profile(),
		Client:   client,
		Leases:   leases,
		Storage:  store,
		Transfer: engine,
		Tools:    cfg.Tools,
		Exec:     executor.NewExecutor(cfg.ToolTimeout),
		Logger:   logger,
	}
}
