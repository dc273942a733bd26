package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forensiclab/agent/config"
	"github.com/forensiclab/agent/internal/agent"
	"github.com/forensiclab/agent/internal/communicator"
	"github.com/forensiclab/agent/internal/supervisor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Version = "0.1.0"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	taskType := flag.String("task-type", "copy", "Task type to lease")
	storageFilter := flag.String("storage", "", "Only lease tasks on this storage")
	source := flag.String("source", "", "Override the task source path")
	dest := flag.String("dest", "", "Override the task destination path")
	once := flag.Bool("once", false, "Lease and run at most one task, then exit")
	child := flag.Bool("child", false, "Run the task handed over on stdin (internal)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	// a child's stdout carries its report to the parent
	console := os.Stdout
	if *child {
		console = os.Stderr
	}
	logger := initLogger(cfg.LogPath, cfg.LogLevel, console)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := agent.Options{
		TaskType:       *taskType,
		StorageFilter:  *storageFilter,
		SourceOverride: *source,
		DestOverride:   *dest,
		PollInterval:   cfg.PollDelay(),
		Environment:    cfg.Environment,
	}
	clientCfg := communicator.ClientConfig{
		AgentID:       cfg.AgentID,
		Version:       Version,
		Timeout:       cfg.RPCTimeout,
		PostThreshold: cfg.PostThreshold,
		Insecure:      cfg.InsecureTLS,
		Logger:        logger.Named("rpc"),
	}

	if *child {
		if err := runChild(ctx, cfg, clientCfg, opts, logger); err != nil {
			logger.Error("worker failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	profile := cfg.Profile()
	logger.Info("starting forensic agent",
		zap.String("version", Version),
		zap.String("agent_id", cfg.AgentID),
		zap.String("environment", profile.Name),
		zap.Strings("candidates", profile.IPs),
	)

	// Resolve the coordinator endpoint
	client, err := communicator.NewResolver(clientCfg, profile).Resolve(ctx, profile)
	if err != nil {
		logger.Fatal("no reachable coordinator", zap.Error(err))
	}

	rt := agent.NewRuntime(cfg, client, logger)
	runner := agent.NewRunner(rt, opts)

	if cfg.StatusAddr != "" {
		srv := communicator.NewAgentServer(cfg.StatusAddr, runner, logger.Named("status"))
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status endpoint failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	switch {
	case *once:
		_, err = runner.RunOnce(ctx)
	case cfg.Parallelism > 1 && cfg.Isolation == config.IsolationProcess:
		sup := supervisor.New(supervisor.Config{
			Args:   childArgs(*configPath, opts),
			Logger: logger.Named("supervisor"),
		})
		err = runner.RunIsolated(ctx, sup, cfg.Parallelism)
	case cfg.Parallelism > 1:
		err = runner.RunPool(ctx, cfg.Parallelism)
	default:
		err = runner.Run(ctx)
	}

	if err != nil && ctx.Err() == nil {
		logger.Error("agent stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("agent stopped gracefully")
}

// runChild executes one task in a worker process started by the supervisor.
func runChild(ctx context.Context, cfg *config.Config, clientCfg communicator.ClientConfig, opts agent.Options, logger *zap.Logger) error {
	cc, err := supervisor.ReadChildContext(os.Stdin)
	if err != nil {
		return err
	}
	cfg.AgentID = cc.AgentID
	clientCfg.AgentID = cc.AgentID
	clientCfg.BaseURL = cc.BaseURL
	clientCfg.Insecure = clientCfg.Insecure || cc.Profile.Insecure

	logger = logger.With(zap.String("task_id", cc.Task.ID.String()), zap.Int("pid", os.Getpid()))
	rt := agent.NewRuntime(cfg, communicator.NewClient(clientCfg), logger)
	rt.Profile = cc.Profile
	rep, err := agent.NewRunner(rt, opts).RunChild(ctx, cc)
	if werr := supervisor.WriteChildReport(os.Stdout, rep); werr != nil {
		logger.Warn("failed to write report", zap.Error(werr))
	}
	return err
}

func childArgs(configPath string, opts agent.Options) []string {
	args := []string{"-child", "-task-type", opts.TaskType}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	if opts.SourceOverride != "" {
		args = append(args, "-source", opts.SourceOverride)
	}
	if opts.DestOverride != "" {
		args = append(args, "-dest", opts.DestOverride)
	}
	return args
}

func initLogger(logPath, level string, console *os.File) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	minLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		minLevel = zapcore.InfoLevel
	}

	// Console output
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	consoleCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.AddSync(console),
		minLevel,
	)

	cores := []zapcore.Core{consoleCore}

	// File output if path is specified and writable
	if logPath != "" {
		if file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)
			fileCore := zapcore.NewCore(
				jsonEncoder,
				zapcore.AddSync(file),
				minLevel,
			)
			cores = append(cores, fileCore)
		}
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller())
}
