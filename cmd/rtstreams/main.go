// Package main implements rtstreams, a relay that reads text items from one
// network endpoint and forwards them to every configured output.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/health"
	"github.com/c360/rtstreams/metric"
	"github.com/c360/rtstreams/pipeline"
)

// Build information
const (
	Version = "0.1.0"
	appName = "rtstreams"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(context.Background(), os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	logger := cfg.Logger().With("service", appName, "version", Version, "pid", os.Getpid())
	slog.SetDefault(logger)
	logger.Info("Starting rtstreams", "config_path", cliCfg.ConfigPath, "source", cliCfg.Source)

	manager := pipeline.NewManager(
		pipeline.WithManagerName(appName),
		pipeline.WithManagerLogger(logger),
		pipeline.WithStopTimeout(cfg.Runtime.StopTimeout),
	)

	natsClient, err := connectNATS(ctx, cfg, manager, logger)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.StopTimeout)
			defer cancel()
			_ = natsClient.Close(closeCtx)
		}()
	}

	// A nil *natsclient.Client must stay a nil natsbridge.Conn
	var r *relay
	if natsClient != nil {
		r = newRelay(cfg, manager, logger, natsClient)
	} else {
		r = newRelay(cfg, manager, logger, nil)
	}
	if err := r.build(ctx, cliCfg.Source); err != nil {
		_ = manager.Shutdown(cfg.Runtime.StopTimeout)
		r.close()
		return err
	}

	if cfg.Metrics.Enabled {
		report := manager.Health
		if natsClient != nil {
			report = func() health.Status {
				stages := manager.Health()
				return health.Aggregate(appName, append(stages.SubStatuses, natsClient.Health()))
			}
		}
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, manager.Metrics(),
			metric.WithHealth(report))
		if err := server.Listen(); err != nil {
			_ = manager.Shutdown(cfg.Runtime.StopTimeout)
			return err
		}
		go func() {
			if err := server.Serve(); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.StopTimeout)
			defer cancel()
			_ = server.Stop(stopCtx)
		}()
		logger.Info("Metrics available", "address", server.Address())
	}

	start := time.Now()
	err = manager.Run(ctx)
	logger.Info("rtstreams stopped", "uptime", time.Since(start).Round(time.Second),
		"health", manager.Health().Status)
	return err
}

// loadConfig reads the config file (if any) and applies the CLI log level
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Runtime.LogLevel = cliCfg.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}
