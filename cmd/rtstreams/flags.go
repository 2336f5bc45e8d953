package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
)

// Sources the relay can read from
var sources = []string{"udp", "tcp", "server", "nats"}

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	Source      string
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("RTSTREAMS_CONFIG", ""),
		"Path to a YAML configuration file (env: RTSTREAMS_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("RTSTREAMS_CONFIG", ""),
		"Path to a YAML configuration file (env: RTSTREAMS_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level, overrides runtime.log_level: debug, info, warn, error")
	fs.StringVar(&cfg.Source, "source", getEnv("RTSTREAMS_SOURCE", "udp"),
		"Endpoint to read from: udp, tcp, server, nats (env: RTSTREAMS_SOURCE)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains(sources, cfg.Source) {
		return fmt.Errorf("invalid source: %s", cfg.Source)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - real-time stream relay

Reads text items from one endpoint and forwards each of them to every
configured output: the TCP server clients, the UDP remote, the TCP remote,
the NATS publish subject and the WebSocket bridge.

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Relay UDP datagrams to TCP server clients
  RTSTREAMS_UDP_LOCAL=:9000 RTSTREAMS_SERVER_LISTEN=:7000 %s

  # Relay a NATS subject to browsers
  %s --config=relay.yaml --source=nats

  # Validate configuration only
  %s --config=relay.yaml --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
