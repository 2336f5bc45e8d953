package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/c360/rtstreams/errors"
)

// EnvPrefix is the prefix for environment overrides, e.g. RTSTREAMS_RUNTIME_POLL_INTERVAL.
// Keys are derived from field names; envconfig tags are avoided because their
// bare alternates would pick up unrelated variables such as PATH.
const EnvPrefix = "RTSTREAMS"

// Config represents the complete runtime configuration
type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	UDP       UDPConfig       `yaml:"udp"`
	TCP       TCPConfig       `yaml:"tcp"`
	Server    ServerConfig    `yaml:"server"`
	NATS      NATSConfig      `yaml:"nats"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RuntimeConfig controls stage scheduling and shutdown
type RuntimeConfig struct {
	// PollInterval bounds how long any blocking wait may go without checking for shutdown
	PollInterval    time.Duration `yaml:"poll_interval" split_words:"true"`
	StopTimeout     time.Duration `yaml:"stop_timeout" split_words:"true"`
	ChannelCapacity int           `yaml:"channel_capacity" split_words:"true"`
	IdleBackoff     time.Duration `yaml:"idle_backoff" split_words:"true"`
	LogLevel        string        `yaml:"log_level" split_words:"true"`
}

// UDPConfig configures the UDP endpoint pair
type UDPConfig struct {
	Local      string `yaml:"local"`
	Remote     string `yaml:"remote"`
	BufferSize int    `yaml:"buffer_size" split_words:"true"`
}

// TCPConfig configures the TCP client endpoint pair
type TCPConfig struct {
	Remote      string        `yaml:"remote"`
	BufferSize  int           `yaml:"buffer_size" split_words:"true"`
	DialTimeout time.Duration `yaml:"dial_timeout" split_words:"true"`
	DialRetries int           `yaml:"dial_retries" split_words:"true"`
}

// ServerConfig configures the multi-client TCP server
type ServerConfig struct {
	Listen     string `yaml:"listen"`
	BufferSize int    `yaml:"buffer_size" split_words:"true"`
	QueueDepth int    `yaml:"queue_depth" split_words:"true"`
}

// NATSConfig configures the optional NATS bridge. The reader subscribes to
// Subject and the writer publishes to PublishSubject.
type NATSConfig struct {
	URLs           []string `yaml:"urls"`
	Subject        string   `yaml:"subject"`
	PublishSubject string   `yaml:"publish_subject" split_words:"true"`
}

// WebSocketConfig configures the browser bridge. An empty Listen disables it.
type WebSocketConfig struct {
	Listen       string        `yaml:"listen"`
	Path         string        `yaml:"path"`
	WriteTimeout time.Duration `yaml:"write_timeout" split_words:"true"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			PollInterval:    100 * time.Millisecond,
			StopTimeout:     5 * time.Second,
			ChannelCapacity: 0,
			IdleBackoff:     10 * time.Millisecond,
			LogLevel:        "info",
		},
		UDP: UDPConfig{
			BufferSize: 1024,
		},
		TCP: TCPConfig{
			BufferSize:  4096,
			DialTimeout: 2 * time.Second,
			DialRetries: 3,
		},
		Server: ServerConfig{
			BufferSize: 4096,
			QueueDepth: 64,
		},
		WebSocket: WebSocketConfig{
			Path:         "/ws",
			WriteTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// Load reads a YAML file over the defaults, applies RTSTREAMS_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "read config file")
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "Load", "apply environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates. Environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"config", "decode", "parse YAML")
	}
	return nil
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	var problems []string

	if c.Runtime.PollInterval <= 0 {
		problems = append(problems, "runtime.poll_interval must be positive")
	}
	if c.Runtime.StopTimeout <= 0 {
		problems = append(problems, "runtime.stop_timeout must be positive")
	}
	if c.Runtime.ChannelCapacity < 0 {
		problems = append(problems, "runtime.channel_capacity cannot be negative")
	}
	if c.Runtime.IdleBackoff < 0 {
		problems = append(problems, "runtime.idle_backoff cannot be negative")
	}
	if _, err := ParseLevel(c.Runtime.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.UDP.BufferSize <= 0 || c.TCP.BufferSize <= 0 || c.Server.BufferSize <= 0 {
		problems = append(problems, "buffer_size must be positive")
	}
	if c.Server.QueueDepth <= 0 {
		problems = append(problems, "server.queue_depth must be positive")
	}
	if c.TCP.DialRetries < 0 {
		problems = append(problems, "tcp.dial_retries cannot be negative")
	}
	if len(c.NATS.URLs) > 0 && c.NATS.Subject == "" && c.NATS.PublishSubject == "" {
		problems = append(problems, "nats.subject or nats.publish_subject is required with nats.urls")
	}
	if c.WebSocket.Listen != "" && !strings.HasPrefix(c.WebSocket.Path, "/") {
		problems = append(problems, "websocket.path must start with /")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		problems = append(problems, "websocket.write_timeout must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		problems = append(problems, "metrics.port out of range")
	}

	if len(problems) > 0 {
		return errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"config", "Validate", "validate configuration")
	}
	return nil
}

// ParseLevel maps a log_level string onto a slog level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("runtime.log_level %q is not a valid level", level)
	}
	return l, nil
}

// Logger builds the process logger for the configured level
func (c *Config) Logger() *slog.Logger {
	level, _ := ParseLevel(c.Runtime.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
