// Package config loads the rtstreams runtime configuration.
//
// Configuration is layered: Default() values, then an optional YAML file, then
// environment overrides with the RTSTREAMS prefix, then Validate():
//
//	runtime:
//	  poll_interval: 50ms
//	  stop_timeout: 2s
//	  log_level: debug
//	udp:
//	  local: 127.0.0.1:9000
//	  remote: 127.0.0.1:9001
//	server:
//	  listen: 0.0.0.0:7000
//
// Environment keys follow the section and field names, for example
// RTSTREAMS_RUNTIME_POLL_INTERVAL=20ms or RTSTREAMS_UDP_REMOTE=10.0.0.2:9001.
//
// Invalid configuration is a fatal error (errors.ErrInvalidConfig in the chain).
package config
