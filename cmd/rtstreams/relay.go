package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/natsclient"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/network/natsbridge"
	"github.com/c360/rtstreams/network/tcp"
	"github.com/c360/rtstreams/network/tcpserver"
	"github.com/c360/rtstreams/network/udp"
	"github.com/c360/rtstreams/network/websocket"
	"github.com/c360/rtstreams/pipeline"
)

// relay wires one source endpoint to every configured output. Sockets are
// opened once and shared when the source and an output use the same endpoint.
type relay struct {
	cfg     *config.Config
	manager *pipeline.Manager
	logger  *slog.Logger
	nats    natsbridge.Conn

	udpConn *udp.Conn
	tcpConn *tcp.Conn
	server  *tcpserver.Server
	outputs []string
}

func newRelay(cfg *config.Config, manager *pipeline.Manager, logger *slog.Logger, nats natsbridge.Conn) *relay {
	return &relay{cfg: cfg, manager: manager, logger: logger, nats: nats}
}

func (r *relay) options(name string) []network.Option {
	return []network.Option{
		network.WithName(name),
		network.WithPollInterval(r.cfg.Runtime.PollInterval),
		network.WithStageOptions(
			pipeline.WithManager(r.manager),
			pipeline.WithLogger(r.logger),
			pipeline.WithChannelCapacity(r.cfg.Runtime.ChannelCapacity, pipeline.Block),
			pipeline.WithIdleBackoff(r.cfg.Runtime.IdleBackoff),
		),
	}
}

func (r *relay) openUDP() (*udp.Conn, error) {
	if r.udpConn == nil {
		conn, err := udp.Listen(r.cfg.UDP.Local)
		if err != nil {
			return nil, err
		}
		r.udpConn = conn
	}
	return r.udpConn, nil
}

func (r *relay) dialTCP(ctx context.Context) (*tcp.Conn, error) {
	if r.tcpConn == nil {
		conn, err := tcp.Dial(ctx, r.cfg.TCP.Remote,
			tcp.WithDialTimeout(r.cfg.TCP.DialTimeout),
			tcp.WithDialAttempts(r.cfg.TCP.DialRetries),
			tcp.WithDialLogger(r.logger),
		)
		if err != nil {
			return nil, err
		}
		r.tcpConn = conn
	}
	return r.tcpConn, nil
}

func (r *relay) listenServer() (*tcpserver.Server, error) {
	if r.server == nil {
		s, err := tcpserver.Listen(r.cfg.Server.Listen,
			tcpserver.WithName("server"),
			tcpserver.WithBufferSize(r.cfg.Server.BufferSize),
			tcpserver.WithQueueDepth(r.cfg.Server.QueueDepth),
			tcpserver.WithPollInterval(r.cfg.Runtime.PollInterval),
			tcpserver.WithLogger(r.logger),
		)
		if err != nil {
			return nil, err
		}
		r.server = s
	}
	return r.server, nil
}

func missing(key string) error {
	return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrMissingConfig, key), "relay", "build", "check endpoint config")
}

// source builds the reader for the named endpoint
func (r *relay) source(ctx context.Context, name string) (pipeline.Source[string], error) {
	switch name {
	case "udp":
		if r.cfg.UDP.Local == "" {
			return nil, missing("udp.local")
		}
		conn, err := r.openUDP()
		if err != nil {
			return nil, err
		}
		opts := append(r.options("udp-in"), network.WithBufferSize(r.cfg.UDP.BufferSize))
		return udp.NewTextReader(conn, opts...)

	case "tcp":
		if r.cfg.TCP.Remote == "" {
			return nil, missing("tcp.remote")
		}
		conn, err := r.dialTCP(ctx)
		if err != nil {
			return nil, err
		}
		opts := append(r.options("tcp-in"), network.WithBufferSize(r.cfg.TCP.BufferSize))
		return tcp.NewTextReader(conn, opts...)

	case "server":
		if r.cfg.Server.Listen == "" {
			return nil, missing("server.listen")
		}
		s, err := r.listenServer()
		if err != nil {
			return nil, err
		}
		return tcpserver.NewTextReader(s, r.options("server-in")...)

	case "nats":
		if r.nats == nil || r.cfg.NATS.Subject == "" {
			return nil, missing("nats.urls and nats.subject")
		}
		return natsbridge.NewTextReader(r.nats, r.cfg.NATS.Subject, r.options("nats-in")...)
	}
	return nil, errors.WrapFatal(fmt.Errorf("%w: unknown source %q", errors.ErrInvalidConfig, name),
		"relay", "source", "choose source")
}

// attachOutputs creates a writer on src for every configured output
func (r *relay) attachOutputs(ctx context.Context, src pipeline.Source[string]) error {
	if r.cfg.Server.Listen != "" {
		s, err := r.listenServer()
		if err != nil {
			return err
		}
		if _, err := tcpserver.NewWriter[string](src, s, nil, r.options("server-out")...); err != nil {
			return err
		}
		r.outputs = append(r.outputs, "server")
	}

	if r.cfg.UDP.Remote != "" {
		var err error
		if r.udpConn != nil {
			_, err = udp.NewWriter[string](src, r.udpConn, r.cfg.UDP.Remote, nil, r.options("udp-out")...)
		} else {
			_, err = udp.NewWriterTo[string](src, r.cfg.UDP.Remote, nil, r.options("udp-out")...)
		}
		if err != nil {
			return err
		}
		r.outputs = append(r.outputs, "udp")
	}

	if r.cfg.TCP.Remote != "" {
		conn, err := r.dialTCP(ctx)
		if err != nil {
			return err
		}
		if _, err := tcp.NewWriter[string](src, conn, nil, r.options("tcp-out")...); err != nil {
			return err
		}
		r.outputs = append(r.outputs, "tcp")
	}

	if r.nats != nil && r.cfg.NATS.PublishSubject != "" {
		if _, err := natsbridge.NewWriter[string](src, r.nats, r.cfg.NATS.PublishSubject, nil, r.options("nats-out")...); err != nil {
			return err
		}
		r.outputs = append(r.outputs, "nats")
	}

	if r.cfg.WebSocket.Listen != "" {
		if _, err := websocket.NewBridge[string](src, r.cfg.WebSocket, r.manager.Metrics(), r.options("websocket")...); err != nil {
			return err
		}
		r.outputs = append(r.outputs, "websocket")
	}

	if len(r.outputs) == 0 {
		return missing("at least one output")
	}
	return nil
}

// build creates every stage and registers it with the manager
func (r *relay) build(ctx context.Context, source string) error {
	src, err := r.source(ctx, source)
	if err != nil {
		return err
	}
	if err := r.attachOutputs(ctx, src); err != nil {
		return err
	}
	r.logger.Info("Relay configured", "source", source, "outputs", r.outputs)
	return nil
}

// close releases sockets opened for stages that were never created
func (r *relay) close() {
	if r.udpConn != nil {
		_ = r.udpConn.Close()
	}
	if r.tcpConn != nil {
		_ = r.tcpConn.Close()
	}
	if r.server != nil {
		_ = r.server.Close()
	}
}

// connectNATS returns a connected client when NATS is configured, nil otherwise
func connectNATS(ctx context.Context, cfg *config.Config, manager *pipeline.Manager, logger *slog.Logger) (*natsclient.Client, error) {
	if len(cfg.NATS.URLs) == 0 {
		return nil, nil
	}

	client, err := natsclient.NewClient(natsbridge.ServerURL(cfg.NATS),
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(manager.Metrics()),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}
