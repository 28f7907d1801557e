// Package nats connects to NATS JetStream and carries inbound event tasks
// from the ingress handler to the worker pool.
package nats

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

// DrainTimeout bounds how long Close waits for pending publishes and acks.
const DrainTimeout = 10 * time.Second

// Config holds NATS connection configuration. CAFile alone verifies the
// server; CertFile and KeyFile together add a client certificate.
type Config struct {
	Name     string
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// Client owns one NATS connection and its JetStream handle for the
// lifetime of the process.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
}

// Connect dials cfg.URL. A deadline on ctx bounds the initial dial;
// reconnects afterwards are unbounded.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	log = log.WithComponent("nats")

	opts, err := connectOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Info("NATS connected", zap.String("url", nc.ConnectedUrl()))
	return &Client{conn: nc, js: js, logger: log}, nil
}

func connectOptions(cfg Config, log *logger.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 << 20),
		nats.DrainTimeout(DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	}

	tlsConfig, err := loadTLS(cfg)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return opts, nil
}

// JetStream returns the JetStream handle.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains the connection so acknowledged publishes and in-flight acks
// reach the server, falling back to a hard close.
func (c *Client) Close() {
	if c.conn == nil || c.conn.IsClosed() {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", zap.Error(err))
		c.conn.Close()
		return
	}
	// Drain is asynchronous.
	deadline := time.Now().Add(DrainTimeout)
	for !c.conn.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// loadTLS returns nil when no TLS material is configured.
func loadTLS(cfg Config) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" {
		return nil, nil
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("NATS client certificate needs both cert and key files")
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read NATS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load NATS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
