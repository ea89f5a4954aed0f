// Package transport opens connections to the NATS message bus shared by the
// cluster. Both the dispatch server and the client connect through here so
// that reconnect policy and connection logging are the same everywhere.
package transport

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"meshrpc/cluster"
)

// Config describes how to reach the bus.
type Config struct {
	URL                     string
	ConnectionTimeout       time.Duration
	RequestTimeout          time.Duration
	MaxReconnectionAttempts int
	// MaxPendingMsgs bounds the messages buffered for a subscription before
	// the client starts dropping them. Zero keeps the library default.
	MaxPendingMsgs int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		URL:                     "nats://localhost:4222",
		ConnectionTimeout:       2 * time.Second,
		RequestTimeout:          5 * time.Second,
		MaxReconnectionAttempts: 30,
		MaxPendingMsgs:          1000,
	}
}

// Connect dials the bus. name identifies the connection in server monitoring.
func Connect(cfg Config, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("url", cfg.URL), zap.String("connection", name))

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnectionAttempts),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from nats", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", zap.String("server", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if cfg.ConnectionTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectionTimeout))
	}

	logger.Info("connecting to nats")
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", cluster.ErrTransportUnavailable, cfg.URL, err)
	}
	return conn, nil
}

// Subscribe registers handler on subject and applies the pending limit from cfg.
func Subscribe(conn *nats.Conn, cfg Config, subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", cluster.ErrTransportUnavailable, subject, err)
	}
	if cfg.MaxPendingMsgs > 0 {
		if err := sub.SetPendingLimits(cfg.MaxPendingMsgs, -1); err != nil {
			_ = sub.Unsubscribe()
			return nil, fmt.Errorf("%w: pending limits: %w", cluster.ErrTransportUnavailable, err)
		}
	}
	// make sure the server knows about the subscription before returning
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: flush %s: %w", cluster.ErrTransportUnavailable, subject, err)
	}
	return sub, nil
}
