// Package client originates calls to other members over the bus.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"meshrpc/cluster"
	"meshrpc/codec"
	"meshrpc/message"
	"meshrpc/middleware"
	"meshrpc/transport"
)

// Finder resolves a member by id. registry.Registry satisfies it.
type Finder interface {
	ServerByID(ctx context.Context, id cluster.ServerID, kind cluster.ServerKind) (*cluster.Server, error)
}

type NatsRPCClient struct {
	cfg    transport.Config
	this   *cluster.Server
	finder Finder
	logger *zap.Logger

	middlewares []middleware.Middleware

	mu   sync.RWMutex
	conn *nats.Conn
}

// NewNatsRPCClient creates a client for the member this. finder is only
// needed by CallByID.
func NewNatsRPCClient(cfg transport.Config, this *cluster.Server, finder Finder, logger *zap.Logger) *NatsRPCClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NatsRPCClient{
		cfg:    cfg,
		this:   this,
		finder: finder,
		logger: logger.With(zap.String("component", "nats_rpc_client")),
	}
}

// Use adds a middleware around outbound calls. It must be called before Start.
func (c *NatsRPCClient) Use(mw middleware.Middleware) {
	c.middlewares = append(c.middlewares, mw)
}

func (c *NatsRPCClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return cluster.ErrAlreadyStarted
	}
	conn, err := transport.Connect(c.cfg, "rpc-client-"+c.this.ID.String(), c.logger)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Shutdown closes the connection. It is a no-op when the client is not started.
func (c *NatsRPCClient) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.Close()
	c.conn = nil
	return nil
}

// Call sends data to route on target and returns the reply payload. A reply
// carrying an error is returned as *message.Error; an overloaded reply also
// matches cluster.ErrOverloaded.
func (c *NatsRPCClient) Call(ctx context.Context, target *cluster.Server, route string, data []byte) ([]byte, error) {
	kind, err := cluster.ParseRoute(route)
	if err != nil {
		return nil, err
	}
	if kind != target.Kind {
		return nil, fmt.Errorf("route %s does not target %s", route, target)
	}

	req := &message.Request{
		Type:       message.RPCTypeUser,
		FrontendID: c.this.ID.String(),
		Msg: &message.Msg{
			Route: route,
			Data:  data,
			Type:  message.MsgTypeRequest,
		},
	}
	send := func(ctx context.Context, req *message.Request) *message.Response {
		return c.send(ctx, target, req)
	}
	res := middleware.Chain(c.middlewares...)(send)(ctx, req)
	if res == nil {
		return nil, cluster.ErrInvalidResponse
	}
	if res.Error != nil {
		if res.Error.Code == cluster.CodeOverloaded {
			return nil, fmt.Errorf("%w: %w", cluster.ErrOverloaded, res.Error)
		}
		return nil, res.Error
	}
	return res.Data, nil
}

// CallByID resolves the member through the finder and calls it.
func (c *NatsRPCClient) CallByID(ctx context.Context, kind cluster.ServerKind, id cluster.ServerID, route string, data []byte) ([]byte, error) {
	if c.finder == nil {
		return nil, errors.New("client has no finder")
	}
	target, err := c.finder.ServerByID(ctx, id, kind)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, target, route, data)
}

// send performs one request. Transport failures are turned into error
// replies so middlewares such as retry can inspect them.
func (c *NatsRPCClient) send(ctx context.Context, target *cluster.Server, req *message.Request) *message.Response {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return message.NewErrorResponse(cluster.CodeInternal, cluster.ErrNotStarted.Error())
	}

	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	topic := cluster.TopicForServer(target.Kind, target.ID)
	msg, err := conn.RequestWithContext(ctx, topic, codec.EncodeRequest(req))
	if err != nil {
		c.logger.Debug("rpc request failed", zap.String("topic", topic), zap.String("route", req.Route()), zap.Error(err))
		return transportError(err)
	}
	res, err := codec.DecodeResponse(msg.Data)
	if err != nil {
		return message.NewErrorResponse(cluster.CodeInternal, fmt.Sprintf("%s: %v", cluster.ErrInvalidResponse, err))
	}
	return res
}

func transportError(err error) *message.Response {
	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return message.NewErrorResponse(cluster.CodeTimeout, err.Error())
	case errors.Is(err, nats.ErrNoResponders):
		return message.NewErrorResponse(cluster.CodeNotFound, err.Error())
	}
	return message.NewErrorResponse(cluster.CodeInternal, err.Error())
}
