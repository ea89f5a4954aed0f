// Package server implements the member side of an RPC: it subscribes to the
// member's topic on the bus, admits inbound calls onto a bounded queue and
// publishes the application's replies.
//
// Request pipeline:
//
//	nats subscription → onMessage (decode, non-blocking enqueue)
//	  → queue full: PIT-503 reply right away
//	  → enqueued: application handler (Dispatch) → Rpc.Respond → awaitReply → publish
package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"meshrpc/cluster"
	"meshrpc/codec"
	"meshrpc/message"
	"meshrpc/metrics"
	"meshrpc/transport"
)

const (
	latencyMetric = "rpc_latency"

	statusOK     = "ok"
	statusFailed = "failed"
)

// Config holds the dispatch server settings.
type Config struct {
	Transport transport.Config
	// MaxRPCsQueued is the capacity of the work queue returned by Start.
	// A call arriving while the queue is full is answered with PIT-503.
	MaxRPCsQueued int
	// ReplyTimeout bounds how long an admitted call may wait for the
	// application. Zero waits until it answers or drops the call.
	ReplyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Transport:     transport.DefaultConfig(),
		MaxRPCsQueued: 100,
	}
}

type state int

const (
	stateStopped state = iota
	stateStarting
	stateRunning
)

func (s state) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	}
	return "stopped"
}

// NatsRPCServer receives the calls addressed to one member.
type NatsRPCServer struct {
	cfg      Config
	this     *cluster.Server
	reporter metrics.Reporter
	logger   *zap.Logger

	metricsOnce sync.Once

	// mu guards the connection handle and the queue. Reply publication
	// takes it shared; Start and Shutdown take it exclusively.
	mu    sync.RWMutex
	state state
	conn  *nats.Conn
	sub   *nats.Subscription
	rpcs  chan *Rpc
}

// NewNatsRPCServer creates a stopped server for the member this. A nil
// reporter disables metrics.
func NewNatsRPCServer(cfg Config, this *cluster.Server, reporter metrics.Reporter, logger *zap.Logger) *NatsRPCServer {
	if reporter == nil {
		reporter = metrics.NopReporter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRPCsQueued < 0 {
		cfg.MaxRPCsQueued = 0
	}
	return &NatsRPCServer{
		cfg:      cfg,
		this:     this,
		reporter: reporter,
		logger: logger.With(
			zap.String("component", "nats_rpc_server"),
			zap.String("server", this.String())),
	}
}

// Start connects to the bus, subscribes to the member's topic and returns
// the work queue. The queue is closed by Shutdown.
func (s *NatsRPCServer) Start() (<-chan *Rpc, error) {
	s.registerMetrics()

	s.mu.Lock()
	if s.state != stateStopped {
		current := s.state
		s.mu.Unlock()
		s.logger.Warn("start called on a server that is not stopped", zap.Stringer("state", current))
		return nil, cluster.ErrAlreadyStarted
	}
	s.state = stateStarting
	s.mu.Unlock()

	conn, err := transport.Connect(s.cfg.Transport, "rpc-server-"+s.this.ID.String(), s.logger)
	if err != nil {
		s.setState(stateStopped)
		return nil, err
	}

	topic := cluster.TopicForServer(s.this.Kind, s.this.ID)
	rpcs := make(chan *Rpc, s.cfg.MaxRPCsQueued)

	s.mu.Lock()
	defer s.mu.Unlock()
	// publish the queue before subscribing so the first message finds it
	s.rpcs = rpcs
	s.conn = conn
	sub, err := transport.Subscribe(conn, s.cfg.Transport, topic, s.onMessage)
	if err != nil {
		conn.Close()
		s.conn, s.rpcs = nil, nil
		s.state = stateStopped
		return nil, err
	}
	s.sub = sub
	s.state = stateRunning
	s.logger.Info("rpc server started",
		zap.String("topic", topic),
		zap.Int("max_rpcs_queued", s.cfg.MaxRPCsQueued))
	return rpcs, nil
}

// Shutdown unsubscribes, closes the connection and closes the work queue.
// It is a no-op when the server is not running. Calls already admitted
// are not cancelled; their replies are dropped once the connection is gone.
func (s *NatsRPCServer) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}

	var err error
	if uerr := s.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
		err = fmt.Errorf("unsubscribe %s: %w", s.sub.Subject, uerr)
		s.logger.Warn("failed to unsubscribe", zap.Error(uerr))
	}
	s.conn.Close()
	close(s.rpcs)
	s.conn, s.sub, s.rpcs = nil, nil, nil
	s.state = stateStopped
	s.logger.Info("rpc server stopped")
	return err
}

func (s *NatsRPCServer) setState(st state) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *NatsRPCServer) registerMetrics() {
	s.metricsOnce.Do(func() {
		err := s.reporter.RegisterHistogram(metrics.HistogramOpts{
			Namespace:      "meshrpc",
			Subsystem:      "nats_rpc_server",
			Name:           latencyMetric,
			Help:           "histogram of rpc latency in seconds",
			VariableLabels: []string{"route", "status"},
			Buckets:        metrics.ExponentialBuckets(0.0005, 2.0, 20),
		})
		if err != nil {
			s.logger.Error("failed to register latency histogram", zap.Error(err))
		}
	})
}

func (s *NatsRPCServer) observe(route, status string, start time.Time) {
	if err := metrics.RecordHistogramDuration(s.reporter, latencyMetric, start, route, status); err != nil {
		s.logger.Debug("failed to record rpc latency", zap.Error(err))
	}
}

type admission int

const (
	admitted admission = iota
	queueFull
	queueClosed
)

func (s *NatsRPCServer) onMessage(msg *nats.Msg) {
	start := time.Now()

	req, err := codec.DecodeRequest(msg.Data)
	if err != nil {
		s.logger.Error("failed to decode rpc request", zap.String("subject", msg.Subject), zap.Error(err))
		s.observe("", statusFailed, start)
		return
	}
	route := req.Route()

	if msg.Reply == "" {
		s.logger.Warn("received rpc without a reply subject", zap.String("route", route))
		return
	}

	rpc := newRpc(req)
	switch s.enqueue(rpc) {
	case admitted:
		go s.awaitReply(rpc, msg.Reply, route, start)
	case queueFull:
		s.logger.Warn("rpc queue is full, rejecting call", zap.String("route", route))
		res := message.NewErrorResponse(cluster.CodeOverloaded, cluster.ErrOverloaded.Error())
		if err := s.publish(msg.Reply, res); err != nil {
			s.logger.Error("failed to publish overload reply", zap.String("route", route), zap.Error(err))
		}
		s.observe(route, statusFailed, start)
	case queueClosed:
		s.logger.Debug("rpc queue closed, dropping call", zap.String("route", route))
	}
}

// enqueue never blocks. The shared lock keeps Shutdown from closing the
// queue while a send is in progress.
func (s *NatsRPCServer) enqueue(rpc *Rpc) admission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rpcs == nil {
		return queueClosed
	}
	select {
	case s.rpcs <- rpc:
		return admitted
	default:
		return queueFull
	}
}

func (s *NatsRPCServer) awaitReply(rpc *Rpc, reply, route string, start time.Time) {
	var timeout <-chan time.Time
	if s.cfg.ReplyTimeout > 0 {
		timer := time.NewTimer(s.cfg.ReplyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res, ok := <-rpc.done:
		if !ok || res == nil {
			s.logger.Warn("rpc dropped without a reply", zap.String("route", route))
			s.observe(route, statusFailed, start)
			return
		}
		if err := s.publish(reply, res); err != nil {
			s.logger.Error("failed to publish rpc reply", zap.String("route", route), zap.Error(err))
			s.observe(route, statusFailed, start)
			return
		}
		s.observe(route, statusOK, start)
	case <-timeout:
		rpc.Drop()
		s.logger.Warn("rpc reply timed out", zap.String("route", route), zap.Duration("timeout", s.cfg.ReplyTimeout))
		s.observe(route, statusFailed, start)
	}
}

func (s *NatsRPCServer) publish(subject string, res *message.Response) error {
	data := codec.EncodeResponse(res)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return cluster.ErrNotStarted
	}
	return s.conn.Publish(subject, data)
}
