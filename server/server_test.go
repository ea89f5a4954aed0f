package server

import (
	"context"
	"testing"
	"time"

	natsd "github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshrpc/cluster"
	"meshrpc/codec"
	"meshrpc/message"
	"meshrpc/metrics"
)

const testRoute = "room.room.join"

func runNats(t *testing.T) *natsd.Server {
	t.Helper()
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)
	return srv
}

func testServer(t *testing.T, url string, queued int) (*NatsRPCServer, *metrics.PrometheusReporter) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Transport.URL = url
	cfg.MaxRPCsQueued = queued
	reporter := metrics.NewPrometheusReporter(nil)
	this := cluster.NewServer("my-id", "room", "localhost", false, nil)
	s := NewNatsRPCServer(cfg, this, reporter, nil)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, reporter
}

func dial(t *testing.T, url string) *nats.Conn {
	t.Helper()
	conn, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func encodedRequest(route, data string) []byte {
	return codec.EncodeRequest(&message.Request{
		Type: message.RPCTypeUser,
		Msg:  &message.Msg{Route: route, Data: []byte(data), Type: message.MsgTypeRequest},
	})
}

func call(t *testing.T, conn *nats.Conn, route, data string) *message.Response {
	t.Helper()
	msg, err := conn.Request(cluster.TopicForServer("room", "my-id"), encodedRequest(route, data), 2*time.Second)
	require.NoError(t, err)
	res, err := codec.DecodeResponse(msg.Data)
	require.NoError(t, err)
	return res
}

func sampleCount(t *testing.T, r *metrics.PrometheusReporter, route, status string) uint64 {
	t.Helper()
	hist, ok := r.Histogram(latencyMetric)
	require.True(t, ok)
	obs, err := hist.GetMetricWithLabelValues(route, status)
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, obs.(prometheus.Metric).Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestStartAndShutdown(t *testing.T) {
	srv := runNats(t)
	s, reporter := testServer(t, srv.ClientURL(), 10)

	rpcs, err := s.Start()
	require.NoError(t, err)
	require.NotNil(t, rpcs)
	assert.Equal(t, 10, cap(rpcs))
	_, ok := reporter.Histogram(latencyMetric)
	assert.True(t, ok, "latency histogram registered on start")

	_, err = s.Start()
	assert.ErrorIs(t, err, cluster.ErrAlreadyStarted)

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())

	_, open := <-rpcs
	assert.False(t, open, "queue closed by shutdown")

	// a stopped server can be started again
	rpcs, err = s.Start()
	require.NoError(t, err)
	require.NotNil(t, rpcs)
}

func TestStartTransportUnavailable(t *testing.T) {
	s, _ := testServer(t, "nats://127.0.0.1:1", 10)
	s.cfg.Transport.ConnectionTimeout = 200 * time.Millisecond

	_, err := s.Start()
	require.ErrorIs(t, err, cluster.ErrTransportUnavailable)
	assert.Equal(t, stateStopped, s.state)
	require.NoError(t, s.Shutdown())
}

func TestEndToEnd(t *testing.T) {
	srv := runNats(t)
	s, reporter := testServer(t, srv.ClientURL(), 10)
	rpcs, err := s.Start()
	require.NoError(t, err)

	received := make(chan *message.Request, 1)
	go Dispatch(context.Background(), rpcs, func(ctx context.Context, req *message.Request) *message.Response {
		received <- req
		return &message.Response{Data: []byte("HEY, THIS IS THE SERVER")}
	}, 1, nil)

	res := call(t, dial(t, srv.ClientURL()), testRoute, "sending some data")
	assert.Nil(t, res.Error)
	assert.Equal(t, "HEY, THIS IS THE SERVER", string(res.Data))

	req := <-received
	assert.Equal(t, testRoute, req.Route())
	assert.Equal(t, "sending some data", string(req.Msg.Data))

	assert.Eventually(t, func() bool {
		return sampleCount(t, reporter, testRoute, statusOK) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestOverloadReply(t *testing.T) {
	srv := runNats(t)
	s, reporter := testServer(t, srv.ClientURL(), 1)
	rpcs, err := s.Start()
	require.NoError(t, err)

	// a slow handler holds the first call, the second one fills the queue
	release := make(chan struct{})
	defer close(release)
	taken := make(chan struct{})
	go func() {
		rpc := <-rpcs
		close(taken)
		<-release
		rpc.Respond(&message.Response{Data: []byte("late")})
	}()

	conn := dial(t, srv.ClientURL())
	topic := cluster.TopicForServer("room", "my-id")
	require.NoError(t, conn.PublishRequest(topic, nats.NewInbox(), encodedRequest(testRoute, "first")))
	<-taken
	require.NoError(t, conn.PublishRequest(topic, nats.NewInbox(), encodedRequest(testRoute, "second")))
	require.NoError(t, conn.Flush())

	require.Eventually(t, func() bool { return len(rpcs) == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	res := call(t, conn, testRoute, "third")
	require.NotNil(t, res.Error)
	assert.Equal(t, cluster.CodeOverloaded, res.Error.Code)
	assert.Equal(t, "server is overloaded", res.Error.Msg)
	assert.Less(t, time.Since(start), time.Second)

	assert.Eventually(t, func() bool {
		return sampleCount(t, reporter, testRoute, statusFailed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDecodeFailureIsDropped(t *testing.T) {
	srv := runNats(t)
	s, reporter := testServer(t, srv.ClientURL(), 10)
	rpcs, err := s.Start()
	require.NoError(t, err)

	conn := dial(t, srv.ClientURL())
	_, err = conn.Request(cluster.TopicForServer("room", "my-id"), []byte{0xff, 0xff}, 200*time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
	assert.Len(t, rpcs, 0)
	assert.Equal(t, uint64(1), sampleCount(t, reporter, "", statusFailed))
}

func TestMissingReplySubjectIsDropped(t *testing.T) {
	srv := runNats(t)
	s, _ := testServer(t, srv.ClientURL(), 10)
	rpcs, err := s.Start()
	require.NoError(t, err)

	conn := dial(t, srv.ClientURL())
	require.NoError(t, conn.Publish(cluster.TopicForServer("room", "my-id"), encodedRequest(testRoute, "data")))
	require.NoError(t, conn.Flush())

	assert.Never(t, func() bool { return len(rpcs) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestDroppedRpcRecordsFailure(t *testing.T) {
	srv := runNats(t)
	s, reporter := testServer(t, srv.ClientURL(), 10)
	rpcs, err := s.Start()
	require.NoError(t, err)

	go Dispatch(context.Background(), rpcs, func(context.Context, *message.Request) *message.Response {
		return nil
	}, 1, nil)

	conn := dial(t, srv.ClientURL())
	_, err = conn.Request(cluster.TopicForServer("room", "my-id"), encodedRequest(testRoute, "data"), 200*time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
	assert.Eventually(t, func() bool {
		return sampleCount(t, reporter, testRoute, statusFailed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestNilResponseIsDropped(t *testing.T) {
	srv := runNats(t)
	s, reporter := testServer(t, srv.ClientURL(), 10)
	rpcs, err := s.Start()
	require.NoError(t, err)

	go func() {
		first := true
		for rpc := range rpcs {
			if first {
				first = false
				rpc.Respond(nil)
				continue
			}
			rpc.Respond(&message.Response{Data: []byte("still serving")})
		}
	}()

	conn := dial(t, srv.ClientURL())
	_, err = conn.Request(cluster.TopicForServer("room", "my-id"), encodedRequest(testRoute, "data"), 200*time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
	assert.Eventually(t, func() bool {
		return sampleCount(t, reporter, testRoute, statusFailed) == 1
	}, time.Second, 10*time.Millisecond)

	res := call(t, conn, testRoute, "data")
	assert.Equal(t, "still serving", string(res.Data))
}

func TestReplyTimeout(t *testing.T) {
	srv := runNats(t)
	s, reporter := testServer(t, srv.ClientURL(), 10)
	s.cfg.ReplyTimeout = 50 * time.Millisecond
	rpcs, err := s.Start()
	require.NoError(t, err)

	conn := dial(t, srv.ClientURL())
	require.NoError(t, conn.PublishRequest(cluster.TopicForServer("room", "my-id"), nats.NewInbox(), encodedRequest(testRoute, "data")))

	var rpc *Rpc
	select {
	case rpc = <-rpcs:
	case <-time.After(time.Second):
		t.Fatal("rpc not enqueued")
	}
	assert.Eventually(t, func() bool {
		return sampleCount(t, reporter, testRoute, statusFailed) == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, rpc.Respond(&message.Response{}), "timed out call is already completed")
}

func TestRpcCompletesOnce(t *testing.T) {
	rpc := newRpc(&message.Request{})
	assert.True(t, rpc.Respond(&message.Response{Data: []byte("a")}))
	assert.False(t, rpc.Respond(&message.Response{Data: []byte("b")}))
	rpc.Drop()

	res, ok := <-rpc.done
	require.True(t, ok)
	assert.Equal(t, "a", string(res.Data))
	_, ok = <-rpc.done
	assert.False(t, ok)

	dropped := newRpc(&message.Request{})
	assert.False(t, dropped.Respond(nil))
	assert.False(t, dropped.Respond(&message.Response{}), "a nil response completes the call")
	_, ok = <-dropped.done
	assert.False(t, ok)
}
