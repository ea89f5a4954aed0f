package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"meshrpc/cluster"
	"meshrpc/codec"
)

// etcdClient is the part of *clientv3.Client the registry uses.
type etcdClient interface {
	clientv3.KV
	clientv3.Lease
	clientv3.Watcher
}

// Config tunes an EtcdRegistry.
type Config struct {
	Prefix       string
	HeartbeatTTL time.Duration
	// WatchRetries is the number of consecutive resubscriptions that may fail
	// to establish a watch before the registry gives up and fires Die.
	WatchRetries       int
	WatchRetryInterval time.Duration
}

const fillAttempts = 3

// DefaultWatchRetryInterval paces resubscription when Config leaves it unset.
const DefaultWatchRetryInterval = time.Second

// Connect opens an etcd client. The client dials lazily, so an unreachable
// cluster is usually only reported by the first request.
func Connect(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*clientv3.Client, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cluster.ErrCoordinationUnavailable, err)
	}
	return c, nil
}

// EtcdRegistry implements Registry on top of etcd v3.
type EtcdRegistry struct {
	client etcdClient
	cfg    Config
	this   *cluster.Server
	logger *zap.Logger
	clock  clock.Clock
	codec  codec.Codec

	keeper *LeaseKeeper
	cache  *cache
	fills  singleflight.Group

	dieOnce sync.Once
	die     chan struct{}

	mu      sync.Mutex // guards the fields below
	running bool
	lease   Lease
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []Listener
}

// Option customizes an EtcdRegistry.
type Option func(*EtcdRegistry)

// WithClock replaces the clock driving lease renewal.
func WithClock(clk clock.Clock) Option {
	return func(r *EtcdRegistry) { r.clock = clk }
}

// NewEtcdRegistry creates a registry publishing this under cfg.Prefix.
// client is typically a *clientv3.Client from Connect.
func NewEtcdRegistry(client etcdClient, this *cluster.Server, cfg Config, logger *zap.Logger, opts ...Option) *EtcdRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WatchRetryInterval <= 0 {
		cfg.WatchRetryInterval = DefaultWatchRetryInterval
	}
	r := &EtcdRegistry{
		client: client,
		cfg:    cfg,
		this:   this,
		logger: logger.With(zap.String("component", "registry"), zap.Stringer("server", this)),
		clock:  clock.New(),
		codec:  codec.GetCodec(codec.CodecTypeJSON),
		cache:  newCache(),
		die:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.keeper = NewLeaseKeeper(client, r.clock, r.logger)
	return r
}

// Start grants the lease, publishes this member under it and starts the
// keep-alive and watch tasks.
func (r *EtcdRegistry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("registry: %w", cluster.ErrAlreadyStarted)
	}

	lease, err := r.keeper.Grant(ctx, r.cfg.HeartbeatTTL)
	if err != nil {
		return err
	}

	rev, err := r.publish(ctx, lease)
	if err != nil {
		if _, rerr := r.client.Revoke(ctx, lease.ID); rerr != nil {
			r.logger.Warn("failed to revoke lease after publish error", zap.Error(rerr))
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.lease = lease
	r.running = true

	var watchRev int64
	if rev > 0 {
		watchRev = rev + 1
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := r.keeper.Run(runCtx, lease, r.fireDie); err != nil {
			r.logger.Debug("lease keeper stopped", zap.Error(err))
		}
	}()
	go func() {
		defer r.wg.Done()
		r.watch(runCtx, watchRev)
	}()

	r.logger.Info("registry started", zap.String("key", r.selfKey()))
	return nil
}

// Stop ends the background tasks and revokes the lease, which removes this
// member from the directory immediately. Stopping a stopped registry is a no-op.
func (r *EtcdRegistry) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.logger.Info("stopping etcd service discovery")
	r.cancel()
	r.wg.Wait()
	r.running = false

	if _, err := r.client.Revoke(ctx, r.lease.ID); err != nil {
		return fmt.Errorf("%w: revoke lease: %w", cluster.ErrCoordinationUnavailable, err)
	}
	return nil
}

func (r *EtcdRegistry) Die() <-chan struct{} {
	return r.die
}

func (r *EtcdRegistry) fireDie() {
	r.dieOnce.Do(func() {
		r.logger.Error("registry can no longer keep this server registered")
		close(r.die)
	})
}

func (r *EtcdRegistry) selfKey() string {
	return cluster.ServerKey(r.cfg.Prefix, r.this.Kind, r.this.ID)
}

// publish writes this member under lease and returns the revision of the write.
func (r *EtcdRegistry) publish(ctx context.Context, lease Lease) (int64, error) {
	val, err := r.codec.Encode(r.this)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Put(ctx, r.selfKey(), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return 0, fmt.Errorf("%w: put %s: %w", cluster.ErrCoordinationUnavailable, r.selfKey(), err)
	}
	if resp.Header == nil {
		return 0, nil
	}
	return resp.Header.Revision, nil
}

// ServerByID looks id up in the cache. On a miss the whole kind is read from
// etcd before giving up; misses are not cached.
func (r *EtcdRegistry) ServerByID(ctx context.Context, id cluster.ServerID, kind cluster.ServerKind) (*cluster.Server, error) {
	if sv, ok := r.cache.get(id); ok {
		return sv, nil
	}
	r.logger.Debug("server id not found in cache, filling cache for kind",
		zap.String("id", string(id)), zap.String("kind", string(kind)))
	if err := r.fillKind(ctx, kind); err != nil {
		return nil, err
	}
	if sv, ok := r.cache.get(id); ok {
		return sv, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", cluster.ErrServerNotFound, kind, id)
}

// ServersByKind returns a snapshot of the members of kind.
func (r *EtcdRegistry) ServersByKind(ctx context.Context, kind cluster.ServerKind) ([]*cluster.Server, error) {
	if servers, ok := r.cache.list(kind); ok {
		return servers, nil
	}
	if err := r.fillKind(ctx, kind); err != nil {
		return nil, err
	}
	servers, _ := r.cache.list(kind)
	if servers == nil {
		servers = []*cluster.Server{}
	}
	return servers, nil
}

// fillKind collapses concurrent fills of the same kind into one etcd read.
func (r *EtcdRegistry) fillKind(ctx context.Context, kind cluster.ServerKind) error {
	_, err, _ := r.fills.Do(string(kind), func() (any, error) {
		var err error
		for attempt := 0; attempt < fillAttempts; attempt++ {
			if err = r.fill(ctx, kind); !errors.Is(err, errStaleFill) {
				return nil, err
			}
		}
		return nil, err
	})
	return err
}

func (r *EtcdRegistry) fill(ctx context.Context, kind cluster.ServerKind) error {
	prefix := cluster.KindPrefix(r.cfg.Prefix, kind)
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", cluster.ErrCoordinationUnavailable, prefix, err)
	}
	r.logger.Debug("etcd returned keys", zap.String("prefix", prefix), zap.Int("count", len(resp.Kvs)))

	servers := make([]*cluster.Server, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		sv, err := r.decodeEntry(string(kv.Key), kv.Value)
		if err != nil {
			r.logger.Error("corrupt registry entry", zap.String("key", string(kv.Key)), zap.Error(err))
			return err
		}
		servers = append(servers, sv)
	}

	var rev int64
	if resp.Header != nil {
		rev = resp.Header.Revision
	}
	return r.cache.fill(kind, servers, rev)
}

// decodeEntry parses a stored entry and checks it against its key.
func (r *EtcdRegistry) decodeEntry(key string, value []byte) (*cluster.Server, error) {
	kind, id, ok := cluster.ParseServerKey(r.cfg.Prefix, key)
	if !ok {
		return nil, fmt.Errorf("%w: malformed key %s", cluster.ErrCorruptRegistryEntry, key)
	}
	sv := &cluster.Server{}
	if err := r.codec.Decode(value, sv); err != nil {
		return nil, fmt.Errorf("%w: key %s: %w", cluster.ErrCorruptRegistryEntry, key, err)
	}
	if sv.ID != id || sv.Kind != kind {
		return nil, fmt.Errorf("%w: key %s holds %s", cluster.ErrCorruptRegistryEntry, key, sv)
	}
	return sv, nil
}

func (r *EtcdRegistry) AddListener(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *EtcdRegistry) RemoveListener(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *EtcdRegistry) notify(fn func(Listener)) {
	r.listenersMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}
