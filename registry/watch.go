package registry

import (
	"context"
	"errors"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshrpc/cluster"
)

// watch applies directory changes to the cache until ctx is cancelled.
// A watch that ends for any other reason is reopened from the revision after
// the last applied event; resubscriptions are paced by WatchRetryInterval.
// After WatchRetries consecutive attempts that never got a watch established
// the registry fires Die.
func (r *EtcdRegistry) watch(ctx context.Context, rev int64) {
	prefix := cluster.ServersPrefix(r.cfg.Prefix)
	limiter := rate.NewLimiter(rate.Every(r.cfg.WatchRetryInterval), 1)
	failures := 0

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		established, next, err := r.watchOnce(ctx, prefix, rev)
		if ctx.Err() != nil {
			return
		}
		rev = next

		if errors.Is(err, rpctypes.ErrCompacted) {
			// next is the oldest revision still served. Fills after the
			// reset read at or above it, so resuming there replays every
			// change they could have missed.
			r.logger.Warn("watch history compacted, clearing cache", zap.Int64("revision", next))
			r.cache.reset(next)
		}

		if established {
			failures = 0
		} else {
			failures++
		}
		if failures > r.cfg.WatchRetries {
			r.logger.Error("giving up on directory watch", zap.Int("failures", failures), zap.Error(err))
			r.fireDie()
			return
		}
		r.logger.Warn("directory watch ended, resubscribing", zap.Int64("revision", rev), zap.Error(err))
	}
}

// watchOnce runs one watch session. It returns whether the session was
// established, the revision to resume from and the error that ended it.
// On compaction the returned revision is the compact revision.
func (r *EtcdRegistry) watchOnce(ctx context.Context, prefix string, rev int64) (bool, int64, error) {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithCreatedNotify()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev))
	}

	established := false
	for resp := range r.client.Watch(wctx, prefix, opts...) {
		if err := resp.Err(); err != nil {
			if resp.CompactRevision > 0 {
				return established, resp.CompactRevision, err
			}
			return established, rev, err
		}
		if resp.Created {
			established = true
		}
		for _, ev := range resp.Events {
			r.applyEvent(ev)
			rev = ev.Kv.ModRevision + 1
		}
	}
	return established, rev, nil
}

func (r *EtcdRegistry) applyEvent(ev *clientv3.Event) {
	key := string(ev.Kv.Key)
	_, id, ok := cluster.ParseServerKey(r.cfg.Prefix, key)
	if !ok {
		return
	}

	switch ev.Type {
	case clientv3.EventTypePut:
		sv, err := r.decodeEntry(key, ev.Kv.Value)
		if err != nil {
			r.logger.Error("ignoring corrupt registry entry from watch", zap.String("key", key), zap.Error(err))
			return
		}
		if existed := r.cache.put(sv, ev.Kv.ModRevision); !existed {
			r.logger.Debug("server added", zap.Stringer("server", sv))
			r.notify(func(l Listener) { l.ServerAdded(sv) })
		}
	case clientv3.EventTypeDelete:
		if sv, ok := r.cache.remove(id, ev.Kv.ModRevision); ok {
			r.logger.Debug("server removed", zap.Stringer("server", sv))
			r.notify(func(l Listener) { l.ServerRemoved(sv) })
		}
	}
}
