package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"meshrpc/cluster"
)

// Lease is a granted etcd lease. TTL is the duration the server granted,
// which may differ from the one requested.
type Lease struct {
	ID  clientv3.LeaseID
	TTL time.Duration
}

// LeaseKeeper grants a lease and keeps it alive.
type LeaseKeeper struct {
	lease  clientv3.Lease
	clock  clock.Clock
	logger *zap.Logger
}

func NewLeaseKeeper(lease clientv3.Lease, clk clock.Clock, logger *zap.Logger) *LeaseKeeper {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaseKeeper{lease: lease, clock: clk, logger: logger}
}

// Grant asks etcd for a lease of ttl, rounded down to whole seconds.
func (k *LeaseKeeper) Grant(ctx context.Context, ttl time.Duration) (Lease, error) {
	resp, err := k.lease.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return Lease{}, fmt.Errorf("%w: grant lease: %w", cluster.ErrCoordinationUnavailable, err)
	}
	k.logger.Info("lease granted", zap.Int64("lease", int64(resp.ID)), zap.Int64("ttl", resp.TTL))
	return Lease{ID: resp.ID, TTL: time.Duration(resp.TTL) * time.Second}, nil
}

// Run renews lease every third of its TTL until ctx is cancelled, in which
// case it returns nil. The TTL returned by each renewal replaces the one
// used for the next wait.
//
// A failed renewal is not retried: die is called once and the error
// returned. Only one Run may be active per lease.
func (k *LeaseKeeper) Run(ctx context.Context, lease Lease, die func()) error {
	ttl := lease.TTL
	k.logger.Info("keep alive task started", zap.Int64("lease", int64(lease.ID)))
	for {
		timer := k.clock.Timer(renewInterval(ttl))
		select {
		case <-ctx.Done():
			timer.Stop()
			k.logger.Info("keep alive task stopped", zap.Int64("lease", int64(lease.ID)))
			return nil
		case <-timer.C:
		}

		resp, err := k.lease.KeepAliveOnce(ctx, lease.ID)
		if err == nil && resp.TTL <= 0 {
			err = fmt.Errorf("lease %d expired", lease.ID)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Error("failed keep alive request", zap.Int64("lease", int64(lease.ID)), zap.Error(err))
			die()
			return fmt.Errorf("%w: keep alive: %w", cluster.ErrCoordinationUnavailable, err)
		}

		newTTL := time.Duration(resp.TTL) * time.Second
		if newTTL != ttl {
			k.logger.Debug("lease renewed with new ttl", zap.Duration("ttl", newTTL))
		}
		ttl = newTTL
	}
}

func renewInterval(ttl time.Duration) time.Duration {
	if d := ttl / 3; d > 0 {
		return d
	}
	return time.Second
}
