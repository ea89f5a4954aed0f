// Package registry keeps the cluster directory: each member publishes its
// own entry in etcd under a lease and looks up peers through a lazily
// filled cache that a watch on the directory keeps current.
//
//	Key:   {prefix}/servers/{kind}/{id}
//	Value: JSON-encoded cluster.Server
//
// The lease is renewed by a LeaseKeeper; when a renewal fails the member can
// no longer prove it is alive, so the registry fires its die signal and the
// owning process is expected to shut down.
package registry

import (
	"context"

	"meshrpc/cluster"
)

// Registry is the membership view used by the rest of the process.
type Registry interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// ServerByID returns cluster.ErrServerNotFound when no member with that
	// id is registered under kind.
	ServerByID(ctx context.Context, id cluster.ServerID, kind cluster.ServerKind) (*cluster.Server, error)
	ServersByKind(ctx context.Context, kind cluster.ServerKind) ([]*cluster.Server, error)

	AddListener(l Listener)
	RemoveListener(l Listener)

	// Die is closed when the registry can no longer keep this member registered.
	Die() <-chan struct{}
}

// Listener is notified from the watch goroutine when members join or leave.
// Implementations must be comparable (typically pointers) and must not block.
type Listener interface {
	ServerAdded(sv *cluster.Server)
	ServerRemoved(sv *cluster.Server)
}
