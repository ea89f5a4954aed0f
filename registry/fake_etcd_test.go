package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeEtcd is an in-memory stand-in for the KV, Lease and Watcher APIs.
// Unused methods of the embedded interfaces panic if called.
type fakeEtcd struct {
	clientv3.KV
	clientv3.Lease
	clientv3.Watcher

	clock clock.Clock

	mu         sync.Mutex
	rev        int64
	data       map[string]*mvccpb.KeyValue
	nextLease  clientv3.LeaseID
	leaseKeys  map[clientv3.LeaseID][]string
	history    []*clientv3.Event
	compacted  int64
	watches    []*fakeWatch
	watchGate  chan struct{}
	watchCalls int
	gets       int
	keepAlives []time.Time

	grantErr     error
	getErr       error
	keepAliveErr error
	keepAliveTTL int64 // 0 echoes the granted ttl
	grantedTTL   int64
	refuseWatch  bool
}

type fakeWatch struct {
	prefix string
	mu     sync.Mutex
	ch     chan clientv3.WatchResponse
	closed bool
}

func (w *fakeWatch) send(resp clientv3.WatchResponse) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.ch <- resp
	}
}

func (w *fakeWatch) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{
		clock:     clock.New(),
		data:      make(map[string]*mvccpb.KeyValue),
		nextLease: 100,
		leaseKeys: make(map[clientv3.LeaseID][]string),
	}
}

func (f *fakeEtcd) Close() error { return nil }

func (f *fakeEtcd) header() *etcdserverpb.ResponseHeader {
	return &etcdserverpb.ResponseHeader{Revision: f.rev}
}

// set stores a key without a lease, as a peer would. Callers hold no lock.
func (f *fakeEtcd) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(key, value)
}

func (f *fakeEtcd) putLocked(key, value string) {
	f.rev++
	kv := &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value), ModRevision: f.rev}
	f.data[key] = kv
	f.record(key, &clientv3.Event{Type: clientv3.EventTypePut, Kv: kv})
}

func (f *fakeEtcd) deleteLocked(key string) bool {
	if _, ok := f.data[key]; !ok {
		return false
	}
	f.rev++
	delete(f.data, key)
	f.record(key, &clientv3.Event{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte(key), ModRevision: f.rev}})
	return true
}

// record appends ev to the history and delivers it to the open watches.
func (f *fakeEtcd) record(key string, ev *clientv3.Event) {
	f.history = append(f.history, ev)
	resp := clientv3.WatchResponse{Header: *f.header(), Events: []*clientv3.Event{ev}}
	for _, w := range f.watches {
		if strings.HasPrefix(key, w.prefix) {
			w.send(resp)
		}
	}
}

func (f *fakeEtcd) value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kv, ok := f.data[key]
	if !ok {
		return "", false
	}
	return string(kv.Value), true
}

func (f *fakeEtcd) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeEtcd) watchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchCalls
}

func (f *fakeEtcd) keepAliveTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.keepAlives...)
}

// endWatches terminates every open watch stream without cancelling it.
func (f *fakeEtcd) endWatches() {
	f.mu.Lock()
	watches := f.watches
	f.watches = nil
	f.mu.Unlock()
	for _, w := range watches {
		w.close()
	}
}

// compact discards the history before the current revision and ends every
// open watch with a compaction error.
func (f *fakeEtcd) compact() int64 {
	f.mu.Lock()
	watches := f.watches
	f.watches = nil
	rev := f.rev
	f.compacted = rev
	kept := f.history[:0]
	for _, ev := range f.history {
		if ev.Kv.ModRevision >= rev {
			kept = append(kept, ev)
		}
	}
	f.history = kept
	f.mu.Unlock()
	for _, w := range watches {
		w.send(clientv3.WatchResponse{CompactRevision: rev, Canceled: true})
		w.close()
	}
	return rev
}

// holdWatches makes new Watch calls block until the returned func is called.
func (f *fakeEtcd) holdWatches() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.watchGate = gate
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.watchGate = nil
		f.mu.Unlock()
		close(gate)
	}
}

func (f *fakeEtcd) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(key, val)
	if f.nextLease > 100 {
		// puts are attributed to the most recent grant
		id := f.nextLease - 1
		f.leaseKeys[id] = append(f.leaseKeys[id], key)
	}
	return &clientv3.PutResponse{Header: f.header()}, nil
}

func (f *fakeEtcd) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	var kvs []*mvccpb.KeyValue
	for k, kv := range f.data {
		if strings.HasPrefix(k, key) {
			kvs = append(kvs, kv)
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return string(kvs[i].Key) < string(kvs[j].Key) })
	return &clientv3.GetResponse{Header: f.header(), Kvs: kvs, Count: int64(len(kvs))}, nil
}

func (f *fakeEtcd) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	if f.deleteLocked(key) {
		deleted = 1
	}
	return &clientv3.DeleteResponse{Header: f.header(), Deleted: deleted}, nil
}

func (f *fakeEtcd) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grantErr != nil {
		return nil, f.grantErr
	}
	id := f.nextLease
	f.nextLease++
	f.grantedTTL = ttl
	return &clientv3.LeaseGrantResponse{ID: id, TTL: ttl}, nil
}

func (f *fakeEtcd) KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlives = append(f.keepAlives, f.clock.Now())
	if f.keepAliveErr != nil {
		return nil, f.keepAliveErr
	}
	ttl := f.keepAliveTTL
	if ttl == 0 {
		ttl = f.grantedTTL
	}
	return &clientv3.LeaseKeepAliveResponse{ID: id, TTL: ttl}, nil
}

func (f *fakeEtcd) Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range f.leaseKeys[id] {
		f.deleteLocked(key)
	}
	delete(f.leaseKeys, id)
	return &clientv3.LeaseRevokeResponse{Header: f.header()}, nil
}

// Watch honours WithRev by replaying the retained history from that revision.
// A revision older than the last compaction gets a compaction error.
func (f *fakeEtcd) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	f.mu.Lock()
	gate := f.watchGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCalls++
	w := &fakeWatch{prefix: key, ch: make(chan clientv3.WatchResponse, 64)}
	if f.refuseWatch {
		w.close()
		return w.ch
	}
	rev := clientv3.OpGet(key, opts...).Rev()
	if rev > 0 && rev < f.compacted {
		w.send(clientv3.WatchResponse{CompactRevision: f.compacted, Canceled: true})
		w.close()
		return w.ch
	}
	w.send(clientv3.WatchResponse{Header: *f.header(), Created: true})
	if rev > 0 {
		for _, ev := range f.history {
			if ev.Kv.ModRevision >= rev && strings.HasPrefix(string(ev.Kv.Key), key) {
				w.send(clientv3.WatchResponse{Header: *f.header(), Events: []*clientv3.Event{ev}})
			}
		}
	}
	f.watches = append(f.watches, w)
	go func() {
		<-ctx.Done()
		w.close()
	}()
	return w.ch
}
