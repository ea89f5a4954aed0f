package server

import (
	"sync"

	"meshrpc/message"
)

// Rpc is one inbound call waiting for the application. It completes
// exactly once, either with Respond or with Drop.
type Rpc struct {
	req  *message.Request
	once sync.Once
	done chan *message.Response
}

func newRpc(req *message.Request) *Rpc {
	return &Rpc{req: req, done: make(chan *message.Response, 1)}
}

func (r *Rpc) Request() *message.Request {
	return r.req
}

// Respond hands res to the dispatch server for publication on the caller's
// reply subject. It reports false when the call was already completed.
// A nil res drops the call and also reports false.
func (r *Rpc) Respond(res *message.Response) bool {
	if res == nil {
		r.Drop()
		return false
	}
	completed := false
	r.once.Do(func() {
		r.done <- res
		close(r.done)
		completed = true
	})
	return completed
}

// Drop abandons the call without a reply. The caller will time out.
func (r *Rpc) Drop() {
	r.once.Do(func() { close(r.done) })
}
