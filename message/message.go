// Package message defines the envelopes exchanged over the bus for one RPC.
//
// A Request travels from the caller to the member that owns the route; a
// Response travels back on the reply subject the bus attached to the request.
// Both are encoded by codec.ProtoCodec.
package message

// RPCType distinguishes calls made on behalf of a client session from
// calls made between servers.
type RPCType int32

const (
	RPCTypeSys  RPCType = 0
	RPCTypeUser RPCType = 1
)

// MsgType is the kind of the wrapped client message.
type MsgType int32

const (
	MsgTypeRequest  MsgType = 0
	MsgTypeNotify   MsgType = 1
	MsgTypeResponse MsgType = 2
	MsgTypePush     MsgType = 3
)

// Session carries the caller's session when the call originates from a frontend.
type Session struct {
	ID   int64
	UID  string
	Data []byte
}

// Msg is the routed part of a request.
type Msg struct {
	ID    uint64
	Route string // "kind.handler.method", e.g. "room.room.join"
	Data  []byte
	Reply string
	Type  MsgType
}

// Request is the call envelope.
type Request struct {
	Type       RPCType
	Session    *Session
	Msg        *Msg
	FrontendID string
	Metadata   []byte
}

// Route returns the route of the wrapped message, or "" when there is none.
func (r *Request) Route() string {
	if r == nil || r.Msg == nil {
		return ""
	}
	return r.Msg.Route
}

// Error is the optional error part of a reply.
type Error struct {
	Code     string
	Msg      string
	Metadata map[string]string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Msg
}

// Response is the reply envelope. Error is nil on success.
type Response struct {
	Data  []byte
	Error *Error
}

// NewErrorResponse builds a reply that carries only an error.
func NewErrorResponse(code, msg string) *Response {
	return &Response{Error: &Error{Code: code, Msg: msg}}
}
