package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"meshrpc/message"
)

// ProtoCodec encodes *message.Request and *message.Response in protobuf wire
// format. Field numbers:
//
//	Request  { type=1 session=2 msg=3 frontendID=4 metadata=5 }
//	Session  { id=1 uid=2 data=3 }
//	Msg      { id=1 route=2 data=3 reply=4 type=5 }
//	Response { data=1 error=2 }
//	Error    { code=1 msg=2 metadata=3 (map<string,string>) }
//
// Zero values are omitted, unknown fields are skipped on decode.
type ProtoCodec struct{}

var errWireType = errors.New("codec: unexpected wire type")

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case *message.Request:
		return appendRequest(nil, m), nil
	case *message.Response:
		return appendResponse(nil, m), nil
	default:
		return nil, fmt.Errorf("ProtoCodec: cannot encode %T", v)
	}
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	switch m := v.(type) {
	case *message.Request:
		*m = message.Request{}
		return decodeRequest(data, m)
	case *message.Response:
		*m = message.Response{}
		return decodeResponse(data, m)
	default:
		return fmt.Errorf("ProtoCodec: cannot decode into %T", v)
	}
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}

// EncodeRequest is a shorthand for ProtoCodec.Encode on a request.
func EncodeRequest(req *message.Request) []byte { return appendRequest(nil, req) }

// EncodeResponse is a shorthand for ProtoCodec.Encode on a response.
func EncodeResponse(res *message.Response) []byte { return appendResponse(nil, res) }

func DecodeRequest(data []byte) (*message.Request, error) {
	req := &message.Request{}
	if err := decodeRequest(data, req); err != nil {
		return nil, err
	}
	return req, nil
}

func DecodeResponse(data []byte) (*message.Response, error) {
	res := &message.Response{}
	if err := decodeResponse(data, res); err != nil {
		return nil, err
	}
	return res, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessageField(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendRequest(b []byte, req *message.Request) []byte {
	b = appendVarintField(b, 1, uint64(req.Type))
	if req.Session != nil {
		var s []byte
		s = appendVarintField(s, 1, uint64(req.Session.ID))
		s = appendStringField(s, 2, req.Session.UID)
		s = appendBytesField(s, 3, req.Session.Data)
		b = appendMessageField(b, 2, s)
	}
	if req.Msg != nil {
		var m []byte
		m = appendVarintField(m, 1, req.Msg.ID)
		m = appendStringField(m, 2, req.Msg.Route)
		m = appendBytesField(m, 3, req.Msg.Data)
		m = appendStringField(m, 4, req.Msg.Reply)
		m = appendVarintField(m, 5, uint64(req.Msg.Type))
		b = appendMessageField(b, 3, m)
	}
	b = appendStringField(b, 4, req.FrontendID)
	b = appendBytesField(b, 5, req.Metadata)
	return b
}

func appendResponse(b []byte, res *message.Response) []byte {
	b = appendBytesField(b, 1, res.Data)
	if res.Error != nil {
		var e []byte
		e = appendStringField(e, 1, res.Error.Code)
		e = appendStringField(e, 2, res.Error.Msg)
		for k, v := range res.Error.Metadata {
			var entry []byte
			entry = appendStringField(entry, 1, k)
			entry = appendStringField(entry, 2, v)
			e = appendMessageField(e, 3, entry)
		}
		b = appendMessageField(b, 2, e)
	}
	return b
}

// fieldFunc consumes the value of one field and reports how many bytes it used.
// Returning -1 asks the caller to skip the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

// consumeMessage hands the body of an embedded message to decode.
func consumeMessage(typ protowire.Type, b []byte, decode func([]byte) error) (int, error) {
	var body []byte
	n, err := consumeBytes(typ, b, &body)
	if err != nil {
		return 0, err
	}
	return n, decode(body)
}

func decodeRequest(data []byte, req *message.Request) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			req.Type = message.RPCType(v)
			return n, err
		case 2:
			req.Session = &message.Session{}
			return consumeMessage(typ, b, func(body []byte) error { return decodeSession(body, req.Session) })
		case 3:
			req.Msg = &message.Msg{}
			return consumeMessage(typ, b, func(body []byte) error { return decodeMsg(body, req.Msg) })
		case 4:
			return consumeString(typ, b, &req.FrontendID)
		case 5:
			return consumeBytes(typ, b, &req.Metadata)
		}
		return -1, nil
	})
}

func decodeSession(data []byte, s *message.Session) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			s.ID = int64(v)
			return n, err
		case 2:
			return consumeString(typ, b, &s.UID)
		case 3:
			return consumeBytes(typ, b, &s.Data)
		}
		return -1, nil
	})
}

func decodeMsg(data []byte, m *message.Msg) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &m.ID)
		case 2:
			return consumeString(typ, b, &m.Route)
		case 3:
			return consumeBytes(typ, b, &m.Data)
		case 4:
			return consumeString(typ, b, &m.Reply)
		case 5:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			m.Type = message.MsgType(v)
			return n, err
		}
		return -1, nil
	})
}

func decodeResponse(data []byte, res *message.Response) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &res.Data)
		case 2:
			res.Error = &message.Error{}
			return consumeMessage(typ, b, func(body []byte) error { return decodeError(body, res.Error) })
		}
		return -1, nil
	})
}

func decodeError(data []byte, e *message.Error) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &e.Code)
		case 2:
			return consumeString(typ, b, &e.Msg)
		case 3:
			var key, value string
			n, err := consumeMessage(typ, b, func(body []byte) error {
				return consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &key)
					case 2:
						return consumeString(typ, b, &value)
					}
					return -1, nil
				})
			})
			if err != nil {
				return n, err
			}
			if e.Metadata == nil {
				e.Metadata = make(map[string]string)
			}
			e.Metadata[key] = value
			return n, nil
		}
		return -1, nil
	})
}
