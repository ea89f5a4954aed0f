// Package codec turns envelopes and directory entries into bytes and back.
//
// Two codecs exist: ProtoCodec encodes the RPC envelopes in protobuf wire
// format so that any peer speaking the same protos can call into this
// member, and JSONCodec encodes directory entries stored in etcd.
package codec

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeProto CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Proto
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &ProtoCodec{}
}
