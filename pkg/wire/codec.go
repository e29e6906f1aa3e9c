package wire

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
)

var msgpackHandle = &codec.MsgpackHandle{}

// EncodeEnvelope msgpack-encodes env, enforcing MAX_PACKET_SIZE.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	if buf.Len() > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope msgpack-decodes raw into an Envelope, rejecting frames
// over MAX_PACKET_SIZE before attempting to decode them.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	var env Envelope
	dec := codec.NewDecoder(bytes.NewReader(raw), msgpackHandle)
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// EncodeBody msgpack-encodes a request/response body (one of the *Body
// types in envelope.go) into an Envelope's Payload.
func EncodeBody(body interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBody msgpack-decodes an Envelope's Payload into out, a pointer to
// one of the *Body types matching its Kind.
func DecodeBody(payload []byte, out interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(payload), msgpackHandle)
	return dec.Decode(out)
}

// grpcCodecName is the name this package registers its custom grpc wire
// codec under (SPEC_FULL §4.10).
const grpcCodecName = "msgpack"

// grpcCodec adapts the msgpack handle to grpc's encoding.Codec interface,
// so gRPC frames carry msgpack-encoded Envelopes instead of protobuf
// messages.
type grpcCodec struct{}

func (grpcCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (grpcCodec) Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	return dec.Decode(v)
}

func (grpcCodec) Name() string { return grpcCodecName }
