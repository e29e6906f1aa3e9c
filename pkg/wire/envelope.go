// Package wire implements the Kademlia wire protocol (spec.md §6): framed
// request/response records exchanged over a single bidirectional gRPC
// stream, encoded with a self-describing msgpack codec rather than
// protobuf-generated messages.
//
// Grounded on warren/pkg/client (the caller-facing shape of a streaming
// RPC client) and warren/pkg/api/server.go (the gRPC server construction
// idiom), re-keyed to a hand-registered ServiceDesc plus
// github.com/hashicorp/go-msgpack/codec instead of generated .pb.go types,
// since the retrieved pack carries callers of warren's proto client but
// not its generated code (SPEC_FULL §4.10).
package wire

import (
	"errors"
	"fmt"

	"github.com/antnet/antnode/pkg/types"
)

// MaxPacketSize bounds a single Envelope's encoded payload.
const MaxPacketSize = 1 << 20 // 1 MiB

// ErrPacketTooLarge is returned when an Envelope's payload exceeds
// MaxPacketSize.
var ErrPacketTooLarge = errors.New("wire: envelope payload exceeds max_packet_size")

// ErrProtocolMismatch is returned when a peer's protocol string does not
// match the expected negotiation string (spec.md §6).
var ErrProtocolMismatch = errors.New("wire: protocol string mismatch, negotiation refused")

// MessageKind tags an Envelope's payload shape.
type MessageKind string

// Request variants (spec.md §6).
const (
	KindFindNode   MessageKind = "find_node"
	KindFindValue  MessageKind = "find_value"
	KindPutValue   MessageKind = "put_value"
	KindGetProviders MessageKind = "get_providers"
	KindReplicate  MessageKind = "replicate"
	KindPing       MessageKind = "ping"
)

// Response variants (spec.md §6).
const (
	KindNodes     MessageKind = "nodes"
	KindValue     MessageKind = "value"
	KindProviders MessageKind = "providers"
	KindAck       MessageKind = "ack"
	KindErrorMsg  MessageKind = "error"
)

// Envelope is the self-describing frame exchanged on the wire. Payload is
// the msgpack encoding of one of the *Body types below, selected by Kind.
type Envelope struct {
	RequestID      string
	ProtocolString string
	Kind           MessageKind
	Payload        []byte
}

// ProtocolString builds the stream protocol identifier spec.md §6 requires
// every request/response to carry, embedding the network id so mismatched
// networks refuse negotiation.
func ProtocolString(networkID string) string {
	return fmt.Sprintf("/ant/kad/1.0.0/%s", networkID)
}

// FindNodeBody is KindFindNode's payload.
type FindNodeBody struct {
	Target    types.ID
	Requester types.PeerInfo
}

// FindValueBody is KindFindValue's payload.
type FindValueBody struct {
	Key       types.ID
	Requester types.PeerInfo
}

// PutValueBody is KindPutValue's payload.
type PutValueBody struct {
	Record    types.Record
	Requester types.PeerInfo
}

// GetProvidersBody is KindGetProviders's payload.
type GetProvidersBody struct {
	Key       types.ID
	Requester types.PeerInfo
}

// ReplicateBody is KindReplicate's payload.
type ReplicateBody struct {
	Holder types.ID
	Keys   []types.KeyedSummary
}

// PingBody is KindPing's payload; empty, present purely as a liveness probe.
type PingBody struct{}

// NodesBody is KindNodes's payload.
type NodesBody struct {
	CloserPeers []types.PeerInfo
	Requester   types.PeerInfo
}

// ValueBody is KindValue's payload; Record is nil when the key was not found.
type ValueBody struct {
	Record      *types.Record
	CloserPeers []types.PeerInfo
}

// ProvidersBody is KindProviders's payload.
type ProvidersBody struct {
	Providers   []types.PeerInfo
	CloserPeers []types.PeerInfo
}

// AckBody is KindAck's payload.
type AckBody struct {
	RequestID string
}

// ErrorBody is KindErrorMsg's payload.
type ErrorBody struct {
	Code    string
	Message string
}
