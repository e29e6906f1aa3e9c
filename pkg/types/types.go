// Package types defines the core data structures shared across antnode:
// peer and record identifiers, records, routing-table entries, queries,
// replication tasks, reachability attempts, and the durable configuration
// BatchServiceManager carries across upgrades.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"math/bits"
	"time"
)

// IDLen is the width, in bytes, of the shared PeerId/Key address space.
const IDLen = 32

// ID is a 256-bit identifier. PeerIds and record Keys are both IDs so that
// XOR distance is defined between any pair of them.
type ID [IDLen]byte

// IDFromBytes truncates or pads b into an ID. Callers that need a
// content-derived key should use KeyFromContent instead.
func IDFromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

// KeyFromContent derives a Chunk record's Key from its Value, per the
// Record invariant "for Kind=Chunk the Key equals hash(Value)".
func KeyFromContent(value []byte) ID {
	return sha256.Sum256(value)
}

// ParseID decodes a lowercase hex-encoded ID, as produced by ID.String.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != IDLen {
		return id, errWrongIDLength
	}
	copy(id[:], raw)
	return id, nil
}

var errWrongIDLength = idLengthError{}

type idLengthError struct{}

func (idLengthError) Error() string { return "types: hex id must decode to 32 bytes" }

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Distance returns the XOR distance between id and other.
func (id ID) Distance(other ID) ID {
	var d ID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less reports whether id is numerically smaller than other, treating both
// as big-endian 256-bit integers. Used to order distances and to
// tie-break distance ties deterministically.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits id and other share.
func CommonPrefixLen(id, other ID) int {
	for i := range id {
		if id[i] != other[i] {
			x := id[i] ^ other[i]
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return len(id) * 8
}

// BucketIndex is floor(log2(distance(local, peer))), in [0,255]. The local
// peer itself has no bucket index (ok is false for equal IDs).
func BucketIndex(local, peer ID) (idx int, ok bool) {
	if local == peer {
		return -1, false
	}
	cpl := CommonPrefixLen(local, peer)
	return len(local)*8 - 1 - cpl, true
}

// PeerStatus is a PeerEntry's observed liveness state.
type PeerStatus int

const (
	StatusUnknown PeerStatus = iota
	StatusConnected
	StatusDisconnected
)

func (s PeerStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerEntry is a single k-bucket occupant.
type PeerEntry struct {
	PeerID             ID
	Addresses          []string
	Status             PeerStatus
	LastSeen           time.Time
	ConsecutiveFailure int
}

// Kind is a record's content class.
type Kind int

const (
	KindChunk Kind = iota
	KindLedger
	KindPointer
	KindPointerWithPayment
	KindChunkWithPayment
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindLedger:
		return "ledger"
	case KindPointer:
		return "pointer"
	case KindPointerWithPayment:
		return "pointer_with_payment"
	case KindChunkWithPayment:
		return "chunk_with_payment"
	default:
		return "unknown"
	}
}

// HasPayment reports whether k is a boundary-only, payment-carrying kind
// that must never be persisted as-is by RecordStore.
func (k Kind) HasPayment() bool {
	return k == KindPointerWithPayment || k == KindChunkWithPayment
}

// Stripped returns the payment-less counterpart of a WithPayment kind. It
// is a no-op for kinds that never carry payment.
func (k Kind) Stripped() Kind {
	switch k {
	case KindPointerWithPayment:
		return KindPointer
	case KindChunkWithPayment:
		return KindChunk
	default:
		return k
	}
}

// Record is an immutable, content-addressed value.
type Record struct {
	Key         ID
	Value       []byte
	Kind        Kind
	Publisher   *ID
	Expiry      *time.Time
	ContentHash ID
}

// Expired reports whether the record's TTL has passed as of now.
func (r *Record) Expired(now time.Time) bool {
	return r.Expiry != nil && now.After(*r.Expiry)
}

// KindSummary is the replication-facing shape of a stored record: enough
// to announce holdership without shipping the value.
type KindSummary struct {
	Kind        Kind
	ContentHash ID
}

// KeyedSummary pairs a Key with its KindSummary, the unit exchanged in
// Replicate messages and record_addresses snapshots.
type KeyedSummary struct {
	Key     ID
	Summary KindSummary
}

// PeerInfo is the externally visible shape of a PeerEntry, returned by
// queries and routing-table snapshots.
type PeerInfo struct {
	PeerID    ID
	Addresses []string
}
