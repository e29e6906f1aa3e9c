// Package store implements RecordStore: durable, content-addressed local
// storage with size/count caps, per-record TTL, distance-bounded eviction,
// background cleanup, and a pricing function whose output rises with fill.
//
// Grounded on warren/pkg/storage/boltdb.go's bucket-per-entity BoltDB CRUD
// shape, adapted to a file-per-key content-addressed layout (spec.md §4.2
// requires files keyed by hex(Key), not a single KV database for record
// bodies); bbolt is kept as a write-through index cache (see store_test.go
// and filestore.go) rather than the record body store itself.
package store

import (
	"errors"
	"time"

	"github.com/antnet/antnode/pkg/types"
)

// Errors returned by RecordStore implementations. Call sites branch on
// these with errors.Is, per SPEC_FULL §7.
var (
	ErrPaymentKind        = errors.New("store: *WithPayment kinds must be stripped before local storage")
	ErrValueTooLarge      = errors.New("store: value exceeds max_value_bytes")
	ErrContentHashMismatch = errors.New("store: chunk key does not equal hash(value)")
	ErrCapExceeded        = errors.New("store: record farther than all currently stored records")
	ErrNotFound           = errors.New("store: record not found")
	ErrIntegrityMismatch  = errors.New("store: on-disk record failed integrity check")
)

// Price is a store_cost result, denominated in the smallest payment unit
// the write path's ledger understands. The RecordStore only guarantees the
// boundary properties in SPEC_FULL §4.2 (monotonic in fill, zero when
// already stored); the unit itself is opaque to this package.
type Price uint64

// Config configures a RecordStore instance.
type Config struct {
	MaxRecords      int
	MaxValueBytes   int
	MaxTotalBytes   int64
	StorageDir      string
	EncryptionSeed  [16]byte
	RecordTTL       *time.Duration
	NetworkKeyVersion string
}

// RecordStore is the content-addressed local storage contract described in
// spec.md §4.2.
type RecordStore interface {
	Put(rec *types.Record) error
	Get(key types.ID) (*types.Record, bool, error)
	Remove(key types.ID) error
	RecordAddresses() map[types.ID]types.KindSummary
	StoreCost(key types.ID) Price
	PaymentReceived()
	Cleanup() (int, error)
	// DistanceRange returns the XOR distance to the farthest record the
	// store is willing to hold, and whether the cap has ever been crossed
	// (ok is false before max_records is first reached).
	DistanceRange() (dist types.ID, ok bool)
	Close() error
}
