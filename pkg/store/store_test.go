package store

import (
	"testing"
	"time"

	"github.com/antnet/antnode/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, local types.ID, cfg Config) *FileStore {
	t.Helper()
	cfg.StorageDir = t.TempDir()
	if cfg.MaxValueBytes == 0 {
		cfg.MaxValueBytes = 1 << 20
	}
	if cfg.NetworkKeyVersion == "" {
		cfg.NetworkKeyVersion = "v1"
	}
	fs, err := Open(cfg, local)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func chunkRecord(value []byte) *types.Record {
	return &types.Record{
		Key:   types.KeyFromContent(value),
		Value: value,
		Kind:  types.KindChunk,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	var local types.ID
	local[0] = 0x01
	fs := newTestStore(t, local, Config{MaxRecords: 100, MaxTotalBytes: 1 << 20})

	rec := chunkRecord([]byte("hello world"))
	require.NoError(t, fs.Put(rec))

	got, ok, err := fs.Get(rec.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Value, got.Value)
}

func TestPutRejectsPaymentKinds(t *testing.T) {
	var local types.ID
	fs := newTestStore(t, local, Config{MaxRecords: 10, MaxTotalBytes: 1 << 20})

	rec := chunkRecord([]byte("data"))
	rec.Kind = types.KindChunkWithPayment
	err := fs.Put(rec)
	require.ErrorIs(t, err, ErrPaymentKind)
}

func TestPutRejectsContentHashMismatch(t *testing.T) {
	var local types.ID
	fs := newTestStore(t, local, Config{MaxRecords: 10, MaxTotalBytes: 1 << 20})

	rec := chunkRecord([]byte("data"))
	rec.Key[0] ^= 0xFF
	err := fs.Put(rec)
	require.ErrorIs(t, err, ErrContentHashMismatch)
}

func TestPutRejectsOversizedValue(t *testing.T) {
	var local types.ID
	fs := newTestStore(t, local, Config{MaxRecords: 10, MaxTotalBytes: 1 << 20, MaxValueBytes: 4})

	rec := chunkRecord([]byte("too big"))
	err := fs.Put(rec)
	require.ErrorIs(t, err, ErrValueTooLarge)
}

// TestStoreCostZeroWhenAlreadyHeld covers Testable Property 4: store_cost is
// zero for a key the node already stores.
func TestStoreCostZeroWhenAlreadyHeld(t *testing.T) {
	var local types.ID
	fs := newTestStore(t, local, Config{MaxRecords: 10, MaxTotalBytes: 1 << 20})

	rec := chunkRecord([]byte("payload"))
	require.Equal(t, Price(basePrice), fs.StoreCost(rec.Key)) // not yet held: nonzero
	require.NoError(t, fs.Put(rec))
	require.Equal(t, Price(0), fs.StoreCost(rec.Key))
}

// TestStoreCostMonotonicInFill covers Testable Property 5: store_cost is
// non-decreasing as fill rises.
func TestStoreCostMonotonicInFill(t *testing.T) {
	var local types.ID
	fs := newTestStore(t, local, Config{MaxRecords: 4, MaxTotalBytes: 1 << 20})

	var prev Price
	for i := 0; i < 3; i++ {
		key := types.ID{byte(i + 1)}
		cost := fs.StoreCost(key)
		require.GreaterOrEqual(t, uint64(cost), uint64(prev))
		prev = cost
		require.NoError(t, fs.Put(&types.Record{
			Key:   types.KeyFromContent([]byte{byte(i)}),
			Value: []byte{byte(i)},
			Kind:  types.KindChunk,
		}))
	}
}

func TestCleanupRemovesExpiredRecords(t *testing.T) {
	var local types.ID
	fs := newTestStore(t, local, Config{MaxRecords: 10, MaxTotalBytes: 1 << 20})

	past := time.Now().Add(-time.Hour)
	rec := chunkRecord([]byte("stale"))
	rec.Expiry = &past
	require.NoError(t, fs.Put(rec))

	n, err := fs.Cleanup()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err := fs.Get(rec.Key)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestEvictionPrefersFarthestRecord covers Scenario S1: when the store is at
// capacity, a new record closer than the farthest held one evicts it instead
// of being rejected outright.
func TestEvictionPrefersFarthestRecord(t *testing.T) {
	var local types.ID // 0x00...

	fs := newTestStore(t, local, Config{MaxRecords: 1, MaxTotalBytes: 1 << 20})

	far := &types.Record{Kind: types.KindPointer}
	far.Value = []byte("far")
	far.Key = types.KeyFromContent(far.Value)
	far.Key[0] = 0xFF // maximally distant from local
	require.NoError(t, fs.Put(far))

	near := &types.Record{Kind: types.KindPointer}
	near.Value = []byte("near")
	near.Key = types.KeyFromContent(near.Value)
	near.Key[0] = 0x01 // much closer to local than far
	require.NoError(t, fs.Put(near))

	_, ok, _ := fs.Get(far.Key)
	require.False(t, ok, "farther record should have been evicted")
	_, ok, _ = fs.Get(near.Key)
	require.True(t, ok)

	dist, crossed := fs.DistanceRange()
	require.True(t, crossed)
	require.False(t, dist.IsZero())
}

// TestEvictionRejectsFartherThanAllHeld covers Scenario S2: a record farther
// than everything currently stored is rejected rather than evicting nothing.
func TestEvictionRejectsFartherThanAllHeld(t *testing.T) {
	var local types.ID

	fs := newTestStore(t, local, Config{MaxRecords: 1, MaxTotalBytes: 1 << 20})

	near := &types.Record{Kind: types.KindPointer}
	near.Value = []byte("near")
	near.Key = types.KeyFromContent(near.Value)
	near.Key[0] = 0x01
	require.NoError(t, fs.Put(near))

	far := &types.Record{Kind: types.KindPointer}
	far.Value = []byte("far")
	far.Key = types.KeyFromContent(far.Value)
	far.Key[0] = 0xFF
	err := fs.Put(far)
	require.ErrorIs(t, err, ErrCapExceeded)

	_, ok, _ := fs.Get(near.Key)
	require.True(t, ok, "original record must survive a rejected eviction")
}

func TestNetworkKeyVersionChangeWipesStore(t *testing.T) {
	var local types.ID
	dir := t.TempDir()

	cfg := Config{MaxRecords: 10, MaxTotalBytes: 1 << 20, MaxValueBytes: 1 << 20, StorageDir: dir, NetworkKeyVersion: "v1"}
	fs, err := Open(cfg, local)
	require.NoError(t, err)

	rec := chunkRecord([]byte("persisted"))
	require.NoError(t, fs.Put(rec))
	require.NoError(t, fs.Close())

	cfg.NetworkKeyVersion = "v2"
	fs2, err := Open(cfg, local)
	require.NoError(t, err)
	defer fs2.Close()

	_, ok, err := fs2.Get(rec.Key)
	require.NoError(t, err)
	require.False(t, ok, "record store must be wiped when network_key_version changes")
}

func TestRecordAddressesReflectsHeldKeys(t *testing.T) {
	var local types.ID
	fs := newTestStore(t, local, Config{MaxRecords: 10, MaxTotalBytes: 1 << 20})

	rec := chunkRecord([]byte("announce me"))
	require.NoError(t, fs.Put(rec))

	addrs := fs.RecordAddresses()
	summary, ok := addrs[rec.Key]
	require.True(t, ok)
	require.Equal(t, types.KindChunk, summary.Kind)
}
