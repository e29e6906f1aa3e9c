package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antnet/antnode/pkg/events"
	"github.com/antnet/antnode/pkg/kbucket"
	"github.com/antnet/antnode/pkg/store"
	"github.com/antnet/antnode/pkg/types"
	"github.com/stretchr/testify/require"
)

func idAt(b byte) types.ID {
	var id types.ID
	id[0] = b
	return id
}

func newTestStore(t *testing.T, local types.ID) store.RecordStore {
	t.Helper()
	fs, err := store.Open(store.Config{
		MaxRecords:    100,
		MaxTotalBytes: 1 << 20,
		MaxValueBytes: 1 << 20,
		StorageDir:    t.TempDir(),
	}, local)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func chunkRecord(value []byte) *types.Record {
	return &types.Record{Key: types.KeyFromContent(value), Value: value, Kind: types.KindChunk}
}

// TestHandleReplicateSkipsAlreadyHeldKeys verifies step 1 of spec.md §4.5:
// keys already present in the local RecordStore are never re-fetched.
func TestHandleReplicateSkipsAlreadyHeldKeys(t *testing.T) {
	local := idAt(0x01)
	rstore := newTestStore(t, local)
	rec := chunkRecord([]byte("already have this"))
	require.NoError(t, rstore.Put(rec))

	var fetchCalls int32
	f := New(Config{
		Local:       local,
		Table:       kbucket.New(local, func(context.Context, types.ID) error { return nil }, nil),
		RecordStore: rstore,
		Fetch: func(ctx context.Context, peer types.PeerInfo, key types.ID) (*types.Record, error) {
			atomic.AddInt32(&fetchCalls, 1)
			return nil, nil
		},
		Announce: func(ctx context.Context, peer types.PeerInfo, holder types.ID, keys []types.KeyedSummary) error { return nil },
	})

	holder := types.PeerInfo{PeerID: idAt(0x02)}
	f.HandleReplicate(context.Background(), holder, []types.KeyedSummary{
		{Key: rec.Key, Summary: types.KindSummary{Kind: types.KindChunk, ContentHash: rec.Key}},
	})

	require.Eventually(t, func() bool { return true }, 10*time.Millisecond, time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fetchCalls))
}

// TestHandleReplicateFetchesMissingKeyAndStoresIt exercises the full
// fetch-then-store path (spec.md §4.5 steps 2-4).
func TestHandleReplicateFetchesMissingKeyAndStoresIt(t *testing.T) {
	local := idAt(0x01)
	rstore := newTestStore(t, local)
	rec := chunkRecord([]byte("fetched from neighbor"))

	f := New(Config{
		Local:       local,
		Table:       kbucket.New(local, func(context.Context, types.ID) error { return nil }, nil),
		RecordStore: rstore,
		Fetch: func(ctx context.Context, peer types.PeerInfo, key types.ID) (*types.Record, error) {
			return rec, nil
		},
		Announce: func(ctx context.Context, peer types.PeerInfo, holder types.ID, keys []types.KeyedSummary) error { return nil },
	})

	holder := types.PeerInfo{PeerID: idAt(0x02)}
	f.HandleReplicate(context.Background(), holder, []types.KeyedSummary{
		{Key: rec.Key, Summary: types.KindSummary{Kind: types.KindChunk}},
	})

	require.Eventually(t, func() bool {
		got, ok, err := rstore.Get(rec.Key)
		return err == nil && ok && got != nil
	}, time.Second, 5*time.Millisecond)
}

// TestHandleReplicateFallsBackWhenPointFetchFails verifies step 3: an
// iterative fallback is tried when the explicit point fetch fails.
func TestHandleReplicateFallsBackWhenPointFetchFails(t *testing.T) {
	local := idAt(0x01)
	rstore := newTestStore(t, local)
	rec := chunkRecord([]byte("only reachable via fallback"))

	var fallbackCalled int32
	f := New(Config{
		Local:       local,
		Table:       kbucket.New(local, func(context.Context, types.ID) error { return nil }, nil),
		RecordStore: rstore,
		Fetch: func(ctx context.Context, peer types.PeerInfo, key types.ID) (*types.Record, error) {
			return nil, assertErr
		},
		Fallback: func(ctx context.Context, key types.ID) (*types.Record, error) {
			atomic.AddInt32(&fallbackCalled, 1)
			return rec, nil
		},
		Announce: func(ctx context.Context, peer types.PeerInfo, holder types.ID, keys []types.KeyedSummary) error { return nil },
	})

	holder := types.PeerInfo{PeerID: idAt(0x02)}
	f.HandleReplicate(context.Background(), holder, []types.KeyedSummary{{Key: rec.Key}})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fallbackCalled) == 1
	}, time.Second, 5*time.Millisecond)
}

var assertErr = &testError{"point fetch unavailable"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

// TestInflightPerPeerBounded verifies that no more than MaxInflightPerPeer
// fetch tasks are hinted at a single holder concurrently.
func TestInflightPerPeerBounded(t *testing.T) {
	local := idAt(0x01)
	rstore := newTestStore(t, local)

	var (
		mu      sync.Mutex
		active  int
		peak    int
		release = make(chan struct{})
	)

	f := New(Config{
		Local:              local,
		Table:              kbucket.New(local, func(context.Context, types.ID) error { return nil }, nil),
		RecordStore:        rstore,
		MaxInflightPerPeer: 2,
		Fetch: func(ctx context.Context, peer types.PeerInfo, key types.ID) (*types.Record, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			<-release
			mu.Lock()
			active--
			mu.Unlock()
			return nil, assertErr
		},
		Announce: func(ctx context.Context, peer types.PeerInfo, holder types.ID, keys []types.KeyedSummary) error { return nil },
	})

	holder := types.PeerInfo{PeerID: idAt(0x02)}
	var keys []types.KeyedSummary
	for i := byte(3); i < 13; i++ {
		keys = append(keys, types.KeyedSummary{Key: idAt(i)})
	}
	f.HandleReplicate(context.Background(), holder, keys)

	time.Sleep(20 * time.Millisecond)
	close(release)

	mu.Lock()
	gotPeak := peak
	mu.Unlock()
	require.LessOrEqual(t, gotPeak, 2)
}

// TestAnnounceToNearestBroadcastsHeldKeys exercises the periodic side of
// spec.md §4.5: held keys get announced to ReplicateRange nearest peers.
func TestAnnounceToNearestBroadcastsHeldKeys(t *testing.T) {
	local := idAt(0x01)
	rstore := newTestStore(t, local)
	rec := chunkRecord([]byte("announce me"))
	require.NoError(t, rstore.Put(rec))

	table := kbucket.New(local, func(context.Context, types.ID) error { return nil }, nil)
	_, err := table.Insert(context.Background(), &types.PeerEntry{PeerID: idAt(0x02)})
	require.NoError(t, err)

	var announced int32
	f := New(Config{
		Local:       local,
		Table:       table,
		RecordStore: rstore,
		Fetch: func(ctx context.Context, peer types.PeerInfo, key types.ID) (*types.Record, error) {
			return nil, assertErr
		},
		Announce: func(ctx context.Context, peer types.PeerInfo, holder types.ID, keys []types.KeyedSummary) error {
			atomic.AddInt32(&announced, 1)
			require.Equal(t, local, holder)
			require.Len(t, keys, 1)
			return nil
		},
		Broker: events.NewBroker(),
	})

	f.announceToNearest(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&announced) == 1 }, time.Second, 5*time.Millisecond)
}
