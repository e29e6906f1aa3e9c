package engine

import (
	"context"
	"testing"
	"time"

	"github.com/antnet/antnode/pkg/events"
	"github.com/antnet/antnode/pkg/kadquery"
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

func newTestEngine(t *testing.T) (*Engine, context.Context, context.CancelFunc) {
	t.Helper()
	local := idAt(0x00)
	tbl := kbucket.New(local, func(ctx context.Context, peer types.ID) error { return nil }, nil)

	fs, err := store.Open(store.Config{MaxRecords: 100, MaxTotalBytes: 1 << 20, MaxValueBytes: 1 << 20, StorageDir: t.TempDir(), NetworkKeyVersion: "v1"}, local)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	send := func(ctx context.Context, peer types.PeerInfo, qType types.QueryType, target types.ID) (kadquery.Response, error) {
		return kadquery.Response{}, nil
	}

	e := New(Config{Local: local, Table: tbl, RecordStore: fs, Send: send, Broker: broker, RebootstrapEvery: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	return e, ctx, cancel
}

func TestAddPeerAndRoutingTableSnapshot(t *testing.T) {
	e, ctx, cancel := newTestEngine(t)
	defer cancel()

	peer := types.PeerInfo{PeerID: idAt(0x01), Addresses: []string{"127.0.0.1:4001"}}
	res := e.AddPeer(ctx, peer)
	require.Equal(t, kbucket.Inserted, res)

	snap := e.GetRoutingTable(ctx)
	require.Len(t, snap, 1)
	require.Equal(t, peer.PeerID, snap[0].PeerID)
}

func TestPutThenFindValueHitsLocalStoreFirst(t *testing.T) {
	e, ctx, cancel := newTestEngine(t)
	defer cancel()

	rec := &types.Record{
		Key:   types.KeyFromContent([]byte("stored locally")),
		Value: []byte("stored locally"),
		Kind:  types.KindChunk,
	}
	require.NoError(t, e.rstore.Put(rec))

	got := e.findValue(ctx, rec.Key)
	require.NotNil(t, got)
	require.Equal(t, rec.Value, got.Value)
}

func TestPutRecordStoresLocallyBeforeReplicating(t *testing.T) {
	local := idAt(0x00)
	tbl := kbucket.New(local, func(ctx context.Context, peer types.ID) error { return nil }, nil)

	fs, err := store.Open(store.Config{MaxRecords: 100, MaxTotalBytes: 1 << 20, MaxValueBytes: 1 << 20, StorageDir: t.TempDir(), NetworkKeyVersion: "v1"}, local)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	send := func(ctx context.Context, peer types.PeerInfo, qType types.QueryType, target types.ID) (kadquery.Response, error) {
		return kadquery.Response{Stored: true}, nil
	}

	e := New(Config{Local: local, Table: tbl, RecordStore: fs, Send: send, Broker: broker, RebootstrapEvery: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	for i := byte(1); i <= 5; i++ {
		require.Equal(t, kbucket.Inserted, e.AddPeer(ctx, types.PeerInfo{PeerID: idAt(i)}))
	}

	rec := &types.Record{
		Key:   types.KeyFromContent([]byte("replicated chunk")),
		Value: []byte("replicated chunk"),
		Kind:  types.KindChunk,
	}
	require.NoError(t, e.PutRecord(ctx, rec))

	stored, ok, err := fs.Get(rec.Key)
	require.NoError(t, err)
	require.True(t, ok, "PutRecord must write the record to the local store before replicating it outward")
	require.Equal(t, rec.Value, stored.Value)
}

func TestGetStatsReflectsTableSize(t *testing.T) {
	e, ctx, cancel := newTestEngine(t)
	defer cancel()

	_ = e.AddPeer(ctx, types.PeerInfo{PeerID: idAt(0x02)})
	stats := e.GetStats(ctx)
	require.Equal(t, 1, stats.RoutingTableSize)
}
