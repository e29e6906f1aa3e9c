package kbucket

import (
	"context"
	"testing"
	"time"

	"github.com/antnet/antnode/pkg/types"
	"github.com/stretchr/testify/require"
)

func idAt(b byte) types.ID {
	var id types.ID
	id[0] = b
	return id
}

func alwaysAlive(ctx context.Context, peer types.ID) error { return nil }

func TestInsertRejectsLocalPeer(t *testing.T) {
	local := idAt(0x00)
	tbl := New(local, alwaysAlive, nil)

	res, err := tbl.Insert(context.Background(), &types.PeerEntry{PeerID: local})
	require.Equal(t, Rejected, res)
	require.ErrorIs(t, err, ErrIsLocalPeer)
}

func TestInsertUniquenessAcrossBuckets(t *testing.T) {
	local := idAt(0x00)
	tbl := New(local, alwaysAlive, nil)

	peer := idAt(0x01)
	res, err := tbl.Insert(context.Background(), &types.PeerEntry{PeerID: peer, LastSeen: time.Now()})
	require.NoError(t, err)
	require.Equal(t, Inserted, res)

	// Re-inserting the same peer updates it in place rather than duplicating it.
	res, err = tbl.Insert(context.Background(), &types.PeerEntry{PeerID: peer, LastSeen: time.Now()})
	require.NoError(t, err)
	require.Equal(t, Updated, res)
	require.Equal(t, 1, tbl.Size())
}

func TestClosestPeersSortedByDistance(t *testing.T) {
	local := idAt(0x00)
	tbl := New(local, alwaysAlive, nil)

	for _, b := range []byte{0x10, 0x01, 0x80, 0x02} {
		_, err := tbl.Insert(context.Background(), &types.PeerEntry{PeerID: idAt(b), LastSeen: time.Now()})
		require.NoError(t, err)
	}

	target := idAt(0x00)
	closest := tbl.ClosestPeers(target, 10)
	require.Len(t, closest, 4)
	for i := 1; i < len(closest); i++ {
		prev := closest[i-1].PeerID.Distance(target)
		cur := closest[i].PeerID.Distance(target)
		require.False(t, cur.Less(prev), "closest_peers must be non-decreasing in distance")
	}
}

func TestBucketFullEvictsDeadLRU(t *testing.T) {
	local := idAt(0x00)
	dead := map[types.ID]bool{}
	ping := func(ctx context.Context, peer types.ID) error {
		if dead[peer] {
			return context.DeadlineExceeded
		}
		return nil
	}
	tbl := New(local, ping, nil)

	// All these peers share bucket index 255 (top bit differs from local's 0).
	var first types.ID
	for i := 0; i < K; i++ {
		var id types.ID
		id[31] = byte(i + 1)
		id[0] = 0x80
		if i == 0 {
			first = id
		}
		res, err := tbl.Insert(context.Background(), &types.PeerEntry{PeerID: id, LastSeen: time.Now()})
		require.NoError(t, err)
		require.Equal(t, Inserted, res)
	}
	require.Equal(t, K, tbl.Size())

	dead[first] = true
	var extra types.ID
	extra[31] = 0xFF
	extra[0] = 0x80
	res, err := tbl.Insert(context.Background(), &types.PeerEntry{PeerID: extra, LastSeen: time.Now()})
	require.NoError(t, err)
	require.Equal(t, Inserted, res)
	require.Equal(t, K, tbl.Size())

	_, stillThere := tbl.Get(first)
	require.False(t, stillThere, "dead LRU should have been evicted")
}

func TestBucketFullAliveLRUKeepsCandidatePending(t *testing.T) {
	local := idAt(0x00)
	tbl := New(local, alwaysAlive, nil)

	for i := 0; i < K; i++ {
		var id types.ID
		id[31] = byte(i + 1)
		id[0] = 0x80
		_, err := tbl.Insert(context.Background(), &types.PeerEntry{PeerID: id, LastSeen: time.Now()})
		require.NoError(t, err)
	}

	var extra types.ID
	extra[31] = 0xFF
	extra[0] = 0x80
	res, err := tbl.Insert(context.Background(), &types.PeerEntry{PeerID: extra, LastSeen: time.Now()})
	require.NoError(t, err)
	require.Equal(t, Pending, res)
	require.Equal(t, K, tbl.Size())
}
