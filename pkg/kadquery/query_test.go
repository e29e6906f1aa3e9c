package kadquery

import (
	"context"
	"sync/atomic"
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

func peerAt(b byte) types.PeerInfo {
	return types.PeerInfo{PeerID: idAt(b)}
}

// TestFindNodeCompletesWithinDeadline covers Scenario S3: a FindNode query
// seeded with 3 peers that each fan out 3 more completes well inside its
// deadline, and inflight never exceeds alpha.
func TestFindNodeCompletesWithinDeadline(t *testing.T) {
	var peak int32
	var cur int32
	request := func(ctx context.Context, peer types.PeerInfo, qType types.QueryType, target types.ID) (Response, error) {
		n := atomic.AddInt32(&cur, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&cur, -1)
		time.Sleep(10 * time.Millisecond)

		switch peer.PeerID[0] {
		case 0x01, 0x02, 0x03:
			return Response{CloserPeers: []types.PeerInfo{
				peerAt(peer.PeerID[0] + 0x10),
				peerAt(peer.PeerID[0] + 0x20),
				peerAt(peer.PeerID[0] + 0x30),
			}}, nil
		default:
			return Response{}, nil
		}
	}

	target := idAt(0x00)
	q := New("q1", types.QueryFindNode, target, Config{MinPeers: K, Alpha: Alpha, QueryTimeout: 500 * time.Millisecond}, request)
	q.Seed([]types.PeerInfo{peerAt(0x01), peerAt(0x02), peerAt(0x03)})

	start := time.Now()
	res := q.Run(context.Background())
	elapsed := time.Since(start)

	require.Less(t, elapsed, 500*time.Millisecond)
	require.True(t, res.State == types.QuerySucceeded || res.State == types.QueryFailed)
	require.LessOrEqual(t, int(peak), Alpha, "inflight must never exceed alpha")
}

func TestFindValueCompletesOnFirstValue(t *testing.T) {
	target := idAt(0x00)
	rec := &types.Record{Key: target, Value: []byte("hit")}

	request := func(ctx context.Context, peer types.PeerInfo, qType types.QueryType, target types.ID) (Response, error) {
		return Response{Value: rec}, nil
	}

	q := New("q2", types.QueryFindValue, target, Config{MinPeers: K}, request)
	q.Seed([]types.PeerInfo{peerAt(0x01)})

	res := q.Run(context.Background())
	require.Equal(t, types.QuerySucceeded, res.State)
	require.Equal(t, rec, res.Value)
}

func TestFindValueNotFoundWhenHeapExhausts(t *testing.T) {
	target := idAt(0x00)
	request := func(ctx context.Context, peer types.PeerInfo, qType types.QueryType, target types.ID) (Response, error) {
		return Response{}, nil
	}

	q := New("q3", types.QueryFindValue, target, Config{MinPeers: K}, request)
	q.Seed([]types.PeerInfo{peerAt(0x01)})

	res := q.Run(context.Background())
	require.Equal(t, types.QueryFailed, res.State)
	require.Nil(t, res.Value)
}

func TestPutRecordCompletesAtReplicationFactor(t *testing.T) {
	target := idAt(0x00)
	request := func(ctx context.Context, peer types.PeerInfo, qType types.QueryType, target types.ID) (Response, error) {
		return Response{Stored: true}, nil
	}

	q := New("q4", types.QueryPutRecord, target, Config{MinPeers: 5, ReplicationFactor: 2}, request)
	q.Seed([]types.PeerInfo{peerAt(0x01), peerAt(0x02), peerAt(0x03), peerAt(0x04), peerAt(0x05)})

	res := q.Run(context.Background())
	require.Equal(t, types.QuerySucceeded, res.State)
}
