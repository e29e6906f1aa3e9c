// Package kbucket implements the Kademlia k-bucket routing table: XOR-distance
// bucketing with a bounded replacement cache and a ping-before-evict
// replacement policy.
//
// Grounded on diogo464/go-libp2p-kbucket's RoutingTable (CommonPrefixLen
// bucketing, blanket table lock, ping-to-evict) and go-ethereum's
// p2p/discover/table.go (fixed-width bucket array indexed by log-distance,
// replacement list bounded separately from the active list).
package kbucket

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/antnet/antnode/pkg/types"
)

// K is the maximum number of active entries per bucket.
const K = 20

// ReplacementCacheSize bounds each bucket's replacement cache.
const ReplacementCacheSize = 5

// NumBuckets is the width of the address space; bucket i holds peers whose
// XOR distance to the local id has its highest set bit at position i.
const NumBuckets = types.IDLen * 8

// InsertResult reports what insert() did with a candidate entry.
type InsertResult int

const (
	Inserted InsertResult = iota
	Updated
	Pending
	Rejected
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Pending:
		return "pending"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrIsLocalPeer is returned (wrapped in Rejected) when a caller tries to
// insert the table's own peer id.
var ErrIsLocalPeer = errors.New("kbucket: refusing to insert local peer id")

// ErrFilteredOut is returned when a caller-supplied Filter rejects a peer.
var ErrFilteredOut = errors.New("kbucket: peer rejected by filter")

// PingFunc probes whether a peer is still alive. It is called synchronously
// from insert when a bucket is full and must decide whether to evict its
// least-recently-seen entry.
type PingFunc func(ctx context.Context, peer types.ID) error

// Filter allows a caller to reject candidate peers (e.g. banned ids, bad
// addresses) before they ever reach bucket logic.
type Filter func(entry *types.PeerEntry) bool

// Table is the XOR-distance routing table for one local peer.
type Table struct {
	local types.ID
	ping  PingFunc
	filter Filter

	// Blanket lock; closest_peers is O(N) anyway and N <= 256*K.
	mu      sync.Mutex
	buckets [NumBuckets]*bucket
}

// New creates a routing table for localID. ping is required; filter may be
// nil to accept every non-local, non-duplicate peer.
func New(localID types.ID, ping PingFunc, filter Filter) *Table {
	t := &Table{local: localID, ping: ping, filter: filter}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

func (t *Table) bucketFor(id types.ID) (*bucket, int) {
	idx, ok := types.BucketIndex(t.local, id)
	if !ok {
		return nil, -1
	}
	return t.buckets[idx], idx
}

// BucketFor returns the bucket index a peer id would occupy, mirroring the
// exported Table.bucket_for contract.
func (t *Table) BucketFor(id types.ID) (int, bool) {
	return types.BucketIndex(t.local, id)
}

// Insert applies the insertion policy from SPEC_FULL §4.1.
func (t *Table) Insert(ctx context.Context, entry *types.PeerEntry) (InsertResult, error) {
	if entry.PeerID == t.local {
		return Rejected, ErrIsLocalPeer
	}
	if t.filter != nil && !t.filter(entry) {
		return Rejected, ErrFilteredOut
	}

	t.mu.Lock()
	b, _ := t.bucketFor(entry.PeerID)
	if existing, i := b.find(entry.PeerID); i >= 0 {
		existing.Addresses = entry.Addresses
		existing.Status = entry.Status
		existing.LastSeen = entry.LastSeen
		existing.ConsecutiveFailure = entry.ConsecutiveFailure
		b.moveToBack(i)
		t.mu.Unlock()
		return Updated, nil
	}
	if len(b.active) < K {
		b.active = append(b.active, entry)
		t.mu.Unlock()
		return Inserted, nil
	}
	lru := b.active[0]
	t.mu.Unlock()

	// Ping outside the lock: it may suspend, and the lock must never be
	// held across a suspension point.
	err := t.ping(ctx, lru.PeerID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		// LRU is still alive; the new candidate waits in the replacement cache.
		b.pushReplacement(entry, ReplacementCacheSize)
		return Pending, nil
	}
	// LRU failed to respond: evict it and promote the new candidate.
	if b.removeActive(lru.PeerID) {
		b.active = append(b.active, entry)
	}
	return Inserted, nil
}

// Remove evicts a peer from its bucket, if present.
func (t *Table) Remove(id types.ID) (*types.PeerEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, _ := t.bucketFor(id)
	if b == nil {
		return nil, false
	}
	e, i := b.find(id)
	if i < 0 {
		return nil, false
	}
	b.active = append(b.active[:i], b.active[i+1:]...)
	if repl := b.popReplacement(); repl != nil {
		b.active = append(b.active, repl)
	}
	return e, true
}

// Get returns the PeerEntry for id, if present in the table.
func (t *Table) Get(id types.ID) (*types.PeerEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, _ := t.bucketFor(id)
	if b == nil {
		return nil, false
	}
	e, i := b.find(id)
	return e, i >= 0
}

type peerDist struct {
	entry *types.PeerEntry
	dist  types.ID
	seq   int // insertion-observation order, for tie-breaking
}

// ClosestPeers scans all buckets and returns up to count entries sorted by
// non-decreasing XOR distance to target. O(N) in table size, acceptable
// because N <= 256*K.
func (t *Table) ClosestPeers(target types.ID, count int) []*types.PeerEntry {
	t.mu.Lock()
	var all []peerDist
	seq := 0
	for _, b := range t.buckets {
		for _, e := range b.active {
			all = append(all, peerDist{entry: e, dist: e.PeerID.Distance(target), seq: seq})
			seq++
		}
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist.Less(all[j].dist)
		}
		return all[i].seq < all[j].seq
	})
	if count > len(all) {
		count = len(all)
	}
	out := make([]*types.PeerEntry, count)
	for i := 0; i < count; i++ {
		out[i] = all[i].entry
	}
	return out
}

// Size returns the total number of active entries across all buckets.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.active)
	}
	return n
}

// Local returns the table's own peer id.
func (t *Table) Local() types.ID { return t.local }

// Snapshot returns every active entry in the table as PeerInfo, the shape
// GetRoutingTable exposes to callers outside the engine.
func (t *Table) Snapshot() []types.PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.PeerInfo
	for _, b := range t.buckets {
		for _, e := range b.active {
			out = append(out, types.PeerInfo{PeerID: e.PeerID, Addresses: e.Addresses})
		}
	}
	return out
}

// NonEmptyBuckets returns the indices of the buckets that currently hold at
// least one active entry; the driver logs their count on its bucket-refresh
// tick.
func (t *Table) NonEmptyBuckets() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var idxs []int
	for i, b := range t.buckets {
		if len(b.active) > 0 {
			idxs = append(idxs, i)
		}
	}
	return idxs
}
