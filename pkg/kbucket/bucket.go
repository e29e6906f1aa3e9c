package kbucket

import (
	"github.com/antnet/antnode/pkg/types"
)

// bucket holds up to K active PeerEntries ordered least-recently-seen
// first (index 0 is the eviction candidate), plus a bounded replacement
// cache for candidates seen while the bucket is full.
type bucket struct {
	active      []*types.PeerEntry
	replacement []*types.PeerEntry
}

func newBucket() *bucket {
	return &bucket{}
}

func (b *bucket) find(id types.ID) (*types.PeerEntry, int) {
	for i, e := range b.active {
		if e.PeerID == id {
			return e, i
		}
	}
	return nil, -1
}

func (b *bucket) findReplacement(id types.ID) (*types.PeerEntry, int) {
	for i, e := range b.replacement {
		if e.PeerID == id {
			return e, i
		}
	}
	return nil, -1
}

// moveToBack marks index i as most-recently-seen.
func (b *bucket) moveToBack(i int) {
	e := b.active[i]
	b.active = append(b.active[:i], b.active[i+1:]...)
	b.active = append(b.active, e)
}

func (b *bucket) removeActive(id types.ID) bool {
	if _, i := b.find(id); i >= 0 {
		b.active = append(b.active[:i], b.active[i+1:]...)
		return true
	}
	return false
}

func (b *bucket) pushReplacement(e *types.PeerEntry, cap int) {
	if _, i := b.findReplacement(e.PeerID); i >= 0 {
		b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
	}
	b.replacement = append(b.replacement, e)
	if len(b.replacement) > cap {
		// drop the oldest candidate
		b.replacement = b.replacement[len(b.replacement)-cap:]
	}
}

// popReplacement removes and returns the most recently queued replacement
// candidate, used to promote a candidate when the LRU active entry is
// evicted.
func (b *bucket) popReplacement() *types.PeerEntry {
	if len(b.replacement) == 0 {
		return nil
	}
	e := b.replacement[len(b.replacement)-1]
	b.replacement = b.replacement[:len(b.replacement)-1]
	return e
}
