// Package replication implements ReplicationFetcher: pull-based convergence
// of records toward their responsible peer set (spec.md §4.5).
//
// Grounded on warren/pkg/reconciler's single ticker-driven reconcile loop
// (fixed interval, one goroutine, stop channel) and warren/pkg/scheduler's
// bounded-work-per-tick shape; retargeted from containers/nodes to
// (Key, KindSummary) fetch tasks bounded per announcing peer.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/antnet/antnode/pkg/antmetrics"
	"github.com/antnet/antnode/pkg/events"
	"github.com/antnet/antnode/pkg/kbucket"
	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/store"
	"github.com/antnet/antnode/pkg/types"
)

// ReplicationInterval is the default period between full held-key
// broadcasts to ReplicateRange nearest peers (spec.md §4.5).
const ReplicationInterval = 5 * time.Minute

// ReplicateRange is slightly larger than the replication factor, giving
// slack for divergent routing-table views among neighbors.
const ReplicateRange = 8

// MaxInflightPerPeer bounds concurrent fetch tasks hinted at a single
// announcing peer, so one busy neighbor can't starve the fetcher.
const MaxInflightPerPeer = 4

// FetchFunc performs an explicit point fetch of key from a specific peer.
type FetchFunc func(ctx context.Context, peer types.PeerInfo, key types.ID) (*types.Record, error)

// FallbackFetchFunc performs an iterative FindValue-style fetch when the
// explicit point fetch fails.
type FallbackFetchFunc func(ctx context.Context, key types.ID) (*types.Record, error)

// AnnounceFunc sends a Replicate message {holder, keys} to peer.
type AnnounceFunc func(ctx context.Context, peer types.PeerInfo, holder types.ID, keys []types.KeyedSummary) error

// Config configures a Fetcher.
type Config struct {
	Local              types.ID
	Table              *kbucket.Table
	RecordStore        store.RecordStore
	Fetch              FetchFunc
	Fallback           FallbackFetchFunc
	Announce           AnnounceFunc
	Broker             *events.Broker
	Metrics            *antmetrics.Registry
	Interval           time.Duration
	ReplicateRange     int
	MaxInflightPerPeer int
}

// Fetcher is the ReplicationFetcher described in spec.md §4.5: it both
// answers inbound Replicate announcements and periodically announces this
// node's own held keys to its nearest neighbors.
type Fetcher struct {
	local    types.ID
	table    *kbucket.Table
	rstore   store.RecordStore
	fetch    FetchFunc
	fallback FallbackFetchFunc
	announce AnnounceFunc
	broker   *events.Broker
	metrics  *antmetrics.Registry

	interval           time.Duration
	replicateRange     int
	maxInflightPerPeer int

	mu             sync.Mutex
	inflightByPeer map[types.ID]int
	inflightByKey  map[types.ID]bool

	stopCh chan struct{}
}

// New constructs a Fetcher. Start must be called to run its periodic loop.
func New(cfg Config) *Fetcher {
	interval := cfg.Interval
	if interval == 0 {
		interval = ReplicationInterval
	}
	rr := cfg.ReplicateRange
	if rr == 0 {
		rr = ReplicateRange
	}
	maxInflight := cfg.MaxInflightPerPeer
	if maxInflight == 0 {
		maxInflight = MaxInflightPerPeer
	}
	return &Fetcher{
		local:              cfg.Local,
		table:              cfg.Table,
		rstore:             cfg.RecordStore,
		fetch:              cfg.Fetch,
		fallback:           cfg.Fallback,
		announce:           cfg.Announce,
		broker:             cfg.Broker,
		metrics:            cfg.Metrics,
		interval:           interval,
		replicateRange:     rr,
		maxInflightPerPeer: maxInflight,
		inflightByPeer:     make(map[types.ID]int),
		inflightByKey:      make(map[types.ID]bool),
		stopCh:             make(chan struct{}),
	}
}

// Start launches the periodic announce loop.
func (f *Fetcher) Start(ctx context.Context) {
	go f.run(ctx)
}

// Stop halts the periodic announce loop. Outstanding fetch tasks are left
// to finish on their own.
func (f *Fetcher) Stop() {
	close(f.stopCh)
}

func (f *Fetcher) run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	logger := log.WithComponent("replication")
	logger.Info().Dur("interval", f.interval).Msg("replication fetcher started")

	for {
		select {
		case <-ticker.C:
			f.announceToNearest(ctx)
		case <-f.stopCh:
			logger.Info().Msg("replication fetcher stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// announceToNearest broadcasts this node's full held-key list to its
// ReplicateRange nearest neighbors (spec.md §4.5, "periodic replication").
func (f *Fetcher) announceToNearest(ctx context.Context) {
	held := f.rstore.RecordAddresses()
	if len(held) == 0 {
		return
	}
	keys := make([]types.KeyedSummary, 0, len(held))
	for k, s := range held {
		keys = append(keys, types.KeyedSummary{Key: k, Summary: s})
	}

	peers := f.table.ClosestPeers(f.local, f.replicateRange)
	for _, p := range peers {
		peer := types.PeerInfo{PeerID: p.PeerID, Addresses: p.Addresses}
		go func(peer types.PeerInfo) {
			if err := f.announce(ctx, peer, f.local, keys); err != nil {
				log.WithComponent("replication").Debug().Str("peer_id", peer.PeerID.String()).Msg(err.Error())
			}
		}(peer)
	}
	if f.metrics != nil {
		f.metrics.ReplicationTasks.Set(float64(f.inflightCount()))
	}
}

// HandleReplicate processes an inbound Replicate{holder, keys} announcement
// (spec.md §4.5, steps 1-2): it filters keys already held or outside the
// store's current distance range, then enqueues bounded fetch tasks hinting
// holder as the source.
func (f *Fetcher) HandleReplicate(ctx context.Context, holder types.PeerInfo, keys []types.KeyedSummary) {
	held := f.rstore.RecordAddresses()
	farthest, rangeSet := f.rstore.DistanceRange()

	for _, ks := range keys {
		if _, ok := held[ks.Key]; ok {
			continue
		}
		if rangeSet && farthest.Less(ks.Key.Distance(f.local)) {
			continue
		}
		f.enqueueFetch(ctx, holder, ks)
	}
}

func (f *Fetcher) enqueueFetch(ctx context.Context, holder types.PeerInfo, ks types.KeyedSummary) {
	f.mu.Lock()
	if f.inflightByKey[ks.Key] {
		f.mu.Unlock()
		return
	}
	if f.inflightByPeer[holder.PeerID] >= f.maxInflightPerPeer {
		f.mu.Unlock()
		return
	}
	f.inflightByKey[ks.Key] = true
	f.inflightByPeer[holder.PeerID]++
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.ReplicationTasks.Set(float64(f.inflightCount()))
	}

	go f.fetchTask(ctx, holder, ks)
}

func (f *Fetcher) fetchTask(ctx context.Context, holder types.PeerInfo, ks types.KeyedSummary) {
	defer f.finishFetch(holder.PeerID, ks.Key)

	logger := log.WithComponent("replication").With().Str("key", ks.Key.String()).Logger()

	rec, err := f.fetch(ctx, holder, ks.Key)
	if (err != nil || rec == nil) && f.fallback != nil {
		rec, err = f.fallback(ctx, ks.Key)
	}
	if err != nil || rec == nil {
		logger.Debug().Msg("replication fetch failed, will retry on next announce")
		return
	}

	if err := f.rstore.Put(rec); err != nil {
		logger.Warn().Err(err).Msg("failed to store replicated record")
		return
	}

	if f.broker != nil {
		f.broker.Publish(&events.Event{Type: events.TypeRecordStored, Message: ks.Key.String()})
	}

	// A newly-acquired record may need to propagate further; nudge the
	// periodic broadcaster instead of blocking this task on a full fan-out.
	go f.announceToNearest(ctx)
}

func (f *Fetcher) finishFetch(peer types.ID, key types.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflightByKey, key)
	f.inflightByPeer[peer]--
	if f.inflightByPeer[peer] <= 0 {
		delete(f.inflightByPeer, peer)
	}
}

func (f *Fetcher) inflightCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflightByKey)
}
