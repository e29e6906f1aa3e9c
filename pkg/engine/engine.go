// Package engine implements KadEngine: the single-owner command router
// binding the transport, the k-bucket routing table, the query pool, and
// the record store (spec.md §4.4).
//
// Grounded on warren/pkg/manager.Manager's shape: one struct holding every
// owned subsystem, constructed once by New and driven by a single
// goroutine that consumes a command channel.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/antnet/antnode/pkg/antmetrics"
	"github.com/antnet/antnode/pkg/events"
	"github.com/antnet/antnode/pkg/kadquery"
	"github.com/antnet/antnode/pkg/kbucket"
	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/payment"
	"github.com/antnet/antnode/pkg/store"
	"github.com/antnet/antnode/pkg/types"
)

// CloseGroupSize is the number of closest peers considered a key's close
// group (spec.md §4.4); ReplicationFactor is the responsibility-set width.
const (
	CloseGroupSize    = 5
	ReplicationFactor = 5
	DefaultRebootstrap = time.Hour
)

// Stats are the counters returned by GetStats.
type Stats struct {
	RoutingTableSize int
	ActiveQueries    int
	RecordsStored    int
}

// Engine is the KadEngine command router.
type Engine struct {
	local  types.ID
	table  *kbucket.Table
	pool   *kadquery.Pool
	rstore store.RecordStore
	send   kadquery.RequestFunc
	broker *events.Broker
	metrics *antmetrics.Registry

	cmdCh chan command

	mu         sync.Mutex
	queryIDSeq int

	rebootstrapEvery time.Duration
	seeds            []types.PeerInfo
}

// Config configures a new Engine.
type Config struct {
	Local             types.ID
	Table             *kbucket.Table
	RecordStore       store.RecordStore
	Send              kadquery.RequestFunc
	Broker            *events.Broker
	Metrics           *antmetrics.Registry
	RebootstrapEvery  time.Duration
	QueryPoolCapacity int
}

// New constructs an Engine. Run must be called to start processing commands.
func New(cfg Config) *Engine {
	interval := cfg.RebootstrapEvery
	if interval == 0 {
		interval = DefaultRebootstrap
	}
	return &Engine{
		local:            cfg.Local,
		table:            cfg.Table,
		pool:             kadquery.NewPool(cfg.QueryPoolCapacity),
		rstore:           cfg.RecordStore,
		send:             cfg.Send,
		broker:           cfg.Broker,
		metrics:          cfg.Metrics,
		cmdCh:            make(chan command),
		rebootstrapEvery: interval,
	}
}

// Submit hands cmd to the engine loop, blocking until the loop receives it
// or ctx is done; the result arrives on the command's own reply channel.
// The command channel is unbuffered, so Submit waits while the loop is busy;
// the engine never refuses a command due to queue depth, only query
// admission goes through kadquery.Pool's own limit.
func (e *Engine) Submit(ctx context.Context, cmd command) {
	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
	}
}

// Run is the engine's single-owner command loop. It must be run from
// exactly one goroutine; it processes submitted commands one at a time and
// runs the periodic re-bootstrap.
func (e *Engine) Run(ctx context.Context) {
	rebootstrap := time.NewTicker(e.rebootstrapEvery)
	defer rebootstrap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rebootstrap.C:
			e.bootstrap(ctx)
		case cmd := <-e.cmdCh:
			e.dispatch(ctx, cmd)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case findNodeCmd:
		c.reply <- e.findNode(ctx, c.target)
	case findValueCmd:
		c.reply <- e.findValue(ctx, c.key)
	case putRecordCmd:
		c.reply <- e.putRecord(ctx, c.record)
	case getProvidersCmd:
		c.reply <- e.getProviders(ctx, c.key)
	case bootstrapCmd:
		e.bootstrap(ctx)
		close(c.done)
	case addPeerCmd:
		c.reply <- e.addPeer(ctx, c.info)
	case removePeerCmd:
		e.table.Remove(c.peerID)
		close(c.done)
	case routingTableCmd:
		c.reply <- e.table.Snapshot()
	case statsCmd:
		c.reply <- e.stats()
	case shutdownCmd:
		close(c.done)
	}
}

// OnMessage is called by the transport for every inbound message; it
// merges the sender into the routing table and, when the entry was inserted
// or updated, emits a routing-table-changed event. Query replies do not pass
// through here: each query receives its replies directly from its
// RequestFunc.
func (e *Engine) OnMessage(ctx context.Context, sender types.PeerInfo) {
	res, err := e.table.Insert(ctx, &types.PeerEntry{PeerID: sender.PeerID, Addresses: sender.Addresses, LastSeen: time.Now()})
	if err != nil {
		return
	}
	if res == kbucket.Inserted || res == kbucket.Updated {
		e.broker.Publish(&events.Event{Type: events.TypeRoutingTableChanged, PeerID: &sender.PeerID})
	}
}

func (e *Engine) nextQueryID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryIDSeq++
	return fmt.Sprintf("q-%d-%d", time.Now().UnixNano(), e.queryIDSeq)
}

func entriesToPeerInfos(entries []*types.PeerEntry) []types.PeerInfo {
	out := make([]types.PeerInfo, len(entries))
	for i, e := range entries {
		out[i] = types.PeerInfo{PeerID: e.PeerID, Addresses: e.Addresses}
	}
	return out
}

func (e *Engine) seedAndRun(ctx context.Context, q *kadquery.Query, target types.ID) kadquery.Result {
	q.Seed(entriesToPeerInfos(e.table.ClosestPeers(target, kadquery.K)))
	if err := e.pool.Add(ctx, q); err != nil {
		return kadquery.Result{QueryID: q.ID, State: types.QueryFailed, Err: err}
	}
	res, err := e.pool.Wait(ctx, q.ID)
	if err != nil {
		return kadquery.Result{QueryID: q.ID, State: types.QueryFailed, Err: err}
	}
	if e.metrics != nil {
		e.metrics.QueriesTotal.WithLabelValues(q.Type.String(), res.State.String()).Inc()
	}
	return res
}

func (e *Engine) findNode(ctx context.Context, target types.ID) []types.PeerInfo {
	q := kadquery.New(e.nextQueryID(), types.QueryFindNode, target, kadquery.Config{}, e.send)
	res := e.seedAndRun(ctx, q, target)
	return res.ClosestPeers
}

func (e *Engine) findValue(ctx context.Context, key types.ID) *types.Record {
	if rec, ok, err := e.rstore.Get(key); err == nil && ok {
		return rec
	}
	q := kadquery.New(e.nextQueryID(), types.QueryFindValue, key, kadquery.Config{}, e.send)
	res := e.seedAndRun(ctx, q, key)
	return res.Value
}

func (e *Engine) putRecord(ctx context.Context, rec *types.Record) error {
	// The publisher must hold the record locally before replicating it
	// outward: kadquery.RequestFunc's signature carries no record payload
	// of its own, so the wire-layer adapter resolves a PutRecord request
	// by looking the key up in the local store (spec.md §4.3's "PutRecord"
	// query completion and §4.4's PutRecord(record)→() contract both
	// assume the record already exists locally by the time the query runs).
	storeRec := rec
	if rec.Kind.HasPayment() {
		storeRec = payment.StripForStorage(rec)
	}
	if err := e.rstore.Put(storeRec); err != nil {
		return fmt.Errorf("engine: put_record: store locally: %w", err)
	}

	q := kadquery.New(e.nextQueryID(), types.QueryPutRecord, rec.Key, kadquery.Config{
		MinPeers:          CloseGroupSize,
		ReplicationFactor: ReplicationFactor,
	}, e.send)
	q.Record = storeRec
	res := e.seedAndRun(ctx, q, rec.Key)
	if res.State != types.QuerySucceeded {
		if res.Err != nil {
			return fmt.Errorf("engine: put_record: %w", res.Err)
		}
		return fmt.Errorf("engine: put_record did not reach replication factor")
	}
	return nil
}

func (e *Engine) getProviders(ctx context.Context, key types.ID) []types.PeerInfo {
	q := kadquery.New(e.nextQueryID(), types.QueryGetProviders, key, kadquery.Config{}, e.send)
	res := e.seedAndRun(ctx, q, key)
	return res.Providers
}

func (e *Engine) addPeer(ctx context.Context, info types.PeerInfo) kbucket.InsertResult {
	res, err := e.table.Insert(ctx, &types.PeerEntry{PeerID: info.PeerID, Addresses: info.Addresses, LastSeen: time.Now()})
	if err != nil {
		log.WithComponent("engine").Debug().Str("peer_id", info.PeerID.String()).Msg(err.Error())
	}
	return res
}

// bootstrap adds configured seed peers and launches a FindNode against a
// random target key (spec.md §4.4).
func (e *Engine) bootstrap(ctx context.Context) {
	for _, s := range e.seeds {
		_, _ = e.table.Insert(ctx, &types.PeerEntry{PeerID: s.PeerID, Addresses: s.Addresses, LastSeen: time.Now()})
	}

	var randomTarget types.ID
	_, _ = rand.Read(randomTarget[:])
	q := kadquery.New(e.nextQueryID(), types.QueryBootstrap, randomTarget, kadquery.Config{}, e.send)
	_ = e.seedAndRun(ctx, q, randomTarget)
}

// SetSeeds configures the bootstrap peer set used by bootstrap().
func (e *Engine) SetSeeds(seeds []types.PeerInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeds = seeds
}

// CloseGroup returns the CloseGroupSize peers closest to key.
func (e *Engine) CloseGroup(key types.ID) []types.PeerInfo {
	return entriesToPeerInfos(e.table.ClosestPeers(key, CloseGroupSize))
}

// ResponsibilitySet returns the R peers responsible for key, including the
// local peer when it falls within that set.
func (e *Engine) ResponsibilitySet(key types.ID, r int) []types.PeerInfo {
	peers := entriesToPeerInfos(e.table.ClosestPeers(key, r))
	localIncluded := false
	idx := len(peers)
	for i, p := range peers {
		if p.PeerID == e.local {
			localIncluded = true
			break
		}
		if idx == len(peers) && e.local.Distance(key).Less(p.PeerID.Distance(key)) {
			idx = i
		}
	}
	if !localIncluded && idx < r {
		peers = append(peers[:idx], append([]types.PeerInfo{{PeerID: e.local}}, peers[idx:]...)...)
		if len(peers) > r {
			peers = peers[:r]
		}
	}
	return peers
}

func (e *Engine) stats() Stats {
	s := Stats{
		RoutingTableSize: e.table.Size(),
		ActiveQueries:    e.pool.ActiveCount(),
		RecordsStored:    len(e.rstore.RecordAddresses()),
	}
	if e.metrics != nil {
		e.metrics.RoutingTableSize.Set(float64(s.RoutingTableSize))
		e.metrics.ActiveQueries.Set(float64(s.ActiveQueries))
		e.metrics.RecordsStored.Set(float64(s.RecordsStored))
	}
	return s
}
