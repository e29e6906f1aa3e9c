// Package kadquery implements iterative, α-parallel Kademlia queries
// (FindNode, FindValue, PutRecord, GetProviders, Bootstrap) and the pool
// that bounds how many run concurrently.
//
// The dispatch loop is grounded on go-ethereum p2p/discover's Table.lookup
// (ask the α closest un-asked peers, fold replies back into the candidate
// set, repeat until nothing pending) and storj pkg/kademlia's routing
// convergence shape; the α-bound itself uses golang.org/x/sync/semaphore
// per SPEC_FULL §4.3.a in place of the hand-rolled pendingQueries counter
// those reference implementations use.
package kadquery

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/antnet/antnode/pkg/types"
	"golang.org/x/sync/semaphore"
)

// Default tunables per spec.md §4.3.
const (
	K                  = 20
	Alpha              = 3
	DefaultQueryTimeout = 30 * time.Second
	DefaultPeerTimeout  = 5 * time.Second
	MaxPeerRetries      = 2
)

var (
	ErrTooManyConcurrentQueries = errors.New("kadquery: too many concurrent queries")
	ErrQueryNotFound            = errors.New("kadquery: query not found")
)

// Response is what a single peer request returns.
type Response struct {
	CloserPeers []types.PeerInfo
	Value       *types.Record
	Providers   []types.PeerInfo
	Stored      bool // for PutRecord
}

// RequestFunc sends one request to peer and waits for its response or error.
// Implementations live in pkg/wire; kadquery only depends on this signature.
type RequestFunc func(ctx context.Context, peer types.PeerInfo, qType types.QueryType, target types.ID) (Response, error)

// Result is a completed query's outcome.
type Result struct {
	QueryID     string
	State       types.QueryState
	ClosestPeers []types.PeerInfo
	Value       *types.Record
	Providers   []types.PeerInfo
	Err         error
}

type candidate struct {
	peer types.PeerInfo
	dist types.ID
	seq  int // observation order, for tie-breaking
}

// candidateHeap orders uncontacted peers by ascending distance to the
// target, breaking ties by first-observation order (spec.md §4.3).
type candidateHeap []*candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	if h[i].dist == h[j].dist {
		return h[i].seq < h[j].seq
	}
	return h[i].dist.Less(h[j].dist)
}
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(*candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Config parameterizes a single Query.
type Config struct {
	MinPeers         int // result width; K for FindNode, replication width for PutRecord
	ReplicationFactor int
	QueryTimeout     time.Duration
	PeerTimeout      time.Duration
	Alpha            int
}

func (c Config) withDefaults() Config {
	if c.MinPeers == 0 {
		c.MinPeers = K
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = DefaultPeerTimeout
	}
	if c.Alpha == 0 {
		c.Alpha = Alpha
	}
	return c
}

// Query is one iterative Kademlia operation.
type Query struct {
	ID     string
	Type   types.QueryType
	Target types.ID
	Record *types.Record // for PutRecord

	cfg     Config
	request RequestFunc

	mu        sync.Mutex
	state     types.QueryState
	peerState map[types.ID]*types.QueryPeerState
	heapSeen  map[types.ID]bool
	candHeap  candidateHeap
	seqCounter int
	inflight  int

	succeeded []candidate
	stored    int
	value     *types.Record
	providers []types.PeerInfo
	errs      []error

	startedAt  time.Time
	finishedAt time.Time
}

// New constructs a Query. Seeds should come from KBucketTable.ClosestPeers.
func New(id string, qType types.QueryType, target types.ID, cfg Config, request RequestFunc) *Query {
	return &Query{
		ID:        id,
		Type:      qType,
		Target:    target,
		cfg:       cfg.withDefaults(),
		request:   request,
		state:     types.QueryWaiting,
		peerState: make(map[types.ID]*types.QueryPeerState),
		heapSeen:  make(map[types.ID]bool),
	}
}

// Seed adds initial candidate peers, typically the local table's closest
// known peers to the target.
func (q *Query) Seed(peers []types.PeerInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range peers {
		q.addCandidateLocked(p)
	}
}

func (q *Query) addCandidateLocked(p types.PeerInfo) {
	if q.heapSeen[p.PeerID] {
		return
	}
	q.heapSeen[p.PeerID] = true
	q.seqCounter++
	heap.Push(&q.candHeap, &candidate{peer: p, dist: p.PeerID.Distance(q.Target), seq: q.seqCounter})
	if ps, ok := q.peerState[p.PeerID]; ok {
		ps.Status = types.PeerNotContacted
	} else {
		q.peerState[p.PeerID] = &types.QueryPeerState{Status: types.PeerNotContacted}
	}
}

// Run drives the query to completion, returning its Result. It never holds
// q.mu across the request call itself, satisfying §5's "no lock across
// suspension points beyond a bucket-table consult" rule.
func (q *Query) Run(ctx context.Context) Result {
	q.mu.Lock()
	q.state = types.QueryRunning
	q.startedAt = time.Now()
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, q.cfg.QueryTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(q.cfg.Alpha))
	replies := make(chan struct{}, q.cfg.Alpha*2)
	var wg sync.WaitGroup

	for {
		if q.isComplete() {
			break
		}

		dispatched := q.dispatchRound(ctx, sem, replies, &wg)
		if !dispatched {
			q.mu.Lock()
			idle := q.inflight == 0
			q.mu.Unlock()
			if idle {
				break
			}
		}

		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.state = types.QueryTimedOut
			q.mu.Unlock()
			wg.Wait()
			return q.finish()
		case <-replies:
		}
	}

	wg.Wait()
	return q.finish()
}

// dispatchRound launches as many requests as the semaphore and candidate
// heap allow, returning whether anything was dispatched this round.
func (q *Query) dispatchRound(ctx context.Context, sem *semaphore.Weighted, replies chan struct{}, wg *sync.WaitGroup) bool {
	dispatchedAny := false
	for {
		if !sem.TryAcquire(1) {
			return dispatchedAny
		}

		q.mu.Lock()
		if q.candHeap.Len() == 0 {
			q.mu.Unlock()
			sem.Release(1)
			return dispatchedAny
		}
		next := heap.Pop(&q.candHeap).(*candidate)
		ps := q.peerState[next.peer.PeerID]
		ps.Status = types.PeerWaiting
		ps.SentAt = time.Now()
		ps.ClosestDist = next.dist
		q.inflight++
		q.mu.Unlock()

		dispatchedAny = true
		wg.Add(1)
		go func(c *candidate) {
			defer wg.Done()
			defer sem.Release(1)
			q.doRequest(ctx, c)
			select {
			case replies <- struct{}{}:
			default:
			}
		}(next)
	}
}

func (q *Query) doRequest(ctx context.Context, c *candidate) {
	reqCtx, cancel := context.WithTimeout(ctx, q.cfg.PeerTimeout)
	defer cancel()

	resp, err := q.request(reqCtx, c.peer, q.Type, q.Target)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	ps := q.peerState[c.peer.PeerID]

	if err != nil {
		ps.Attempts++
		ps.LastError = err
		if ps.Attempts <= MaxPeerRetries {
			ps.Status = types.PeerNotContacted
			q.heapSeen[c.peer.PeerID] = false
			q.addCandidateLocked(c.peer)
		} else {
			ps.Status = types.PeerFailedStatus
			q.errs = append(q.errs, err)
		}
		return
	}

	ps.Status = types.PeerSucceeded
	ps.RTT = time.Since(ps.SentAt)
	q.succeeded = append(q.succeeded, *c)

	for _, p := range resp.CloserPeers {
		q.addCandidateLocked(p)
	}
	if resp.Value != nil && q.value == nil {
		q.value = resp.Value
	}
	if len(resp.Providers) > 0 && len(q.providers) == 0 {
		q.providers = resp.Providers
	}
	if resp.Stored {
		q.stored++
	}
}

// isComplete evaluates the per-type completion predicate (spec.md §4.3.6).
func (q *Query) isComplete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.Type {
	case types.QueryFindValue:
		if q.value != nil {
			q.state = types.QuerySucceeded
			return true
		}
	case types.QueryGetProviders:
		if len(q.providers) > 0 {
			q.state = types.QuerySucceeded
			return true
		}
	case types.QueryPutRecord:
		want := q.cfg.ReplicationFactor
		if q.cfg.MinPeers < want {
			want = q.cfg.MinPeers
		}
		if want == 0 {
			want = q.cfg.MinPeers
		}
		if q.stored >= want {
			q.state = types.QuerySucceeded
			return true
		}
	}

	// FindNode / Bootstrap, and the FindValue/GetProviders/PutRecord fallthrough:
	// complete when min_peers closest successful responders and nothing inflight.
	if len(q.succeeded) >= q.cfg.MinPeers && q.inflight == 0 && q.candHeap.Len() == 0 {
		q.state = types.QuerySucceeded
		return true
	}
	if q.candHeap.Len() == 0 && q.inflight == 0 {
		if q.Type == types.QueryFindValue || q.Type == types.QueryGetProviders {
			q.state = types.QueryFailed // "not found"
		} else if len(q.succeeded) > 0 {
			q.state = types.QuerySucceeded
		} else {
			q.state = types.QueryFailed
		}
		return true
	}
	return false
}

func (q *Query) finish() Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.finishedAt = time.Now()
	if q.state == types.QueryRunning {
		q.state = types.QueryFailed
	}

	peers := make([]types.PeerInfo, 0, len(q.succeeded))
	for _, c := range q.succeeded {
		peers = append(peers, c.peer)
	}

	var err error
	if q.state == types.QueryFailed && len(q.errs) > 0 {
		err = errors.Join(q.errs...)
	}

	return Result{
		QueryID:      q.ID,
		State:        q.state,
		ClosestPeers: peers,
		Value:        q.value,
		Providers:    q.providers,
		Err:          err,
	}
}

// State returns the query's current lifecycle stage.
func (q *Query) State() types.QueryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Inflight returns the current count of waiting requests, which must never
// exceed the configured α (Testable Property 6).
func (q *Query) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}
