// Package dial implements the Dialer and ReachabilityWorkflow that run
// before a node joins the network to pick a listener and classify its
// reachability (spec.md §4.6).
//
// Grounded on warren/pkg/network's per-resource pacing idiom (rate-limited
// fan-out over a fixed candidate set), generalized here from host-port
// allocation to outbound reachability dials (SPEC_FULL §4.6.a).
package dial

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/types"
)

// MaxConcurrentDials bounds dial-back fan-out per listener attempt.
const MaxConcurrentDials = 7

// Majority is the minimum number of consistent dial-back observations
// required to classify a listener as reachable.
const Majority = 4

// MaxWorkflowAttempts bounds retries against one listener before giving up
// and advancing to the next candidate.
const MaxWorkflowAttempts = 3

// DialBackFunc dials peer from the candidate listener and returns the
// observation the remote reported back via identify, or an error if no
// connection could be established at all.
type DialBackFunc func(ctx context.Context, listener string, peer types.PeerInfo) (types.DialObservation, error)

// Candidate is a local adapter the workflow may choose to listen on: the
// configured listener plus any UPnP-mapped alternative.
type Candidate struct {
	Address string
}

// Outcome is the workflow's final verdict for one listener attempt.
type Outcome struct {
	Listener        string
	Reachable       bool
	ExternalAddr    string
	LocalAdapter    string
	Failure         types.ReachabilityFailure
	Attempts        int
	Progress        float64 // [0,1] fraction of candidate listeners tried, including the reachable one
}

// NotReachable is returned by Run when every candidate listener was
// exhausted without reaching consensus.
type NotReachable struct {
	PerListener map[string]types.ReachabilityFailure
}

func (e *NotReachable) Error() string {
	return fmt.Sprintf("dial: no reachable listener among %d candidates", len(e.PerListener))
}

// Workflow runs the reachability protocol against a set of candidate
// listeners and a fixed bootstrap peer set.
type Workflow struct {
	candidates []Candidate
	bootstrap  []types.PeerInfo
	dialBack   DialBackFunc
	limiter    *rate.Limiter
}

// Config configures a Workflow.
type Config struct {
	Candidates []Candidate
	Bootstrap  []types.PeerInfo
	DialBack   DialBackFunc
	// RatePerSecond paces dial attempts per listener; defaults to
	// MaxConcurrentDials (i.e. the whole fan-out may burst once).
	RatePerSecond rate.Limit
}

// New constructs a Workflow.
func New(cfg Config) *Workflow {
	r := cfg.RatePerSecond
	if r == 0 {
		r = rate.Limit(MaxConcurrentDials)
	}
	return &Workflow{
		candidates: cfg.Candidates,
		bootstrap:  cfg.Bootstrap,
		dialBack:   cfg.DialBack,
		limiter:    rate.NewLimiter(r, MaxConcurrentDials),
	}
}

// Run executes the reachability protocol (spec.md §4.6 steps 1-5) across
// every candidate listener in order, returning the first reachable
// Outcome, or a *NotReachable error with every listener's failure reason.
func (w *Workflow) Run(ctx context.Context) (Outcome, error) {
	perListener := make(map[string]types.ReachabilityFailure)
	logger := log.WithComponent("dial")

	for i, cand := range w.candidates {
		var lastFailure types.ReachabilityFailure
		for attempt := 1; attempt <= MaxWorkflowAttempts; attempt++ {
			outcome, err := w.attemptListener(ctx, cand, attempt)
			if err == nil {
				outcome.Progress = float64(i+1) / float64(len(w.candidates))
				return outcome, nil
			}
			var rf types.ReachabilityFailure
			if fe, ok := err.(*failureError); ok {
				rf = fe.reason
			} else {
				rf = types.NoOutboundConnection
			}
			lastFailure = rf
			logger.Debug().Str("listener", cand.Address).Int("attempt", attempt).Str("reason", rf.String()).Msg("reachability attempt failed")
			if !rf.Retryable() {
				break
			}
		}
		perListener[cand.Address] = lastFailure
	}
	return Outcome{}, &NotReachable{PerListener: perListener}
}

type failureError struct{ reason types.ReachabilityFailure }

func (e *failureError) Error() string { return "dial: " + e.reason.String() }

// attemptListener runs one workflow attempt (spec.md §4.6 steps 2-4) against
// a single candidate listener.
func (w *Workflow) attemptListener(ctx context.Context, cand Candidate, attempt int) (Outcome, error) {
	if len(w.bootstrap) == 0 {
		return Outcome{}, &failureError{reason: types.NoDialBacks}
	}

	targets := w.bootstrap
	if len(targets) > MaxConcurrentDials {
		targets = targets[:MaxConcurrentDials]
	}

	var (
		mu    sync.Mutex
		obs   []types.DialObservation
		wg    sync.WaitGroup
		dialN int
	)
	for _, peer := range targets {
		peer := peer
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		dialN++
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := w.dialBack(ctx, cand.Address, peer)
			if err != nil {
				return
			}
			mu.Lock()
			obs = append(obs, o)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if dialN == 0 {
		return Outcome{}, &failureError{reason: types.NoOutboundConnection}
	}
	if len(obs) == 0 {
		return Outcome{}, &failureError{reason: types.NoDialBacks}
	}

	return classify(cand, obs)
}

// classify implements spec.md §4.6 step 4 over the collected observations
// (each already pairs one connection's external and local-adapter address;
// ConnectionID is not consulted): it requires at least Majority of them and
// consensus on a single external address and a single local-adapter address.
func classify(cand Candidate, obs []types.DialObservation) (Outcome, error) {
	if len(obs) < Majority {
		return Outcome{}, &failureError{reason: types.NotEnoughDialBacks}
	}

	externals := map[string]int{}
	adapters := map[string]int{}
	for _, o := range obs {
		if o.HasExternal {
			externals[o.ExternalAddr]++
		}
		if o.HasLocalAdapter {
			adapters[o.LocalAdapter]++
		}
	}

	if len(externals) > 1 {
		return Outcome{}, &failureError{reason: types.MultipleExternalAddresses}
	}
	if len(adapters) > 1 {
		return Outcome{}, &failureError{reason: types.MultipleLocalAdapterAddresses}
	}

	var externalAddr, localAdapter string
	for addr := range externals {
		externalAddr = addr
	}
	for addr := range adapters {
		localAdapter = addr
	}

	if externalAddr == "" || isUnspecifiedHost(externalAddr) {
		return Outcome{}, &failureError{reason: types.UnspecifiedExternalAddress}
	}
	if localAdapter == "" || isUnspecifiedHost(localAdapter) {
		return Outcome{}, &failureError{reason: types.UnspecifiedLocalAdapterAddress}
	}
	if portOf(localAdapter) == 0 {
		return Outcome{}, &failureError{reason: types.LocalAdapterPortZero}
	}

	return Outcome{
		Listener:     cand.Address,
		Reachable:    true,
		ExternalAddr: externalAddr,
		LocalAdapter: localAdapter,
	}, nil
}

func portOf(addr string) int {
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			_, _ = fmt.Sscanf(addr[i+1:], "%d", &port)
			return port
		}
	}
	return 0
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// isUnspecifiedHost reports whether addr's host portion is a wildcard
// (0.0.0.0 or ::), which never identifies a specific reachable address.
func isUnspecifiedHost(addr string) bool {
	switch hostOf(addr) {
	case "0.0.0.0", "::", "[::]":
		return true
	default:
		return false
	}
}
