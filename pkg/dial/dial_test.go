package dial

import (
	"context"
	"testing"

	"github.com/antnet/antnode/pkg/types"
	"github.com/stretchr/testify/require"
)

func bootstrapSet(n int) []types.PeerInfo {
	out := make([]types.PeerInfo, n)
	for i := range out {
		var id types.ID
		id[0] = byte(i + 1)
		out[i] = types.PeerInfo{PeerID: id}
	}
	return out
}

// TestWorkflowClassifiesReachableOnMajorityConsensus exercises the happy
// path of spec.md §4.6 step 4: majority(7)=4 consistent observations yield
// a single external address and local adapter.
func TestWorkflowClassifiesReachableOnMajorityConsensus(t *testing.T) {
	w := New(Config{
		Candidates: []Candidate{{Address: "0.0.0.0:4001"}},
		Bootstrap:  bootstrapSet(7),
		DialBack: func(ctx context.Context, listener string, peer types.PeerInfo) (types.DialObservation, error) {
			return types.DialObservation{
				ConnectionID:    peer.PeerID.String(),
				LocalAdapter:    "10.0.0.5:4001",
				ExternalAddr:    "203.0.113.9:4001",
				HasLocalAdapter: true,
				HasExternal:     true,
			}, nil
		},
	})

	out, err := w.Run(context.Background())
	require.NoError(t, err)
	require.True(t, out.Reachable)
	require.Equal(t, "203.0.113.9:4001", out.ExternalAddr)
	require.Equal(t, "10.0.0.5:4001", out.LocalAdapter)
}

// TestWorkflowFailsOnMultipleExternalAddresses verifies non-retryable
// failure classification (spec.md §4.6 step 4-5).
func TestWorkflowFailsOnMultipleExternalAddresses(t *testing.T) {
	call := 0
	w := New(Config{
		Candidates: []Candidate{{Address: "0.0.0.0:4001"}},
		Bootstrap:  bootstrapSet(7),
		DialBack: func(ctx context.Context, listener string, peer types.PeerInfo) (types.DialObservation, error) {
			call++
			ext := "203.0.113.9:4001"
			if call%2 == 0 {
				ext = "203.0.113.10:4001"
			}
			return types.DialObservation{
				ConnectionID:    peer.PeerID.String(),
				LocalAdapter:    "10.0.0.5:4001",
				ExternalAddr:    ext,
				HasLocalAdapter: true,
				HasExternal:     true,
			}, nil
		},
	})

	_, err := w.Run(context.Background())
	require.Error(t, err)
	var nr *NotReachable
	require.ErrorAs(t, err, &nr)
	require.Equal(t, types.MultipleExternalAddresses, nr.PerListener["0.0.0.0:4001"])
}

// TestWorkflowRetriesRetryableFailures verifies MaxWorkflowAttempts is
// honored for a retryable reason (too few dial-backs) before giving up.
func TestWorkflowRetriesRetryableFailures(t *testing.T) {
	var attempts int
	w := New(Config{
		Candidates: []Candidate{{Address: "0.0.0.0:4001"}},
		Bootstrap:  bootstrapSet(7),
		DialBack: func(ctx context.Context, listener string, peer types.PeerInfo) (types.DialObservation, error) {
			attempts++
			// Only ever 1 of 7 dials back: NotEnoughDialBacks, retryable.
			var id types.ID
			id[0] = 1
			if peer.PeerID == id {
				return types.DialObservation{ConnectionID: peer.PeerID.String(), HasExternal: true, ExternalAddr: "1.2.3.4:1", HasLocalAdapter: true, LocalAdapter: "10.0.0.1:1"}, nil
			}
			return types.DialObservation{}, context.DeadlineExceeded
		},
	})

	_, err := w.Run(context.Background())
	require.Error(t, err)
	var nr *NotReachable
	require.ErrorAs(t, err, &nr)
	require.Equal(t, types.NotEnoughDialBacks, nr.PerListener["0.0.0.0:4001"])
	require.Equal(t, MaxWorkflowAttempts*7, attempts)
}

// TestWorkflowAdvancesPastNonRetryableFailureToNextListener verifies step 5:
// a non-retryable reason moves on to the next candidate without exhausting
// MaxWorkflowAttempts.
func TestWorkflowAdvancesPastNonRetryableFailureToNextListener(t *testing.T) {
	w := New(Config{
		Candidates: []Candidate{{Address: "bad:4001"}, {Address: "good:4001"}},
		Bootstrap:  bootstrapSet(7),
		DialBack: func(ctx context.Context, listener string, peer types.PeerInfo) (types.DialObservation, error) {
			if listener == "bad:4001" {
				return types.DialObservation{
					ConnectionID:    peer.PeerID.String(),
					HasExternal:     true,
					ExternalAddr:    "0.0.0.0:0",
					HasLocalAdapter: true,
					LocalAdapter:    "10.0.0.5:4001",
				}, nil
			}
			return types.DialObservation{
				ConnectionID:    peer.PeerID.String(),
				HasExternal:     true,
				ExternalAddr:    "203.0.113.9:4001",
				HasLocalAdapter: true,
				LocalAdapter:    "10.0.0.5:4001",
			}, nil
		},
	})

	out, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "good:4001", out.Listener)
}
