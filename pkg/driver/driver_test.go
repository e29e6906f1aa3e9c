package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antnet/antnode/pkg/engine"
	"github.com/antnet/antnode/pkg/events"
	"github.com/antnet/antnode/pkg/kbucket"
	"github.com/antnet/antnode/pkg/kadquery"
	"github.com/antnet/antnode/pkg/store"
	"github.com/antnet/antnode/pkg/types"
)

type fakeStore struct {
	store.RecordStore
	consecutiveErrors int
}

func (f *fakeStore) ConsecutiveWriteErrors() int { return f.consecutiveErrors }
func (f *fakeStore) Cleanup() (int, error)       { return 0, nil }

func newHarness(t *testing.T, consecutiveErrors int) (*Driver, *events.Broker) {
	t.Helper()
	local := types.ID{}
	tbl := kbucket.New(local, func(context.Context, types.ID) error { return nil }, nil)

	realStore, err := store.Open(store.Config{MaxRecords: 10, MaxTotalBytes: 1 << 20, MaxValueBytes: 1 << 20, StorageDir: t.TempDir()}, local)
	require.NoError(t, err)
	t.Cleanup(func() { realStore.Close() })

	fs := &fakeStore{RecordStore: realStore, consecutiveErrors: consecutiveErrors}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	send := func(ctx context.Context, peer types.PeerInfo, qType types.QueryType, target types.ID) (kadquery.Response, error) {
		return kadquery.Response{}, nil
	}
	eng := engine.New(engine.Config{Local: local, Table: tbl, RecordStore: fs, Send: send, Broker: broker})

	d := New(Config{
		Engine:                eng,
		RecordStore:           fs,
		Table:                 tbl,
		Broker:                broker,
		CleanupInterval:       5 * time.Millisecond,
		BucketRefreshInterval: time.Hour,
		DialCheckInterval:     time.Hour,
	})
	return d, broker
}

// TestDriverTerminatesOnWriteErrorSaturation verifies spec.md §4.7's fatal
// event: consecutive record-store write errors above the threshold must
// emit TerminateNode and stop the driver loop.
func TestDriverTerminatesOnWriteErrorSaturation(t *testing.T) {
	d, broker := newHarness(t, MaxConsecutiveWriteErrors+1)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-sub:
		require.Equal(t, events.TypeTerminateNode, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected TerminateNode event")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("driver loop did not stop after fatal event")
	}
}

// TestDriverRunsCleanlyWithoutFatalConditions verifies the loop tolerates
// normal operation and stops cleanly on context cancellation.
func TestDriverRunsCleanlyWithoutFatalConditions(t *testing.T) {
	d, _ := newHarness(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("driver loop did not stop after cancellation")
	}
}
