// Package driver implements NodeDriver: the single-threaded cooperative
// event loop gluing the transport, the KadEngine, and the
// ReplicationFetcher (spec.md §4.7).
//
// Grounded on warren/pkg/worker/worker.go's run-loop shape: one goroutine,
// several time.Ticker-driven background concerns selected alongside a
// command/transport channel, with fatal conditions surfaced as events
// rather than handled ad hoc.
package driver

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/antnet/antnode/pkg/antmetrics"
	"github.com/antnet/antnode/pkg/engine"
	"github.com/antnet/antnode/pkg/events"
	"github.com/antnet/antnode/pkg/kbucket"
	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/replication"
	"github.com/antnet/antnode/pkg/store"
)

// Default periods for the driver's background timers (spec.md §4.7).
const (
	DefaultCleanupInterval      = 10 * time.Minute
	DefaultBucketRefreshInterval = 15 * time.Minute
	DefaultDialCheckInterval    = time.Minute
	// More than MaxConsecutiveWriteErrors consecutive write errors trigger
	// the fatal TerminateNode event.
	MaxConsecutiveWriteErrors = 5
)

// ConsecutiveWriteErrorsReporter exposes FileStore's write-error streak
// without coupling the driver to the concrete store implementation.
type ConsecutiveWriteErrorsReporter interface {
	ConsecutiveWriteErrors() int
}

// Config configures a Driver.
type Config struct {
	Engine      *engine.Engine
	RecordStore store.RecordStore
	Table       *kbucket.Table
	Replication *replication.Fetcher
	Broker      *events.Broker
	Metrics     *antmetrics.Registry

	CleanupInterval       time.Duration
	BucketRefreshInterval time.Duration
	DialCheckInterval     time.Duration
}

// Driver runs the single-threaded cooperative event loop described in
// spec.md §4.7. It never holds a lock across a suspension point: every
// tick handler either mutates driver-local state directly or submits a
// command to the Engine's own loop.
type Driver struct {
	engine *engine.Engine
	rstore store.RecordStore
	table  *kbucket.Table
	repl   *replication.Fetcher
	broker *events.Broker
	metrics *antmetrics.Registry

	cleanupInterval       time.Duration
	bucketRefreshInterval time.Duration
	dialCheckInterval     time.Duration

	terminated chan struct{}
}

// New constructs a Driver. Run must be called to start its event loop.
func New(cfg Config) *Driver {
	cleanup := cfg.CleanupInterval
	if cleanup == 0 {
		cleanup = DefaultCleanupInterval
	}
	refresh := cfg.BucketRefreshInterval
	if refresh == 0 {
		refresh = DefaultBucketRefreshInterval
	}
	dialCheck := cfg.DialCheckInterval
	if dialCheck == 0 {
		dialCheck = DefaultDialCheckInterval
	}
	return &Driver{
		engine:                cfg.Engine,
		rstore:                cfg.RecordStore,
		table:                 cfg.Table,
		repl:                  cfg.Replication,
		broker:                cfg.Broker,
		metrics:               cfg.Metrics,
		cleanupInterval:       cleanup,
		bucketRefreshInterval: refresh,
		dialCheckInterval:     dialCheck,
		terminated:            make(chan struct{}),
	}
}

// Run is the driver's cooperative event loop. The engine and the
// replication fetcher run their own goroutines (spec.md §4.4/§4.5 are each
// already single-owner loops); this loop owns only the concerns that don't
// belong to either: record-store cleanup, bucket refresh scheduling, the
// dial-check heartbeat, and fatal-event detection. It must never hold a
// lock across a suspension point, so every tick handler below either
// mutates driver-local state directly or submits a command through the
// Engine's own channel.
func (d *Driver) Run(ctx context.Context) {
	logger := log.WithComponent("driver")

	go d.engine.Run(ctx)
	if d.repl != nil {
		d.repl.Start(ctx)
		defer d.repl.Stop()
	}

	cleanupTicker := time.NewTicker(d.cleanupInterval)
	defer cleanupTicker.Stop()
	refreshTicker := time.NewTicker(d.bucketRefreshInterval)
	defer refreshTicker.Stop()
	dialCheckTicker := time.NewTicker(d.dialCheckInterval)
	defer dialCheckTicker.Stop()

	logger.Info().Msg("node driver started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("node driver stopping")
			return
		case <-cleanupTicker.C:
			d.runCleanup(logger)
		case <-refreshTicker.C:
			d.runBucketRefresh(logger)
		case <-dialCheckTicker.C:
			d.runDialCheck(logger)
		case <-d.terminated:
			logger.Error().Msg("node driver terminated by fatal event")
			return
		}
	}
}

// runCleanup expires stale records and checks for write-error saturation
// (spec.md §4.7's fatal-event trigger).
func (d *Driver) runCleanup(logger zerolog.Logger) {
	n, err := d.rstore.Cleanup()
	if err != nil {
		logger.Warn().Err(err).Msg("record store cleanup failed")
	} else if n > 0 {
		logger.Debug().Int("expired", n).Msg("record store cleanup removed expired records")
	}

	if reporter, ok := d.rstore.(ConsecutiveWriteErrorsReporter); ok {
		if reporter.ConsecutiveWriteErrors() > MaxConsecutiveWriteErrors {
			d.terminate(logger, "record store write errors saturated")
		}
	}
}

// runBucketRefresh logs the current routing-table shape. No per-bucket
// FindNode refresh is scheduled; the only periodic lookup is the engine's
// own re-bootstrap (spec.md §4.4), a FindNode against a random key.
func (d *Driver) runBucketRefresh(logger zerolog.Logger) {
	nonEmpty := d.table.NonEmptyBuckets()
	logger.Debug().Int("non_empty_buckets", len(nonEmpty)).Int("size", d.table.Size()).Msg("bucket refresh tick")
}

// runDialCheck checks that the routing table still holds at least one peer
// (no connection is attempted), publishing a reachability-changed event on
// every tick at which the table is empty.
func (d *Driver) runDialCheck(logger zerolog.Logger) {
	size := d.table.Size()
	if size == 0 {
		logger.Warn().Msg("routing table empty at dial-check tick")
		if d.broker != nil {
			d.broker.Publish(&events.Event{Type: events.TypeReachabilityChanged, Message: "routing table empty"})
		}
	}
	if d.metrics != nil {
		state := 0.0
		if size > 0 {
			state = 1.0
		}
		d.metrics.ReachabilityState.Set(state)
	}
}

func (d *Driver) terminate(logger zerolog.Logger, reason string) {
	if d.broker != nil {
		d.broker.Publish(&events.Event{Type: events.TypeTerminateNode, Message: reason})
	}
	select {
	case <-d.terminated:
	default:
		close(d.terminated)
	}
}
