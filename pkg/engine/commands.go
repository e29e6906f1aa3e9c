package engine

import (
	"context"

	"github.com/antnet/antnode/pkg/kbucket"
	"github.com/antnet/antnode/pkg/types"
)

// command is the sealed set of requests the engine's single goroutine
// accepts, mirroring the FindNode/FindValue/PutRecord/... command set in
// spec.md §4.4.
type command interface{ isCommand() }

type findNodeCmd struct {
	target types.ID
	reply  chan []types.PeerInfo
}

func (findNodeCmd) isCommand() {}

type findValueCmd struct {
	key   types.ID
	reply chan *types.Record
}

func (findValueCmd) isCommand() {}

type putRecordCmd struct {
	record *types.Record
	reply  chan error
}

func (putRecordCmd) isCommand() {}

type getProvidersCmd struct {
	key   types.ID
	reply chan []types.PeerInfo
}

func (getProvidersCmd) isCommand() {}

type bootstrapCmd struct {
	done chan struct{}
}

func (bootstrapCmd) isCommand() {}

type addPeerCmd struct {
	info  types.PeerInfo
	reply chan kbucket.InsertResult
}

func (addPeerCmd) isCommand() {}

type removePeerCmd struct {
	peerID types.ID
	done   chan struct{}
}

func (removePeerCmd) isCommand() {}

type routingTableCmd struct {
	reply chan []types.PeerInfo
}

func (routingTableCmd) isCommand() {}

type statsCmd struct {
	reply chan Stats
}

func (statsCmd) isCommand() {}

type shutdownCmd struct {
	done chan struct{}
}

func (shutdownCmd) isCommand() {}

// FindNode asks the engine to locate the peers closest to target.
func (e *Engine) FindNode(ctx context.Context, target types.ID) []types.PeerInfo {
	reply := make(chan []types.PeerInfo, 1)
	e.Submit(ctx, findNodeCmd{target: target, reply: reply})
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return nil
	}
}

// FindValue asks the engine for key, consulting the local store first.
func (e *Engine) FindValue(ctx context.Context, key types.ID) *types.Record {
	reply := make(chan *types.Record, 1)
	e.Submit(ctx, findValueCmd{key: key, reply: reply})
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return nil
	}
}

// PutRecord asks the engine to replicate rec to its responsibility set.
func (e *Engine) PutRecord(ctx context.Context, rec *types.Record) error {
	reply := make(chan error, 1)
	e.Submit(ctx, putRecordCmd{record: rec, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetProviders asks the engine who provides key.
func (e *Engine) GetProviders(ctx context.Context, key types.ID) []types.PeerInfo {
	reply := make(chan []types.PeerInfo, 1)
	e.Submit(ctx, getProvidersCmd{key: key, reply: reply})
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return nil
	}
}

// Bootstrap triggers an immediate bootstrap round and waits for it to finish.
func (e *Engine) Bootstrap(ctx context.Context) {
	done := make(chan struct{})
	e.Submit(ctx, bootstrapCmd{done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// AddPeer inserts info into the routing table via the engine loop.
func (e *Engine) AddPeer(ctx context.Context, info types.PeerInfo) kbucket.InsertResult {
	reply := make(chan kbucket.InsertResult, 1)
	e.Submit(ctx, addPeerCmd{info: info, reply: reply})
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return kbucket.Rejected
	}
}

// RemovePeer evicts peerID from the routing table via the engine loop.
func (e *Engine) RemovePeer(ctx context.Context, peerID types.ID) {
	done := make(chan struct{})
	e.Submit(ctx, removePeerCmd{peerID: peerID, done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// GetRoutingTable returns a snapshot of every peer the engine currently tracks.
func (e *Engine) GetRoutingTable(ctx context.Context) []types.PeerInfo {
	reply := make(chan []types.PeerInfo, 1)
	e.Submit(ctx, routingTableCmd{reply: reply})
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return nil
	}
}

// GetStats returns the engine's current counters.
func (e *Engine) GetStats(ctx context.Context) Stats {
	reply := make(chan Stats, 1)
	e.Submit(ctx, statsCmd{reply: reply})
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return Stats{}
	}
}

// Shutdown asks the engine loop to acknowledge a pending stop; callers
// still cancel the context passed to Run to actually terminate it.
func (e *Engine) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	e.Submit(ctx, shutdownCmd{done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}
