package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/antnet/antnode/pkg/antmetrics"
	"github.com/antnet/antnode/pkg/events"
	"github.com/antnet/antnode/pkg/kadquery"
	"github.com/antnet/antnode/pkg/kbucket"
	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/payment"
	"github.com/antnet/antnode/pkg/replication"
	"github.com/antnet/antnode/pkg/store"
	"github.com/antnet/antnode/pkg/types"
	"github.com/antnet/antnode/pkg/version"
	"github.com/antnet/antnode/pkg/wire"
)

// pingFunc adapts the wire transport's request path into kbucket.PingFunc:
// a k-bucket eviction candidate is pinged with a single KindPing envelope,
// and any transport error counts as "did not respond" (spec.md §4.1).
func pingFunc(transport wire.Transport, protocolString string) kbucket.PingFunc {
	return func(ctx context.Context, peer types.ID) error {
		payload, err := wire.EncodeBody(wire.PingBody{})
		if err != nil {
			return err
		}
		env := &wire.Envelope{
			RequestID:      uuid.NewString(),
			ProtocolString: protocolString,
			Kind:           wire.KindPing,
		}
		env.Payload = payload
		_, err = transport.SendRequest(ctx, types.PeerInfo{PeerID: peer}, env)
		return err
	}
}

// rejectUnversioned builds the kbucket.Filter installed on the routing
// table. It admits every entry and does not consult gate: PeerEntry carries
// no agent string, and neither the transport nor inboundHandler checks a
// peer's agent string, so no peer is refused on version or role.
func rejectUnversioned(gate *version.Gate) kbucket.Filter {
	_ = gate
	return func(entry *types.PeerEntry) bool { return true }
}

// requestFunc adapts the wire transport into kadquery.RequestFunc: it
// builds the request Envelope matching qType, sends it, and decodes the
// response body into a kadquery.Response.
//
// For QueryPutRecord the record being replicated is looked up from the
// local record store by its key (qType's target), since RequestFunc's
// signature — shared across every query type per spec.md §4.3 — carries no
// record payload of its own; a PutRecord query's publisher is expected to
// have already written the record locally before replicating it outward.
func requestFunc(transport wire.Transport, protocolString string, local types.ID, rstore store.RecordStore) kadquery.RequestFunc {
	requester := types.PeerInfo{PeerID: local}

	return func(ctx context.Context, peer types.PeerInfo, qType types.QueryType, target types.ID) (kadquery.Response, error) {
		env := &wire.Envelope{RequestID: uuid.NewString(), ProtocolString: protocolString}

		var payload []byte
		var err error
		switch qType {
		case types.QueryFindNode, types.QueryBootstrap:
			env.Kind = wire.KindFindNode
			payload, err = wire.EncodeBody(wire.FindNodeBody{Target: target, Requester: requester})
		case types.QueryFindValue:
			env.Kind = wire.KindFindValue
			payload, err = wire.EncodeBody(wire.FindValueBody{Key: target, Requester: requester})
		case types.QueryGetProviders:
			env.Kind = wire.KindGetProviders
			payload, err = wire.EncodeBody(wire.GetProvidersBody{Key: target, Requester: requester})
		case types.QueryPutRecord:
			rec, ok, gerr := rstore.Get(target)
			if gerr != nil || !ok {
				return kadquery.Response{}, fmt.Errorf("antnode: put_record: key %s not in local store", target)
			}
			env.Kind = wire.KindPutValue
			payload, err = wire.EncodeBody(wire.PutValueBody{Record: *rec, Requester: requester})
		default:
			return kadquery.Response{}, fmt.Errorf("antnode: unsupported query type %s", qType)
		}
		if err != nil {
			return kadquery.Response{}, err
		}
		env.Payload = payload

		resp, err := transport.SendRequest(ctx, peer, env)
		if err != nil {
			return kadquery.Response{}, err
		}
		return decodeResponse(resp)
	}
}

func decodeResponse(resp *wire.Envelope) (kadquery.Response, error) {
	switch resp.Kind {
	case wire.KindNodes:
		var body wire.NodesBody
		if err := wire.DecodeBody(resp.Payload, &body); err != nil {
			return kadquery.Response{}, err
		}
		return kadquery.Response{CloserPeers: body.CloserPeers}, nil
	case wire.KindValue:
		var body wire.ValueBody
		if err := wire.DecodeBody(resp.Payload, &body); err != nil {
			return kadquery.Response{}, err
		}
		return kadquery.Response{Value: body.Record, CloserPeers: body.CloserPeers}, nil
	case wire.KindProviders:
		var body wire.ProvidersBody
		if err := wire.DecodeBody(resp.Payload, &body); err != nil {
			return kadquery.Response{}, err
		}
		return kadquery.Response{Providers: body.Providers, CloserPeers: body.CloserPeers}, nil
	case wire.KindAck:
		return kadquery.Response{Stored: true}, nil
	case wire.KindErrorMsg:
		var body wire.ErrorBody
		_ = wire.DecodeBody(resp.Payload, &body)
		return kadquery.Response{}, fmt.Errorf("antnode: peer returned error %s: %s", body.Code, body.Message)
	default:
		return kadquery.Response{}, fmt.Errorf("antnode: unexpected response kind %q", resp.Kind)
	}
}

// replicationFallbackEngine narrows engine.Engine to the surface the
// fallback fetch needs, so this file doesn't need to import pkg/engine
// just for the closure's type signature.
type replicationFallbackEngine interface {
	FindValue(ctx context.Context, key types.ID) *types.Record
}

// replicationFetcher wires a replication.Fetcher whose Fetch/Fallback/
// Announce callbacks all go back out over the same wire transport used for
// queries (spec.md §4.5). Fetch is the explicit point fetch to the
// announcing holder (step 3's first half); Fallback hands an unresolved
// key to the engine's own iterative FindValue so step 3's "then iterative
// if that fails" half is actually exercised rather than left nil.
func replicationFetcher(
	local types.ID,
	table *kbucket.Table,
	rstore store.RecordStore,
	transport wire.Transport,
	protocolString string,
	kadEngine replicationFallbackEngine,
	broker *events.Broker,
	metrics *antmetrics.Registry,
) *replication.Fetcher {
	fetch := func(ctx context.Context, peer types.PeerInfo, key types.ID) (*types.Record, error) {
		payload, err := wire.EncodeBody(wire.FindValueBody{Key: key, Requester: types.PeerInfo{PeerID: local}})
		if err != nil {
			return nil, err
		}
		env := &wire.Envelope{RequestID: uuid.NewString(), ProtocolString: protocolString, Kind: wire.KindFindValue, Payload: payload}
		resp, err := transport.SendRequest(ctx, peer, env)
		if err != nil {
			return nil, err
		}
		res, err := decodeResponse(resp)
		if err != nil {
			return nil, err
		}
		return res.Value, nil
	}

	fallback := func(ctx context.Context, key types.ID) (*types.Record, error) {
		if rec := kadEngine.FindValue(ctx, key); rec != nil {
			return rec, nil
		}
		return nil, fmt.Errorf("antnode: iterative fallback fetch found no value for key %s", key)
	}

	announce := func(ctx context.Context, peer types.PeerInfo, holder types.ID, keys []types.KeyedSummary) error {
		payload, err := wire.EncodeBody(wire.ReplicateBody{Holder: holder, Keys: keys})
		if err != nil {
			return err
		}
		env := &wire.Envelope{RequestID: uuid.NewString(), ProtocolString: protocolString, Kind: wire.KindReplicate, Payload: payload}
		_, err = transport.SendRequest(ctx, peer, env)
		return err
	}

	return replication.New(replication.Config{
		Local:       local,
		Table:       table,
		RecordStore: rstore,
		Fetch:       fetch,
		Fallback:    fallback,
		Announce:    announce,
		Broker:      broker,
		Metrics:     metrics,
	})
}

// inboundHandlerEngine narrows engine.Engine to the surface inboundHandler
// needs, so this file doesn't need to import pkg/engine just for the
// handler's type signature.
type inboundHandlerEngine interface {
	OnMessage(ctx context.Context, sender types.PeerInfo)
}

// inboundHandler builds the wire.HandlerFunc that answers every inbound
// request this node receives (spec.md §6's request/response variants). It
// never launches its own iterative queries: FindNode/GetProviders answer
// from the local routing table snapshot, FindValue consults the local
// store, PutValue stores directly, and Replicate is handed to the fetcher.
func inboundHandler(kadEngine inboundHandlerEngine, table *kbucket.Table, rstore store.RecordStore, repl *replication.Fetcher, local types.ID) wire.HandlerFunc {
	logger := log.WithComponent("antnode.inbound")

	return func(ctx context.Context, from types.PeerInfo, req *wire.Envelope) (*wire.Envelope, error) {
		kadEngine.OnMessage(ctx, from)

		resp := &wire.Envelope{RequestID: req.RequestID, ProtocolString: req.ProtocolString}

		switch req.Kind {
		case wire.KindFindNode:
			var body wire.FindNodeBody
			if err := wire.DecodeBody(req.Payload, &body); err != nil {
				return nil, err
			}
			resp.Kind = wire.KindNodes
			payload, err := wire.EncodeBody(wire.NodesBody{CloserPeers: closestPeerInfos(table, body.Target)})
			if err != nil {
				return nil, err
			}
			resp.Payload = payload

		case wire.KindFindValue:
			var body wire.FindValueBody
			if err := wire.DecodeBody(req.Payload, &body); err != nil {
				return nil, err
			}
			rec, _, _ := rstore.Get(body.Key)
			resp.Kind = wire.KindValue
			payload, err := wire.EncodeBody(wire.ValueBody{Record: rec, CloserPeers: closestPeerInfos(table, body.Key)})
			if err != nil {
				return nil, err
			}
			resp.Payload = payload

		case wire.KindPutValue:
			var body wire.PutValueBody
			if err := wire.DecodeBody(req.Payload, &body); err != nil {
				return nil, err
			}
			rec := body.Record
			storeRec := &rec
			if rec.Kind.HasPayment() {
				storeRec = payment.StripForStorage(&rec)
			}
			if err := rstore.Put(storeRec); err != nil {
				logger.Debug().Err(err).Str("key", rec.Key.String()).Msg("rejected inbound put_value")
				return errorEnvelope(resp, "store_rejected", err), nil
			}
			resp.Kind = wire.KindAck
			payload, err := wire.EncodeBody(wire.AckBody{RequestID: req.RequestID})
			if err != nil {
				return nil, err
			}
			resp.Payload = payload

		case wire.KindGetProviders:
			var body wire.GetProvidersBody
			if err := wire.DecodeBody(req.Payload, &body); err != nil {
				return nil, err
			}
			var providers []types.PeerInfo
			if _, ok, _ := rstore.Get(body.Key); ok {
				providers = []types.PeerInfo{{PeerID: local}}
			}
			resp.Kind = wire.KindProviders
			payload, err := wire.EncodeBody(wire.ProvidersBody{Providers: providers, CloserPeers: closestPeerInfos(table, body.Key)})
			if err != nil {
				return nil, err
			}
			resp.Payload = payload

		case wire.KindReplicate:
			var body wire.ReplicateBody
			if err := wire.DecodeBody(req.Payload, &body); err != nil {
				return nil, err
			}
			repl.HandleReplicate(ctx, types.PeerInfo{PeerID: body.Holder, Addresses: from.Addresses}, body.Keys)
			resp.Kind = wire.KindAck
			payload, err := wire.EncodeBody(wire.AckBody{RequestID: req.RequestID})
			if err != nil {
				return nil, err
			}
			resp.Payload = payload

		case wire.KindPing:
			resp.Kind = wire.KindAck
			payload, err := wire.EncodeBody(wire.AckBody{RequestID: req.RequestID})
			if err != nil {
				return nil, err
			}
			resp.Payload = payload

		default:
			return errorEnvelope(resp, "unknown_kind", fmt.Errorf("antnode: unknown request kind %q", req.Kind)), nil
		}

		return resp, nil
	}
}

func errorEnvelope(resp *wire.Envelope, code string, err error) *wire.Envelope {
	resp.Kind = wire.KindErrorMsg
	payload, encErr := wire.EncodeBody(wire.ErrorBody{Code: code, Message: err.Error()})
	if encErr == nil {
		resp.Payload = payload
	}
	return resp
}

func closestPeerInfos(table *kbucket.Table, target types.ID) []types.PeerInfo {
	entries := table.ClosestPeers(target, kadquery.K)
	out := make([]types.PeerInfo, len(entries))
	for i, e := range entries {
		out[i] = types.PeerInfo{PeerID: e.PeerID, Addresses: e.Addresses}
	}
	return out
}
