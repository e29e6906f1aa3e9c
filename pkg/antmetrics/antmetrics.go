// Package antmetrics defines Prometheus collectors for KadEngine's internal
// counters (GetStats). Unlike warren/pkg/metrics, which registers against
// the default Prometheus registry and serves it over promhttp, these
// collectors are registered against a private *prometheus.Registry and
// never wired to an HTTP handler: spec.md §1 excludes metrics plumbing from
// this core's scope, but the ambient-stack rule in SPEC_FULL still expects
// Prometheus-shaped internal instrumentation, just unserved.
package antmetrics

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the node's internal DHT/store/replication counters.
type Registry struct {
	reg *prometheus.Registry

	RoutingTableSize prometheus.Gauge
	ActiveQueries    prometheus.Gauge
	RecordsStored    prometheus.Gauge
	QueriesTotal     *prometheus.CounterVec
	StoreWriteErrors prometheus.Counter
	ReplicationTasks prometheus.Gauge
	ReachabilityState prometheus.Gauge
}

// New constructs a Registry and registers every collector against its own
// private prometheus.Registry.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		RoutingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "antnode_routing_table_size",
			Help: "Number of peers currently held in the routing table.",
		}),
		ActiveQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "antnode_active_queries",
			Help: "Number of Kademlia queries currently running.",
		}),
		RecordsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "antnode_records_stored",
			Help: "Number of records currently held in the local store.",
		}),
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "antnode_queries_total",
			Help: "Total Kademlia queries by type and outcome.",
		}, []string{"type", "state"}),
		StoreWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "antnode_store_write_errors_total",
			Help: "Consecutive record-store write failures observed by the driver.",
		}),
		ReplicationTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "antnode_replication_tasks_pending",
			Help: "Number of outstanding replication fetch tasks.",
		}),
		ReachabilityState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "antnode_reachable",
			Help: "Whether the node has completed the reachability workflow successfully (1) or not (0).",
		}),
	}
	r.reg.MustRegister(
		r.RoutingTableSize,
		r.ActiveQueries,
		r.RecordsStored,
		r.QueriesTotal,
		r.StoreWriteErrors,
		r.ReplicationTasks,
		r.ReachabilityState,
	)
	return r
}

// Gather exposes the underlying registry's current sample for in-process
// inspection (e.g. by GetStats or a future debug endpoint); no HTTP
// handler is wired, per SPEC_FULL's "not served externally" decision.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.reg.Gather()
}
