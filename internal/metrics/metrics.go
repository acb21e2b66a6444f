// Package metrics declares the Prometheus instrumentation surface for a
// syncnode process: ops persisted, terminal-ops frontier size, the
// incomplete-op backlog, and gossip traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "syncnode"
	subsystem = "sync"
)

var (
	OpsSavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ops_saved_total",
			Help:      "Total number of mutation ops durably saved",
		},
		[]string{"result"}, // result: "accepted", "duplicate", "rejected"
	)

	TerminalOpsSetSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "terminal_ops_set_size",
			Help:      "Current number of ops at the frontier of a mutable object's op DAG",
		},
		[]string{"mutable_object"},
	)

	IncompleteOpBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "incomplete_op_backlog",
			Help:      "Number of ops held back awaiting missing dependencies",
		},
	)

	IncompleteOpsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "incomplete_ops_dropped_total",
			Help:      "Total number of incomplete ops dropped by housekeeping after their TTL elapsed",
		},
	)

	GossipMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gossip_messages_total",
			Help:      "Total number of gossip messages exchanged",
		},
		[]string{"direction", "kind"}, // direction: "sent", "received"
	)

	GossipFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gossip_fanout",
			Help:      "Number of peers selected for a single gossip round",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	OwnershipProofFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ownership_proof_failures_total",
			Help:      "Total number of send-objs messages rejected for an invalid ownership proof",
		},
	)

	RequestObjsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_objs_rejected_total",
			Help:      "Total number of request-objs messages rejected by R1 validation",
		},
		[]string{"reason"}, // reason: "empty_chain", "root_mismatch", "unknown_root", "unlinked_entry", "wrong_target", "unaccepted_class"
	)

	PeerCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_count",
			Help:      "Current number of connected peers",
		},
	)

	GossipMismatchGivenUpTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gossip_mismatch_given_up_total",
			Help:      "Total number of gossip state mismatches abandoned after exhausting newStateErrorRetries",
		},
	)

	UndoCascadeSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "undo_cascade_size",
			Help:      "Number of ops invalidated by a single undo cascade",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)
)
