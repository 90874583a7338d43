package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "ignite"
)

var (
	// PartitionsRebalanced counts MOVING->OWNING transitions
	PartitionsRebalanced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_rebalanced_total",
			Help:      "Total number of partitions that finished rebalancing",
		},
	)

	// EntriesPreloaded counts entries installed by rebalancing
	EntriesPreloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_preloaded_total",
			Help:      "Total number of entries installed during rebalancing",
		},
	)

	// SupplyMessages counts supply messages by outcome
	SupplyMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supply_messages_total",
			Help:      "Total number of supply messages handled",
		},
		[]string{"status"}, // handled/stale/unexpected
	)

	// MissedPartitions counts partitions reported missed by suppliers
	MissedPartitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missed_partitions_total",
			Help:      "Total number of partitions missed and re-requested",
		},
	)

	// RebalanceDuration measures full round duration per worker
	RebalanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebalance_round_duration_seconds",
			Help:      "Duration of a demand worker rebalance round",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
	)

	// MovingPartitions tracks partitions currently in MOVING state
	MovingPartitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "moving_partitions",
			Help:      "Number of local partitions currently being rebalanced",
		},
	)

	// TransportSessionOverflows counts sessions closed by the queue guard
	TransportSessionOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_session_overflows_total",
			Help:      "Total number of peer sessions closed due to outbound queue overflow",
		},
	)
)
