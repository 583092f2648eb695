package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_ingester_messages_total",
			Help: "Total broker messages received, by kind.",
		},
		[]string{"kind"},
	)

	UnmatchedTopicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cg_ingester_unmatched_topics_total",
			Help: "Messages dropped because the topic matched no known pattern.",
		},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_ingester_parse_errors_total",
			Help: "Payload parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	GPSFixesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_ingester_gps_fixes_total",
			Help: "GPS fixes processed, by filter outcome.",
		},
		[]string{"outcome"},
	)

	HistoryWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_ingester_history_writes_total",
			Help: "History rows written, by write_reason.",
		},
		[]string{"write_reason"},
	)

	HistorySuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cg_ingester_history_suppressed_total",
			Help: "Register observations suppressed by the history policy.",
		},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_ingester_events_total",
			Help: "Events emitted, by type.",
		},
		[]string{"type"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cg_ingester_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_ingester_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"table", "op"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cg_ingester_queue_depth",
			Help: "Current depth of each ingest worker queue.",
		},
		[]string{"worker"},
	)

	DroppedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_ingester_dropped_messages_total",
			Help: "Messages dropped, by reason (queue_full, store_error).",
		},
		[]string{"reason"},
	)

	RetentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cg_ingester_retention_deleted_total",
			Help: "Rows deleted by the retention sweeper.",
		},
		[]string{"table"},
	)

	StoreRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cg_ingester_store_retries_total",
			Help: "Transient store errors retried.",
		},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cg_ingester_last_msg_timestamp_seconds",
			Help: "Unix timestamp of the last processed message per router.",
		},
		[]string{"router_sn"},
	)
)

func Register() {
	prometheus.MustRegister(
		MessagesTotal,
		UnmatchedTopicsTotal,
		ParseErrorsTotal,
		GPSFixesTotal,
		HistoryWritesTotal,
		HistorySuppressedTotal,
		EventsTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		QueueDepth,
		DroppedMessagesTotal,
		RetentionDeletedTotal,
		StoreRetriesTotal,
		LastMsgTimestamp,
	)
}
