package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medrecon_warehouse_build_info",
			Help: "Build information of the warehouse loader",
		},
		[]string{"version", "commit", "date"},
	)

	DimensionLoadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medrecon_warehouse_dimension_load_total",
			Help: "Total number of dimension load invocations",
		},
		[]string{"table", "status"},
	)

	DimensionLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medrecon_warehouse_dimension_load_duration_seconds",
			Help:    "Duration of dimension loads",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 0.01s to ~164s
		},
		[]string{"table"},
	)

	DimensionRowsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medrecon_warehouse_dimension_rows_closed_total",
			Help: "Total number of dimension row versions closed by loads",
		},
		[]string{"table"},
	)

	DimensionRowsInsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medrecon_warehouse_dimension_rows_inserted_total",
			Help: "Total number of dimension row versions inserted by loads",
		},
		[]string{"table"},
	)

	CrosswalkMatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medrecon_warehouse_crosswalk_match_total",
			Help: "Total number of crosswalk entries produced, by match method",
		},
		[]string{"entity_type", "method"},
	)

	ConflictsReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medrecon_warehouse_conflicts_reconciled_total",
			Help: "Total number of attribute conflicts resolved by source precedence",
		},
		[]string{"entity_type"},
	)

	IntegrityFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medrecon_warehouse_integrity_findings_total",
			Help: "Total number of integrity check findings",
		},
		[]string{"table", "check", "severity"},
	)

	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medrecon_warehouse_database_queries_total",
			Help: "Total number of database statements executed",
		},
		[]string{"status"},
	)

	DatabaseQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medrecon_warehouse_database_query_duration_seconds",
			Help:    "Duration of database statements",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
	)
)
