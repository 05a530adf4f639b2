// Package metrics exposes the prometheus counters for scan processing and
// maintenance repairs. Served on /metrics by cmd/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scans counts accepted scans by resulting action.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanme_scans_total",
		Help: "Accepted scans by action (time_in, time_out).",
	}, []string{"action"})

	// ScanRejections counts rejected scans by error code.
	ScanRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanme_scan_rejections_total",
		Help: "Rejected scans by error code.",
	}, []string{"code"})

	// RecordsRepaired counts records force-closed by repair paths.
	RecordsRepaired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanme_records_repaired_total",
		Help: "Presence records force-closed by reason (duplicate_active, orphaned).",
	}, []string{"reason"})

	// ClockAnomalies counts anomalies flagged by the diagnostics worker.
	ClockAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanme_clock_anomalies_total",
		Help: "Clock anomalies flagged across audit event timestamps.",
	})
)
