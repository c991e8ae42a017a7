// Package metrics wires the per-subsystem prometheus counters into one
// registry owned by the DB façade, all under the emaildb namespace with one
// Prometheus subsystem label per subsystem.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const Namespace = "emaildb"

// Set bundles the façade-level counters that don't belong to any one
// subsystem's own Metrics struct (block.Metrics, cache.Metrics, etc. are
// constructed directly against the shared Registry below).
type Set struct {
	Registry *prometheus.Registry

	EmailsImported   prometheus.Counter
	EmailsImportFailed prometheus.Counter
	SearchesServed   prometheus.Counter
	CompactionsRun   prometheus.Counter
}

func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		EmailsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "db", Name: "emails_imported_total",
		}),
		EmailsImportFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "db", Name: "emails_import_failed_total",
		}),
		SearchesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "db", Name: "searches_served_total",
		}),
		CompactionsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "db", Name: "compactions_run_total",
		}),
	}
	reg.MustRegister(s.EmailsImported, s.EmailsImportFailed, s.SearchesServed, s.CompactionsRun)
	return s
}
