package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	ScansTotal       *prometheus.CounterVec
	MessagesAnalyzed *prometheus.CounterVec
	AlertsCreated    *prometheus.CounterVec
	DuplicatesTotal  prometheus.Counter
	RegistryFailOpen prometheus.Counter
	ClassifierErrors prometheus.Counter
	PendingWrites    prometheus.Gauge
	ReplayedWrites   *prometheus.CounterVec
	SecurityScore    *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsguard_scans_total",
			Help: "Total number of account scans by result",
		}, []string{"result"}),
		MessagesAnalyzed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsguard_messages_analyzed_total",
			Help: "Total number of analyzed messages by status",
		}, []string{"status"}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsguard_alerts_created_total",
			Help: "Total number of fraud alerts by severity",
		}, []string{"severity"}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsguard_duplicates_total",
			Help: "Messages skipped because another account already processed them",
		}),
		RegistryFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsguard_registry_fail_open_total",
			Help: "Duplicate checks that failed open while the registry was unreachable",
		}),
		ClassifierErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsguard_classifier_errors_total",
			Help: "Classifier batches that fell back to unknown",
		}),
		PendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smsguard_pending_writes",
			Help: "Writes queued locally while the remote store is unreachable",
		}),
		ReplayedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsguard_replayed_writes_total",
			Help: "Queued writes processed on reconnect by outcome",
		}, []string{"outcome"}),
		SecurityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smsguard_security_score",
			Help: "Last computed security score per account",
		}, []string{"account_id"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ScansTotal,
			m.MessagesAnalyzed,
			m.AlertsCreated,
			m.DuplicatesTotal,
			m.RegistryFailOpen,
			m.ClassifierErrors,
			m.PendingWrites,
			m.ReplayedWrites,
			m.SecurityScore,
		)
	}

	return m
}
