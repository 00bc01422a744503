package syncer

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors for sync and backfill runs. Pass
// the registry that the HTTP API serves so everything lands on one /metrics.
type Metrics struct {
	MatchesSynced *prometheus.CounterVec
	MatchFailures prometheus.Counter
	BatchCommits  prometheus.Counter
	CommitRetries prometheus.Counter
	RunsTotal     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MatchesSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchvault",
			Name:      "matches_synced_total",
			Help:      "Matches committed, by classification path",
		}, []string{"path"}),
		MatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchvault",
			Name:      "match_failures_total",
			Help:      "Matches that failed fetch or write and were skipped",
		}),
		BatchCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchvault",
			Name:      "batch_commits_total",
			Help:      "Committed write batches",
		}),
		CommitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matchvault",
			Name:      "commit_retries_total",
			Help:      "Transaction-level retries after storage write errors",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchvault",
			Name:      "runs_total",
			Help:      "Completed runs by kind and result",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.MatchesSynced, m.MatchFailures, m.BatchCommits, m.CommitRetries, m.RunsTotal)
	}
	return m
}

func (m *Metrics) incSynced(path string) {
	if m == nil {
		return
	}
	m.MatchesSynced.WithLabelValues(path).Inc()
}

func (m *Metrics) incFailure() {
	if m == nil {
		return
	}
	m.MatchFailures.Inc()
}

func (m *Metrics) incCommit() {
	if m == nil {
		return
	}
	m.BatchCommits.Inc()
}

func (m *Metrics) incCommitRetry() {
	if m == nil {
		return
	}
	m.CommitRetries.Inc()
}

func (m *Metrics) incRun(kind, result string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(kind, result).Inc()
}
