package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики pipeline. Регистрируются в prometheus.DefaultRegisterer
// и отдаются через /metrics в каждом бинарнике.
var (
	// MessagesProcessed — обработанные стадией сообщения по исходу
	// (pass, reject, fail, duplicate, malformed, not_found, mismatch, error).
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpipe_messages_processed_total",
		Help: "Messages handled by stage consumers, by stage and outcome",
	}, []string{"stage", "outcome"})

	// StageDuration — длительность обработки сообщения стадией.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txpipe_stage_duration_seconds",
		Help:    "Time spent processing one message by a stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// Publishes — публикации в брокер по routing key и результату (ok, failed).
	Publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpipe_publishes_total",
		Help: "Messages published to the broker, by routing key and result",
	}, []string{"routing_key", "result"})

	// Deliveries — итог обработки доставки консьюмером
	// (ack, dropped, requeued, dead_lettered).
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpipe_deliveries_total",
		Help: "Final disposition of consumed deliveries, by queue",
	}, []string{"queue", "disposition"})

	// TransactionsSubmitted — принятые транзакции.
	TransactionsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txpipe_transactions_submitted_total",
		Help: "Transactions accepted at the ingest boundary",
	})

	// TransactionsOrphaned — транзакции, сохранённые без публикации в ingest.
	TransactionsOrphaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txpipe_orphaned_transactions_total",
		Help: "Transactions stored but not published to the ingest queue",
	})

	// Republished — транзакции, переотправленные reconciler'ом.
	Republished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpipe_reconciler_republished_total",
		Help: "Stale transactions republished by the reconciler, by stage",
	}, []string{"stage"})

	// RedrivesExhausted — записи, исчерпавшие предел переотправок.
	RedrivesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpipe_reconciler_redrives_exhausted_total",
		Help: "Stale transactions that reached the redrive limit, by stage",
	}, []string{"stage"})

	// DecisionEvents — события о финальном решении (sent, failed).
	DecisionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpipe_decision_events_total",
		Help: "Decision events emitted to the notification sink, by result",
	}, []string{"result"})

	// HTTPRequests — запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txpipe_http_requests_total",
		Help: "HTTP requests handled by txpipe-api, by method and status",
	}, []string{"method", "status"})
)
