package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querychat_chat_turns_total",
			Help: "Total number of chat turns by outcome.",
		},
		[]string{"outcome"},
	)
	chatTurnDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querychat_chat_turn_duration_ms",
			Help:    "End-to-end chat turn latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
	)
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querychat_tool_calls_total",
			Help: "Total number of model-requested tool calls by tool and status.",
		},
		[]string{"tool", "status"},
	)
	sqlExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querychat_sql_executions_total",
			Help: "Total number of generated SQL executions by outcome.",
		},
		[]string{"outcome"},
	)
	sqlExecutionDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querychat_sql_execution_duration_ms",
			Help:    "Generated SQL execution latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
	)
	queryLogWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querychat_query_log_writes_total",
			Help: "Total number of query attempt log writes by status.",
		},
		[]string{"status"},
	)
	poolAcquireFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querychat_pool_acquire_failures_total",
			Help: "Total number of connection acquisitions that returned pool unavailable.",
		},
	)
	archivedAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querychat_archived_attempts_total",
			Help: "Total number of query attempts exported to the object store.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		chatTurnsTotal,
		chatTurnDurationMs,
		toolCallsTotal,
		sqlExecutionsTotal,
		sqlExecutionDurationMs,
		queryLogWritesTotal,
		poolAcquireFailuresTotal,
		archivedAttemptsTotal,
	)
}

func ObserveChatTurn(outcome string, elapsed time.Duration) {
	chatTurnsTotal.WithLabelValues(outcome).Inc()
	chatTurnDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

func ObserveSQLExecution(outcome string, elapsed time.Duration) {
	sqlExecutionsTotal.WithLabelValues(outcome).Inc()
	sqlExecutionDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementQueryLogWrite(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	queryLogWritesTotal.WithLabelValues(status).Inc()
}

func IncrementPoolAcquireFailure() {
	poolAcquireFailuresTotal.Inc()
}

func AddArchivedAttempts(count int) {
	if count <= 0 {
		return
	}
	archivedAttemptsTotal.Add(float64(count))
}
