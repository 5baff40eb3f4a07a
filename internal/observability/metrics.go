package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

type moduleMetrics struct {
	busDepth     *prometheus.GaugeVec
	busPublished *prometheus.CounterVec
	busRejected  *prometheus.CounterVec

	laneDepth    *prometheus.GaugeVec
	laneTasks    *prometheus.CounterVec
	laneDuration prometheus.Histogram

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	sessionStoreErrors  *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	agentRunTotal     *prometheus.CounterVec
	agentRunDuration  prometheus.Histogram
	agentIterations   prometheus.Histogram
	providerCallTotal *prometheus.CounterVec
	providerCooldown  *prometheus.GaugeVec

	subagentTasks  *prometheus.CounterVec
	subagentActive prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			busDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "bus_queue_depth",
				Help: "Messages waiting on the bus by direction.",
			}, []string{"direction"}),
			busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "bus_published_total",
				Help: "Messages accepted by the bus by direction and channel.",
			}, []string{"direction", "channel"}),
			busRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "bus_rejected_total",
				Help: "Publishes refused by the bus by direction and reason.",
			}, []string{"direction", "reason"}),
			laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "lane_queue_depth",
				Help: "Pending tasks per session lane kind.",
			}, []string{"kind"}),
			laneTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "lane_tasks_total",
				Help: "Completed lane tasks by status.",
			}, []string{"status"}),
			laneDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "lane_task_duration_seconds",
				Help: "Lane task duration in seconds.", Buckets: prometheus.DefBuckets,
			}),
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "sessions_loaded",
				Help: "Sessions held in memory.",
			}),
			sessionLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "session_load_duration_seconds",
				Help: "Session replay duration in seconds.", Buckets: prometheus.DefBuckets,
			}),
			sessionSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "session_append_duration_seconds",
				Help: "Durable batch append duration in seconds.", Buckets: prometheus.DefBuckets,
			}),
			sessionStoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "session_store_errors_total",
				Help: "Session store failures by operation.",
			}, []string{"op"}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "tool_execution_total",
				Help: "Tool executions by tool and status.",
			}, []string{"tool", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "tool_execution_duration_seconds",
				Help: "Tool execution duration in seconds.", Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
			agentRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "agent_run_total",
				Help: "Agent loop invocations by outcome.",
			}, []string{"outcome"}),
			agentRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "agent_run_duration_seconds",
				Help: "Agent loop invocation duration in seconds.", Buckets: prometheus.DefBuckets,
			}),
			agentIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "agent_iterations",
				Help: "Provider rounds per invocation.", Buckets: prometheus.LinearBuckets(1, 2, 10),
			}),
			providerCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "provider_call_total",
				Help: "Provider calls by provider and status.",
			}, []string{"provider", "status"}),
			providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "provider_cooldown_active",
				Help: "Provider profile cooldown state (1 active, 0 inactive).",
			}, []string{"profile"}),
			subagentTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "subagent_tasks_total",
				Help: "Subagent tasks by final status.",
			}, []string{"status"}),
			subagentActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "subagent_active",
				Help: "Subagent tasks pending or running.",
			}),
		}

		prometheus.MustRegister(
			m.busDepth, m.busPublished, m.busRejected,
			m.laneDepth, m.laneTasks, m.laneDuration,
			m.activeSessions, m.sessionLoadDuration, m.sessionSaveDuration, m.sessionStoreErrors,
			m.toolExecutionTotal, m.toolExecutionDuration,
			m.agentRunTotal, m.agentRunDuration, m.agentIterations,
			m.providerCallTotal, m.providerCooldown,
			m.subagentTasks, m.subagentActive,
		)
		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered registers the module metrics with the default registry.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func SetBusDepth(direction string, depth int) {
	getMetrics().busDepth.WithLabelValues(direction).Set(float64(depth))
}

func RecordBusPublish(direction, channel string, depth int) {
	m := getMetrics()
	m.busPublished.WithLabelValues(direction, channel).Inc()
	m.busDepth.WithLabelValues(direction).Set(float64(depth))
}

func RecordBusRejected(direction, reason string) {
	getMetrics().busRejected.WithLabelValues(direction, reason).Inc()
}

func SetLaneDepth(kind string, depth int) {
	getMetrics().laneDepth.WithLabelValues(kind).Set(float64(depth))
}

func RecordLaneCompletion(duration time.Duration, success bool) {
	m := getMetrics()
	m.laneTasks.WithLabelValues(statusLabel(success)).Inc()
	m.laneDuration.Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordSessionStoreError(op string) {
	getMetrics().sessionStoreErrors.WithLabelValues(op).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordAgentRun counts one invocation. outcome is one of ok, truncated,
// provider_error, aborted, store_error.
func RecordAgentRun(outcome string, duration time.Duration, iterations int) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(outcome).Inc()
	m.agentRunDuration.Observe(duration.Seconds())
	m.agentIterations.Observe(float64(iterations))
}

func RecordProviderCall(provider string, success bool) {
	getMetrics().providerCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
}

func SetProviderCooldown(profile string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	getMetrics().providerCooldown.WithLabelValues(profile).Set(v)
}

func RecordSubagentFinished(status string) {
	getMetrics().subagentTasks.WithLabelValues(status).Inc()
}

func SetSubagentActive(n int) {
	getMetrics().subagentActive.Set(float64(n))
}
