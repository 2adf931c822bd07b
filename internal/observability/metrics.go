package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueLength     prometheus.Gauge
	dispatchedTotal *prometheus.CounterVec
	processedTotal  *prometheus.CounterVec
	batchDuration   prometheus.Histogram

	agentInvocationTotal    *prometheus.CounterVec
	agentInvocationDuration *prometheus.HistogramVec
	agentErrorsTotal        *prometheus.CounterVec

	aggregatorPending  *prometheus.GaugeVec
	aggregatorQuorums  *prometheus.CounterVec
	aggregatorTimeouts *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	gatewayCallTotal    *prometheus.CounterVec
	gatewayCallDuration *prometheus.HistogramVec
	brokerIterations    *prometheus.HistogramVec

	scheduleTriggers *prometheus.CounterVec
	streamClients    prometheus.Gauge
	webhookRequests  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueLength: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "dispatcher_queue_length",
					Help: "Current number of events waiting in the dispatcher queue.",
				},
			),
			dispatchedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatcher_events_dispatched_total",
					Help: "Total events placed on the dispatcher queue by type.",
				},
				[]string{"type"},
			),
			processedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatcher_events_processed_total",
					Help: "Total events drained from the dispatcher queue by type.",
				},
				[]string{"type"},
			),
			batchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "dispatcher_batch_duration_seconds",
					Help:    "Time spent processing one drain batch.",
					Buckets: prometheus.DefBuckets,
				},
			),
			agentInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_invocation_total",
					Help: "Total agent invocations by agent and status.",
				},
				[]string{"agent", "status"},
			),
			agentInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_invocation_duration_seconds",
					Help:    "Agent invocation duration in seconds by agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_errors_total",
					Help: "Total failed agent invocations by agent.",
				},
				[]string{"agent"},
			),
			aggregatorPending: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "aggregator_pending_correlations",
					Help: "Correlation ids with an incomplete accumulation.",
				},
				[]string{"aggregator"},
			),
			aggregatorQuorums: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aggregator_quorum_total",
					Help: "Total accumulations that reached quorum.",
				},
				[]string{"aggregator"},
			),
			aggregatorTimeouts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aggregator_wait_timeout_total",
					Help: "Total waits that timed out before quorum.",
				},
				[]string{"aggregator"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool and kind.",
				},
				[]string{"tool", "kind"},
			),
			gatewayCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_call_total",
					Help: "Total LLM gateway calls by provider, mode and status.",
				},
				[]string{"provider", "mode", "status"},
			),
			gatewayCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gateway_call_duration_seconds",
					Help:    "LLM gateway call duration in seconds by provider.",
					Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"provider", "mode"},
			),
			brokerIterations: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "broker_tool_iterations",
					Help:    "Tool round trips needed per broker request.",
					Buckets: []float64{0, 1, 2, 3, 5, 8, 10, 20},
				},
				[]string{"mode"},
			),
			scheduleTriggers: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "schedule_trigger_total",
					Help: "Total scheduled event injections by job.",
				},
				[]string{"job"},
			),
			streamClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "stream_clients_active",
					Help: "Currently connected streaming clients.",
				},
			),
			webhookRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webhook_requests_total",
					Help: "Webhook ingress requests by path and response code.",
				},
				[]string{"path", "code"},
			),
		}

		prometheus.MustRegister(
			m.queueLength,
			m.dispatchedTotal,
			m.processedTotal,
			m.batchDuration,
			m.agentInvocationTotal,
			m.agentInvocationDuration,
			m.agentErrorsTotal,
			m.aggregatorPending,
			m.aggregatorQuorums,
			m.aggregatorTimeouts,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.gatewayCallTotal,
			m.gatewayCallDuration,
			m.brokerIterations,
			m.scheduleTriggers,
			m.streamClients,
			m.webhookRequests,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordDispatch(eventType string, queueLength int) {
	m := getMetrics()
	m.dispatchedTotal.WithLabelValues(eventType).Inc()
	m.queueLength.Set(float64(queueLength))
}

func RecordProcessed(eventType string, queueLength int) {
	m := getMetrics()
	m.processedTotal.WithLabelValues(eventType).Inc()
	m.queueLength.Set(float64(queueLength))
}

func SetQueueLength(queueLength int) {
	getMetrics().queueLength.Set(float64(queueLength))
}

func RecordBatch(duration time.Duration) {
	getMetrics().batchDuration.Observe(duration.Seconds())
}

func RecordAgentInvocation(agent string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentInvocationTotal.WithLabelValues(agent, status(success)).Inc()
	m.agentInvocationDuration.WithLabelValues(agent).Observe(duration.Seconds())
	if !success {
		m.agentErrorsTotal.WithLabelValues(agent).Inc()
	}
}

func SetAggregatorPending(aggregator string, pending int) {
	getMetrics().aggregatorPending.WithLabelValues(aggregator).Set(float64(pending))
}

func RecordAggregatorQuorum(aggregator string) {
	getMetrics().aggregatorQuorums.WithLabelValues(aggregator).Inc()
}

func RecordAggregatorTimeout(aggregator string) {
	getMetrics().aggregatorTimeouts.WithLabelValues(aggregator).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, errKind string) {
	m := getMetrics()
	success := errKind == ""
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool, errKind).Inc()
	}
}

func RecordGatewayCall(provider, mode string, duration time.Duration, success bool) {
	m := getMetrics()
	m.gatewayCallTotal.WithLabelValues(provider, mode, status(success)).Inc()
	m.gatewayCallDuration.WithLabelValues(provider, mode).Observe(duration.Seconds())
}

func RecordBrokerIterations(mode string, iterations int) {
	getMetrics().brokerIterations.WithLabelValues(mode).Observe(float64(iterations))
}

func RecordScheduleTrigger(job string) {
	getMetrics().scheduleTriggers.WithLabelValues(job).Inc()
}

func RecordWebhookRequest(path string, code int) {
	getMetrics().webhookRequests.WithLabelValues(path, strconv.Itoa(code)).Inc()
}

func AddStreamClients(delta int) {
	getMetrics().streamClients.Add(float64(delta))
}
