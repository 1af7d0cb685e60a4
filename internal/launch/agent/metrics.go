package agent

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics Agent 指标
type Metrics struct {
	// 轮询指标
	PollsTotal prometheus.Counter
	PopsTotal  *prometheus.CounterVec

	// 派发指标
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	AcksTotal        *prometheus.CounterVec
	RetryNotices     *prometheus.CounterVec

	// 运行中任务指标
	JobsRunning prometheus.Gauge
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// NewMetrics 在 reg 上注册指标；reg 为 nil 时使用独立的注册表（不导出）
func NewMetrics(reg prometheus.Registerer, namespace, agentID string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"agent_id": agentID}

	return &Metrics{
		PollsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "polls_total",
				Help:        "Total polling ticks",
				ConstLabels: labels,
			},
		),
		PopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "pops_total",
				Help:        "Total pop attempts by queue and result",
				ConstLabels: labels,
			},
			[]string{"queue", "result"},
		),
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "dispatch_total",
				Help:        "Total dispatches by backend and result",
				ConstLabels: labels,
			},
			[]string{"backend", "result"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "dispatch_duration_seconds",
				Help:        "Time from pop to backend acceptance in seconds",
				Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
				ConstLabels: labels,
			},
			[]string{"backend"},
		),
		AcksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "acks_total",
				Help:        "Total queue acknowledgements by kind and result",
				ConstLabels: labels,
			},
			[]string{"kind", "result"},
		),
		RetryNotices: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "retry_notices_total",
				Help:        "Total retry notices emitted while an operation keeps failing",
				ConstLabels: labels,
			},
			[]string{"op"},
		),
		JobsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "jobs_running",
				Help:        "Number of tracked jobs",
				ConstLabels: labels,
			},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "jobs_total",
				Help:        "Total finished jobs by backend and final state",
				ConstLabels: labels,
			},
			[]string{"backend", "state"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "job_duration_seconds",
				Help:        "Job duration from dispatch to terminal state in seconds",
				Buckets:     []float64{10, 30, 60, 300, 600, 1800, 3600, 7200, 21600, 86400},
				ConstLabels: labels,
			},
			[]string{"backend", "state"},
		),
	}
}

// RecordPop 记录一次弹出
func (m *Metrics) RecordPop(queueName, result string) {
	m.PopsTotal.WithLabelValues(queueName, result).Inc()
}

// RecordDispatch 记录派发结果
func (m *Metrics) RecordDispatch(backend string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	m.DispatchTotal.WithLabelValues(backend, result).Inc()
	if err == nil {
		m.DispatchDuration.WithLabelValues(backend).Observe(duration.Seconds())
		m.JobsRunning.Inc()
	}
}

// RecordAck 记录 Ack / Fail
func (m *Metrics) RecordAck(kind string, err error) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	m.AcksTotal.WithLabelValues(kind, result).Inc()
}

// RecordJobComplete 记录任务结束
func (m *Metrics) RecordJobComplete(backend, state string, duration time.Duration) {
	m.JobsRunning.Dec()
	m.JobsTotal.WithLabelValues(backend, state).Inc()
	m.JobDuration.WithLabelValues(backend, state).Observe(duration.Seconds())
}

// Notifier 返回重试通知函数：输出日志并计数
func (m *Metrics) Notifier(op string) func(format string, args ...any) {
	return func(format string, args ...any) {
		m.RetryNotices.WithLabelValues(op).Inc()
		log.Printf(format, args...)
	}
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
