// Package metrics собирает метрики сервиса в формате Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "staking"

// Metrics хранит метрики сервиса в отдельном реестре.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	clockOffset     prometheus.Gauge
}

// New создаёт набор метрик и регистрирует его в собственном реестре.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route", "method"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and result.",
		}, []string{"operation", "result"}),
		clockOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_offset_seconds",
			Help:      "Last measured offset of the reference clock.",
		}),
	}

	reg.MustRegister(m.requestCount, m.requestDuration, m.operations, m.clockOffset)
	return m
}

// Registry возвращает реестр метрик.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler отдаёт метрики в текстовом формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest учитывает обработанный HTTP-запрос.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.requestCount.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// ObserveOperation учитывает результат операции леджера: "ok" или код ошибки.
func (m *Metrics) ObserveOperation(operation, result string) {
	m.operations.WithLabelValues(operation, result).Inc()
}

// ObserveClockOffset фиксирует смещение эталонных часов.
func (m *Metrics) ObserveClockOffset(offset time.Duration) {
	m.clockOffset.Set(offset.Seconds())
}
