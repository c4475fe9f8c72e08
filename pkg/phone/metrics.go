package phone

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик линий
type MetricsConfig struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Subsystem подсистема для Prometheus метрик
	Subsystem string
	// Registerer реестр, по умолчанию prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:  "rtap",
		Subsystem:  "line",
		Registerer: prometheus.DefaultRegisterer,
	}
}

// Metrics собирает метрики всех линий процесса.
//
// Один экземпляр разделяется линиями. Нулевой указатель допустим и
// отключает сбор метрик.
type Metrics struct {
	registrations     *prometheus.CounterVec
	unregistrations   *prometheus.CounterVec
	calls             *prometheus.CounterVec
	stateTransitions  *prometheus.CounterVec
	signalingFailures *prometheus.CounterVec
	waitTimeouts      *prometheus.CounterVec
	registerDuration  prometheus.Histogram
	confirmDuration   prometheus.Histogram
	linesActive       prometheus.Gauge
}

// NewMetrics регистрирует метрики в реестре из конфигурации
func NewMetrics(config MetricsConfig) *Metrics {
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(config.Registerer)
	ns, sub := config.Namespace, config.Subsystem

	return &Metrics{
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "registrations_total",
			Help:      "Line registration attempts by result",
		}, []string{"result"}),
		unregistrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "unregistrations_total",
			Help:      "Line unregistration attempts by result",
		}, []string{"result"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "calls_total",
			Help:      "Calls by direction and outcome",
		}, []string{"direction", "outcome"}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "call_state_transitions_total",
			Help:      "Call lifecycle state transitions",
		}, []string{"from", "to"}),
		signalingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "signaling_failures_total",
			Help:      "Engine call failures recorded into line results",
		}, []string{"operation"}),
		waitTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "wait_timeouts_total",
			Help:      "Bounded waits that ended without reaching their condition",
		}, []string{"operation"}),
		registerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "registration_duration_seconds",
			Help:      "Time from account creation to registrar confirmation",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		confirmDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "call_confirm_duration_seconds",
			Help:      "Time from placing a call to CONFIRMED",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 12},
		}),
		linesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "workers_active",
			Help:      "Line workers attached to the engine",
		}),
	}
}

func (m *Metrics) registration(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
	if result == "ok" {
		m.registerDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) unregistration(result string) {
	if m == nil {
		return
	}
	m.unregistrations.WithLabelValues(result).Inc()
}

func (m *Metrics) call(direction, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) confirmed(took time.Duration) {
	if m == nil {
		return
	}
	m.confirmDuration.Observe(took.Seconds())
}

func (m *Metrics) transition(from, to CallState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) signalingFailure(operation string) {
	if m == nil {
		return
	}
	m.signalingFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) waitTimeout(operation string) {
	if m == nil {
		return
	}
	m.waitTimeouts.WithLabelValues(operation).Inc()
}

func (m *Metrics) workerAttached(delta float64) {
	if m == nil {
		return
	}
	m.linesActive.Add(delta)
}
