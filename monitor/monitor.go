// monitor/monitor.go
package monitor

import (
	"errors"
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wfunc/movecast/logger"
)

type Metrics struct {
	// client
	MovesIngested    prometheus.Counter
	MovesEvicted     prometheus.Counter
	MovesRejected    prometheus.Counter
	MovesSent        *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	ProtocolErrors   prometheus.Counter
	HistorySize      prometheus.Gauge

	// relay
	OnlinePlayers    prometheus.Gauge
	MessagesReceived prometheus.Counter
	MessageLatency   prometheus.Histogram
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MovesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_ingested_total",
			Help:      "Inbound moves accepted into the history",
		}),
		MovesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_evicted_total",
			Help:      "Moves evicted from the history tail",
		}),
		MovesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_rejected_total",
			Help:      "Inbound moves dropped as malformed or over capacity",
		}),
		MovesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_sent_total",
			Help:      "Outgoing moves by source",
		}, []string{"source"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"state"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Protocol errors surfaced to notification sinks",
		}),
		HistorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_size",
			Help:      "Moves currently held in the history",
		}),
		OnlinePlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_players",
			Help:      "Number of online players",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received",
		}),
		MessageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_latency_seconds",
			Help:      "Message processing latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}

	reg.MustRegister(
		m.MovesIngested,
		m.MovesEvicted,
		m.MovesRejected,
		m.MovesSent,
		m.StateTransitions,
		m.ProtocolErrors,
		m.HistorySize,
		m.OnlinePlayers,
		m.MessagesReceived,
		m.MessageLatency,
	)

	return m
}

var publishOnce sync.Once

type Monitor struct {
	metrics      *Metrics
	gatherer     prometheus.Gatherer
	startTime    time.Time
	requestCount int64
	mutex        sync.Mutex
}

// NewMonitor registers metrics on reg, or on the default registry when reg
// is nil. Tests pass prometheus.NewRegistry().
func NewMonitor(namespace string, reg *prometheus.Registry) *Monitor {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	return &Monitor{
		metrics:   NewMetrics(namespace, registerer),
		gatherer:  gatherer,
		startTime: time.Now(),
	}
}

func (m *Monitor) Metrics() *Metrics {
	return m.metrics
}

// Handler serves /metrics and the expvar page.
func (m *Monitor) Handler() http.Handler {
	// 添加expvar指标
	publishOnce.Do(func() {
		expvar.Publish("uptime", expvar.Func(func() interface{} {
			return time.Since(m.startTime).Seconds()
		}))
		expvar.Publish("requests", expvar.Func(func() interface{} {
			m.mutex.Lock()
			defer m.mutex.Unlock()
			return m.requestCount
		}))
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}

// StartServer serves Handler on addr in the background.
func (m *Monitor) StartServer(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: m.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Errorf("metrics server: %v", err)
		}
	}()
	logger.Log.Infof("metrics listening on %s", addr)
	return srv
}

func (m *Monitor) MoveIngested(evicted bool, historyLen int) {
	m.metrics.MovesIngested.Inc()
	if evicted {
		m.metrics.MovesEvicted.Inc()
	}
	m.metrics.HistorySize.Set(float64(historyLen))
}

func (m *Monitor) MoveRejected() {
	m.metrics.MovesRejected.Inc()
}

func (m *Monitor) HistoryCleared() {
	m.metrics.HistorySize.Set(0)
}

func (m *Monitor) MoveSent(source string) {
	m.metrics.MovesSent.WithLabelValues(source).Inc()
}

func (m *Monitor) StateChanged(to string) {
	m.metrics.StateTransitions.WithLabelValues(to).Inc()
}

func (m *Monitor) IncProtocolErrors() {
	m.metrics.ProtocolErrors.Inc()
}

func (m *Monitor) IncOnlinePlayers() {
	m.metrics.OnlinePlayers.Inc()
}

func (m *Monitor) DecOnlinePlayers() {
	m.metrics.OnlinePlayers.Dec()
}

func (m *Monitor) IncMessagesReceived() {
	m.metrics.MessagesReceived.Inc()
	m.mutex.Lock()
	m.requestCount++
	m.mutex.Unlock()
}

func (m *Monitor) ObserveMessageLatency(duration time.Duration) {
	m.metrics.MessageLatency.Observe(duration.Seconds())
}
