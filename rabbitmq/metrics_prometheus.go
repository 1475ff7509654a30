package rabbitmq

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector exports client metrics as Prometheus series.
type PrometheusMetricsCollector struct {
	connections *prometheus.CounterVec
	channels    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	messages    *prometheus.CounterVec
	confirms    *prometheus.CounterVec
	openConns   prometheus.Gauge
	openChans   prometheus.Gauge
	rpc         *prometheus.HistogramVec
}

// NewPrometheusMetricsCollector creates the collector and registers its
// series with reg. namespace prefixes every series name and defaults to
// "rabbitmux".
func NewPrometheusMetricsCollector(reg prometheus.Registerer, namespace string) (*PrometheusMetricsCollector, error) {
	if namespace == "" {
		namespace = "rabbitmux"
	}

	m := &PrometheusMetricsCollector{
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Connections opened and closed.",
			},
			[]string{"event"},
		),
		channels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channels_total",
				Help:      "Channels opened and closed.",
			},
			[]string{"event"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Connection and channel errors.",
			},
			[]string{"scope"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Messages by outcome.",
			},
			[]string{"event"},
		),
		confirms: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "confirms_total",
				Help:      "Publisher confirms received.",
			},
			[]string{"ack"},
		),
		openConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Connections currently open.",
		}),
		openChans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Channels currently open.",
		}),
		rpc: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_duration_seconds",
				Help:      "Time synchronous channel requests waited for their reply.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.connections, m.channels, m.errors, m.messages, m.confirms, m.openConns, m.openChans, m.rpc,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetricsCollector) ConnectionCreated() {
	m.connections.WithLabelValues("created").Inc()
	m.openConns.Inc()
}

func (m *PrometheusMetricsCollector) ConnectionClosed() {
	m.connections.WithLabelValues("closed").Inc()
	m.openConns.Dec()
}

func (m *PrometheusMetricsCollector) ConnectionError(error) {
	m.errors.WithLabelValues("connection").Inc()
}

func (m *PrometheusMetricsCollector) ChannelCreated() {
	m.channels.WithLabelValues("created").Inc()
	m.openChans.Inc()
}

func (m *PrometheusMetricsCollector) ChannelClosed() {
	m.channels.WithLabelValues("closed").Inc()
	m.openChans.Dec()
}

func (m *PrometheusMetricsCollector) ChannelError(error) {
	m.errors.WithLabelValues("channel").Inc()
}

func (m *PrometheusMetricsCollector) MessagePublished() { m.messages.WithLabelValues("published").Inc() }
func (m *PrometheusMetricsCollector) MessageConsumed()  { m.messages.WithLabelValues("consumed").Inc() }
func (m *PrometheusMetricsCollector) MessageAcked()     { m.messages.WithLabelValues("acked").Inc() }
func (m *PrometheusMetricsCollector) MessageNacked()    { m.messages.WithLabelValues("nacked").Inc() }
func (m *PrometheusMetricsCollector) MessageRejected()  { m.messages.WithLabelValues("rejected").Inc() }
func (m *PrometheusMetricsCollector) MessageReturned()  { m.messages.WithLabelValues("returned").Inc() }

func (m *PrometheusMetricsCollector) ConfirmReceived(ack bool) {
	m.confirms.WithLabelValues(strconv.FormatBool(ack)).Inc()
}

func (m *PrometheusMetricsCollector) RPCDuration(method string, d time.Duration) {
	m.rpc.WithLabelValues(method).Observe(d.Seconds())
}
