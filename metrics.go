package memcached

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pior/memcached/binprot"
)

const namespace = "memcached"

type metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	return &metrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Requests resolved, by opcode and response status.",
			},
			[]string{"opcode", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Time from dispatch to resolution of a request, by opcode.",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"opcode"},
		),
	}
}

// RegisterMetrics registers the server metrics with reg: the Stats counters
// and gauges plus per-opcode request counts and handler durations.
func (s *Server) RegisterMetrics(reg prometheus.Registerer) error {
	m := newMetrics()

	for _, c := range []prometheus.Collector{m.commands, m.duration, &statsMetrics{srv: s}} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("memcached: register metrics: %w", err)
		}
	}

	s.metrics.Store(m)
	return nil
}

// observe records the resolution of a slot.
func (s *Server) observe(sl *slot, status string) {
	m := s.metrics.Load()
	if m == nil {
		return
	}

	op := sl.req.Opcode.String()
	m.commands.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(sl.start).Seconds())
}

func outcomeStatus(o Outcome) string {
	switch o.kind {
	case kindFail:
		if o.err != nil {
			return statusLabel(o.err.Status)
		}
		return statusLabel(binprot.StatusInternalError)
	case kindReply, kindReplies:
		if len(o.resps) > 0 && o.resps[0] != nil {
			return statusLabel(o.resps[0].Status)
		}
	case kindTerminate:
		return "terminate"
	}
	return statusLabel(binprot.StatusOK)
}

func statusLabel(st binprot.Status) string {
	return fmt.Sprintf("0x%02x", uint16(st))
}

var (
	descConnections = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "connections_total"),
		"Connections accepted.", nil, nil)
	descCurrConnections = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "current_connections"),
		"Open connections.", nil, nil)
	descRequests = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "requests_total"),
		"Requests decoded and dispatched.", nil, nil)
	descResponses = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "responses_total"),
		"Response packets written.", nil, nil)
	descProtocolErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "protocol_errors_total"),
		"Requests answered with a non-zero status.", nil, nil)
	descHandlerFailures = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "handler_failures_total"),
		"Unclassified handler errors and panics.", nil, nil)
	descTerminations = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "terminations_total"),
		"Connections closed on request.", nil, nil)
	descFramingErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "framing_errors_total"),
		"Connections dropped for a framing violation.", nil, nil)
	descPending = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pending_requests"),
		"Requests dispatched but not yet written.", nil, nil)
	descBytesRead = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "read_bytes_total"),
		"Bytes read from clients.", nil, nil)
	descBytesWritten = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "written_bytes_total"),
		"Bytes written to clients.", nil, nil)
)

// statsMetrics exports the Stats snapshot.
type statsMetrics struct {
	srv *Server
}

func (m *statsMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descConnections
	ch <- descCurrConnections
	ch <- descRequests
	ch <- descResponses
	ch <- descProtocolErrors
	ch <- descHandlerFailures
	ch <- descTerminations
	ch <- descFramingErrors
	ch <- descPending
	ch <- descBytesRead
	ch <- descBytesWritten
}

func (m *statsMetrics) Collect(ch chan<- prometheus.Metric) {
	st := m.srv.Stats()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	counter(descConnections, st.TotalConnections)
	gauge(descCurrConnections, st.CurrConnections)
	counter(descRequests, st.Requests)
	counter(descResponses, st.Responses)
	counter(descProtocolErrors, st.ProtocolErrors)
	counter(descHandlerFailures, st.HandlerFailures)
	counter(descTerminations, st.Terminations)
	counter(descFramingErrors, st.FramingErrors)
	gauge(descPending, st.PendingRequests)
	counter(descBytesRead, st.BytesRead)
	counter(descBytesWritten, st.BytesWritten)
}
