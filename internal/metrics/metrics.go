// Package metrics exports transport counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zenoh/internal/logging"
)

var mlog = logging.For("metrics")

const namespace = "zenoh"

// Direction labels.
const (
	Rx = "rx"
	Tx = "tx"
)

type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsOpened  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	handshakeFailed *prometheus.CounterVec
	leaseExpired    prometheus.Counter
	batches         *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	messages        *prometheus.CounterVec
}

// New registers the transport metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently established.",
		}),
		sessionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Sessions that completed the handshake.",
		}, []string{"role"}),
		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Established sessions that ended, by close reason.",
		}, []string{"reason"}),
		handshakeFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshake_failures_total",
			Help:      "Handshakes that did not complete.",
		}, []string{"role"}),
		leaseExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "lease_expired_total",
			Help:      "Sessions closed because the peer went silent.",
		}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "batches_total",
			Help:      "Batches moved over links.",
		}, []string{"direction"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Batch bytes moved over links, excluding stream framing.",
		}, []string{"direction"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "network_messages_total",
			Help:      "Network messages moved over links.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) SessionOpened(role string) {
	if m == nil {
		return
	}
	m.sessionsOpened.WithLabelValues(role).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) HandshakeFailed(role string) {
	if m == nil {
		return
	}
	m.handshakeFailed.WithLabelValues(role).Inc()
}

func (m *Metrics) LeaseExpired() {
	if m == nil {
		return
	}
	m.leaseExpired.Inc()
}

// Batch records one batch of n bytes carrying msgs network messages.
func (m *Metrics) Batch(direction string, n, msgs int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(n))
	if msgs > 0 {
		m.messages.WithLabelValues(direction).Add(float64(msgs))
	}
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	mlog.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
