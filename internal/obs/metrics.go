package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics for the ops surface and the websocket handshake.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Session and broadcast metrics.
var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections",
		Help: "Live websocket connections held by this instance.",
	})

	Rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_rooms",
		Help: "Rooms with at least one local connection.",
	})

	Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_frames_total",
			Help: "Inbound frames by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_deliveries_total",
			Help: "Room deliveries by origin (local publish or remote instance).",
		},
		[]string{"origin"},
	)

	DeadPeers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_dead_peers_total",
		Help: "Connections removed after a failed or timed out write.",
	})

	AuthRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_auth_rejections_total",
			Help: "Handshakes rejected before admission, by reason.",
		},
		[]string{"reason"},
	)

	BrokerAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_available",
		Help: "1 while the shared broker is reachable, 0 when degraded to local delivery.",
	})

	BrokerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_errors_total",
			Help: "Failed shared broker operations by operation.",
		},
		[]string{"op"},
	)

	OutboundDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_outbound_dropped_total",
		Help: "Envelopes dropped because the outbound queue was full or the broker was down.",
	})

	RevocationChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revocation_checks_total",
			Help: "Revocation lookups by the tier that answered.",
		},
		[]string{"tier", "result"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			Connections, Rooms, Frames, Deliveries, DeadPeers, AuthRejections,
			BrokerAvailable, BrokerErrors, OutboundDropped, RevocationChecks,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// SetBrokerAvailable flips the broker availability gauge.
func SetBrokerAvailable(ok bool) {
	if ok {
		BrokerAvailable.Set(1)
		return
	}
	BrokerAvailable.Set(0)
}

// Instrument measures request count, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses room identifiers so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 3 && parts[0] == "ws" && parts[1] == "game" && parts[2] != "" {
		return "/ws/game/:room"
	}
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "rooms" && parts[2] != "" {
		return "/v1/rooms/:room"
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack lets websocket upgrades pass through the instrumentation.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("obs: response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.code = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}
