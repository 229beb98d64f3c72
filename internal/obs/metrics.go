package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Identity metrics.
var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpid_login_attempts_total",
			Help: "Login attempts by requested portal and outcome.",
		},
		[]string{"portal", "outcome"},
	)

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpid_tokens_issued_total",
			Help: "Security tokens issued by purpose.",
		},
		[]string{"purpose"},
	)

	tokensRedeemed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpid_tokens_redeemed_total",
			Help: "Security token redemption attempts by purpose and outcome.",
		},
		[]string{"purpose", "outcome"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpid_notifications_total",
			Help: "Outbound notifications by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	tokensPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "erpid_tokens_purged_total",
		Help: "Expired or consumed tokens removed by the janitor.",
	})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре. Повторные вызовы безопасны.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, tokensIssued, tokensRedeemed, notifications, tokensPurged,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt. outcome is "success" or an error class.
func ObserveLogin(portal, outcome string) {
	loginAttempts.WithLabelValues(portal, outcome).Inc()
}

func ObserveTokenIssued(purpose string) {
	tokensIssued.WithLabelValues(purpose).Inc()
}

func ObserveTokenRedeemed(purpose, outcome string) {
	tokensRedeemed.WithLabelValues(purpose, outcome).Inc()
}

func ObserveNotification(kind, outcome string) {
	notifications.WithLabelValues(kind, outcome).Inc()
}

func ObserveTokensPurged(n int64) {
	if n > 0 {
		tokensPurged.Add(float64(n))
	}
}

// CanonicalPath collapses path parameters so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 3 && parts[0] == "principals" {
		switch parts[2] {
		case "disable", "enable", "resend-invitation":
			return "/principals/:id/" + parts[2]
		}
	}
	if len(parts) == 2 && parts[0] == "principals" {
		return "/principals/:id"
	}
	return path
}

// Обёртка для измерения RPS/latency/в полёте.
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

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
