package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session and shell metrics
var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boltshell_sessions_active",
			Help: "Number of registered shell sessions, primary included",
		},
	)

	ShellSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltshell_shell_spawns_total",
			Help: "Total shell process spawns",
		},
		[]string{"status"},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltshell_executions_total",
			Help: "Total command executions by result",
		},
		[]string{"result"},
	)

	ExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "boltshell_exec_duration_seconds",
			Help:    "Time from writing a command to its prompt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0},
		},
	)

	InterruptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "boltshell_interrupts_total",
			Help: "Executions interrupted by a newer command",
		},
	)

	TerminalsAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boltshell_terminals_attached",
			Help: "Number of attached terminal surfaces",
		},
	)
)

// Stream metrics
var (
	StreamActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltshell_stream_actions_total",
			Help: "Actions extracted from completion streams",
		},
		[]string{"kind", "status"},
	)

	FileWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltshell_file_writes_total",
			Help: "Workspace file writes",
		},
		[]string{"source", "result"},
	)

	CommandTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "boltshell_command_timeouts_total",
			Help: "Extracted shell commands that exceeded their budget",
		},
	)

	ChatStreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltshell_chat_streams_total",
			Help: "Completion streams by outcome",
		},
		[]string{"result"},
	)

	JournalBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "boltshell_journal_unsynced_events",
			Help: "Journal events not yet published to NATS",
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltshell_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boltshell_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boltshell_auth_attempts_total",
			Help: "Total auth attempts",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		ShellSpawnsTotal,
		ExecutionsTotal,
		ExecDuration,
		InterruptsTotal,
		TerminalsAttached,
		StreamActionsTotal,
		FileWritesTotal,
		CommandTimeoutsTotal,
		ChatStreamsTotal,
		JournalBacklog,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthAttemptsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, c.Path()).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
