// Package metrics has the prometheus collectors of the replication server and client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_server_commands_total",
			Help: "Sync commands received by the server, by verb and reply status.",
		},
		[]string{
			"command",
			"status", // ok, no, bad
		},
	)
	metricCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_server_command_duration_seconds",
			Help:    "Time spent running a sync command.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 20},
		},
		[]string{
			"command",
		},
	)
	metricConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_server_connections_total",
			Help: "Connections accepted by the server.",
		},
		[]string{
			"tls", // yes, no
		},
	)
	metricActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_server_active_connections",
			Help: "Connections currently open on the server.",
		},
	)
	metricUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_server_uploaded_messages_total",
			Help: "Messages added by UPLOAD, by kind of item.",
		},
		[]string{
			"kind", // uploaded, copied, reserved
		},
	)
	metricUploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_server_uploaded_bytes_total",
			Help: "Message bytes received by UPLOAD.",
		},
	)
	metricReservations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_server_reserved_messages_total",
			Help: "Messages reserved by RESERVE.",
		},
	)
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"mechanism",
			"result", // ok, badcreds, error
		},
	)
	metricUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_client_units_total",
			Help: "Units of work run by the sync client.",
		},
		[]string{
			"kind",   // USER, META, MAILBOX, APPEND, SEEN
			"result", // ok, error
		},
	)
	metricClientMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_client_messages_total",
			Help: "Messages sent by the sync client, by kind of upload.",
		},
		[]string{
			"kind", // uploaded, copied, reserved
		},
	)
)

func CommandObserve(command, status string, start time.Time) {
	metricCommands.WithLabelValues(command, status).Inc()
	metricCommandDuration.WithLabelValues(command).Observe(float64(time.Since(start)) / float64(time.Second))
}

// ConnectionOpened counts a new connection, ConnectionClosed must follow
func ConnectionOpened(tls bool) {
	value := "no"
	if tls {
		value = "yes"
	}
	metricConnections.WithLabelValues(value).Inc()
	metricActiveConnections.Inc()
}

func ConnectionClosed() {
	metricActiveConnections.Dec()
}

func UploadInc(kind string, bytes uint64) {
	metricUploads.WithLabelValues(kind).Inc()
	metricUploadBytes.Add(float64(bytes))
}

func ReservationAdd(count int) {
	metricReservations.Add(float64(count))
}

func AuthenticationInc(mechanism, result string) {
	metricAuthentication.WithLabelValues(mechanism, result).Inc()
}

func UnitInc(kind, result string) {
	metricUnits.WithLabelValues(kind, result).Inc()
}

// ClientMessageAdd counts the messages sent by the client: uploaded, copied, reserved
func ClientMessageAdd(kind string, count int) {
	if count > 0 {
		metricClientMessages.WithLabelValues(kind).Add(float64(count))
	}
}

// Handler serves the collectors in the prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
