// Package metrics holds the Prometheus collectors shared by drones and the
// ground station. Every process builds one Metrics and hands it to the
// components it runs; simulated swarms share one and are split by the node
// label.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rf24drone"

// Drop reasons.
const (
	DropSizeMismatch = "size_mismatch"
	DropUnhandled    = "unhandled"
	DropStale        = "stale"
	DropNotAddressed = "not_addressed"
)

type Metrics struct {
	Registry *prometheus.Registry

	FramesSent     *prometheus.CounterVec // node, tag, result
	FramesReceived *prometheus.CounterVec // node, tag
	FramesDropped  *prometheus.CounterVec // node, reason
	Grants         *prometheus.CounterVec // node
	RoleChanges    *prometheus.CounterVec // node, role
	Telemetry      *prometheus.CounterVec // node
	Joins          *prometheus.CounterVec // node

	LinkQuality *prometheus.GaugeVec // node
	Role        *prometheus.GaugeVec // node

	start time.Time
}

// New builds a Metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		start:    time.Now(),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the radio, by tag and ack result.",
		}, []string{"node", "tag", "result"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the radio, by tag.",
		}, []string{"node", "tag"}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded without a handler running.",
		}, []string{"node", "reason"}),

		Grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_grants_total",
			Help:      "PermissionToSend tokens issued by a leader.",
		}, []string{"node"}),

		RoleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_changes_total",
			Help:      "Role transitions, labeled by the new role.",
		}, []string{"node", "role"}),

		Telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_records_total",
			Help:      "Telemetry frames recorded by a leader or ground station.",
		}, []string{"node"}),

		Joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "JoinResponses issued by a ground station.",
		}, []string{"node"}),

		LinkQuality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_quality_percent",
			Help:      "100 * (1 - failed/total) over all sends.",
		}, []string{"node"}),

		Role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role",
			Help:      "Current role: 0 unjoined, 1 follower, 2 leader.",
		}, []string{"node"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(m.start).Seconds() })

	m.Registry.MustRegister(
		m.FramesSent, m.FramesReceived, m.FramesDropped,
		m.Grants, m.RoleChanges, m.Telemetry, m.Joins,
		m.LinkQuality, m.Role, uptime,
	)
	return m
}

// Handler exposes the registry. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics listener on addr until it fails.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
