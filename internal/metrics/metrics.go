// Package metrics holds the Prometheus instruments for the sync engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clipbird"

// Direction labels
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics is the set of engine instruments
type Metrics struct {
	packets        *prometheus.CounterVec
	malformed      prometheus.Counter
	sessions       *prometheus.GaugeVec
	syncs          *prometheus.CounterVec
	discovered     *prometheus.GaugeVec
	hubReconnects  prometheus.Counter
	hubDecryptFail prometheus.Counter
	hubMessages    *prometheus.CounterVec
}

// New creates the instruments and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "packets_total",
				Help:      "Packets sent and received, by type and direction",
			},
			[]string{"type", "direction"},
		),
		malformed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "malformed_packets_total",
				Help:      "Received packets that failed to decode",
			},
		),
		sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Open sessions by host role",
			},
			[]string{"role"},
		),
		syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "clipboards_total",
				Help:      "Clipboard snapshots synchronized, by direction",
			},
			[]string{"direction"},
		),
		discovered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "devices",
				Help:      "Currently discovered devices by transport",
			},
			[]string{"kind"},
		),
		hubReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "reconnects_total",
				Help:      "Scheduled hub reconnect attempts",
			},
		),
		hubDecryptFail: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "decrypt_failures_total",
				Help:      "Relayed clipboard items dropped because they failed to decrypt",
			},
		),
		hubMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "messages_total",
				Help:      "Hub messages by type and direction",
			},
			[]string{"type", "direction"},
		),
	}
	reg.MustRegister(m.packets, m.malformed, m.sessions, m.syncs, m.discovered,
		m.hubReconnects, m.hubDecryptFail, m.hubMessages)
	return m
}

func (m *Metrics) Packet(packetType, direction string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(packetType, direction).Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// SessionOpened and SessionClosed track the active gauge for role
func (m *Metrics) SessionOpened(role string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(role).Inc()
}

func (m *Metrics) SessionClosed(role string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(role).Dec()
}

func (m *Metrics) Sync(direction string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(direction).Inc()
}

// Discovered sets the number of visible devices for a transport kind
func (m *Metrics) Discovered(kind string, n int) {
	if m == nil {
		return
	}
	m.discovered.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) HubReconnect() {
	if m == nil {
		return
	}
	m.hubReconnects.Inc()
}

func (m *Metrics) HubDecryptFailure() {
	if m == nil {
		return
	}
	m.hubDecryptFail.Inc()
}

func (m *Metrics) HubMessage(messageType, direction string) {
	if m == nil {
		return
	}
	m.hubMessages.WithLabelValues(messageType, direction).Inc()
}

// Serve exposes gatherer on addr at /metrics until ctx is cancelled
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
