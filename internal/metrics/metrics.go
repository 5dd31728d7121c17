package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"roomchat/internal/apperr"
	"roomchat/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process's Prometheus collectors. It implements
// messaging.Observer.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	fanouts    *prometheus.CounterVec
	recipients prometheus.Histogram
}

// New registers collectors for the pipeline and the live registry.
func New(conns *core.Registry) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "operations_total",
			Help:      "Room and message operations by outcome.",
		}, []string{"op", "outcome"}),
		fanouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "fanout_events_total",
			Help:      "Room broadcasts by event type.",
		}, []string{"type"}),
		recipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "roomchat",
			Name:      "fanout_recipients",
			Help:      "Sessions reached per room broadcast.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		m.operations,
		m.fanouts,
		m.recipients,
	)
	if conns != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "roomchat",
				Name:      "sessions",
				Help:      "Live authenticated sessions.",
			}, func() float64 { return float64(conns.Count()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "roomchat",
				Name:      "events_delivered_total",
				Help:      "Events queued to subscriber sessions.",
			}, func() float64 {
				delivered, _, _ := conns.Totals()
				return float64(delivered)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "roomchat",
				Name:      "events_dropped_total",
				Help:      "Events dropped because a subscriber was slow or gone.",
			}, func() float64 {
				_, dropped, _ := conns.Totals()
				return float64(dropped)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "roomchat",
				Name:      "active_rooms",
				Help:      "Rooms with at least one live subscriber.",
			}, func() float64 { return float64(conns.RoomCount()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "roomchat",
				Name:      "slow_sessions_dropped_total",
				Help:      "Sessions disconnected because their send buffer was full.",
			}, func() float64 { return float64(conns.SlowDrops()) }),
		)
	}
	return m
}

// ObserveOperation counts one operation, labelled by its error kind.
func (m *Metrics) ObserveOperation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// ObserveFanout records one room broadcast.
func (m *Metrics) ObserveFanout(eventType string, recipients int) {
	m.fanouts.WithLabelValues(eventType).Inc()
	m.recipients.Observe(float64(recipients))
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunReporter logs registry stats every interval until ctx is cancelled.
// Quiet intervals are skipped.
func RunReporter(ctx context.Context, conns *core.Registry, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastDelivered, lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			delivered, dropped, sessions := conns.Totals()
			dDelivered, dDropped := delivered-lastDelivered, dropped-lastDropped
			lastDelivered, lastDropped = delivered, dropped
			if sessions > 0 || dDelivered > 0 || dDropped > 0 {
				slog.Info("metrics",
					"sessions", sessions,
					"delivered", dDelivered,
					"dropped", dDropped,
					"delivered_per_sec", float64(dDelivered)/interval.Seconds(),
				)
			}
		}
	}
}
