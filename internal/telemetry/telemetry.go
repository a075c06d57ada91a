// Package telemetry exposes the engine's operational counters and
// gauges in Prometheus format.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autotrade_core/internal/models"
	"autotrade_core/internal/risk"
)

// Metrics implements the pipeline's event sink, counting decisions as
// they happen; slower-moving gauges are refreshed from the status
// summary by the caller.
type Metrics struct {
	registry *prometheus.Registry

	admissions    prometheus.Counter
	rejections    *prometheus.CounterVec
	rebalances    prometheus.Counter
	reconAlerts   prometheus.Counter
	openPositions prometheus.Gauge
	dailyLoss     prometheus.Gauge
	totalExposure prometheus.Gauge
	drawdownPct   prometheus.Gauge
	allocationPct *prometheus.GaugeVec
	layerScore    *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		admissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_admissions_total",
			Help: "Signals approved into orders.",
		}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_rejections_total",
			Help: "Signals rejected, by reason code.",
		}, []string{"reason"}),
		rebalances: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_rebalances_total",
			Help: "Completed allocation rebalances.",
		}),
		reconAlerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_reconciliation_alerts_total",
			Help: "Reservations flagged past the confirmation timeout.",
		}),
		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently reserved positions.",
		}),
		dailyLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_realized_loss_today",
			Help: "Realized loss against the daily budget.",
		}),
		totalExposure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_total_exposure",
			Help: "Capital reserved across open positions.",
		}),
		drawdownPct: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_drawdown_pct",
			Help: "Portfolio drawdown from peak equity, percent.",
		}),
		allocationPct: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_layer_allocation_pct",
			Help: "Capital allocation per layer, percent.",
		}, []string{"layer"}),
		layerScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_layer_score",
			Help: "Latest performance score per layer.",
		}, []string{"layer"}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderApproved(models.ApprovedOrder) {
	m.admissions.Inc()
}

func (m *Metrics) SignalRejected(ev models.RejectionEvent) {
	m.rejections.WithLabelValues(ev.ReasonCode).Inc()
}

func (m *Metrics) RebalanceCompleted(r models.RebalanceReport) {
	m.rebalances.Inc()
	for _, s := range r.Shifts {
		m.allocationPct.WithLabelValues(string(s.Layer)).Set(s.NewPct)
		m.layerScore.WithLabelValues(string(s.Layer)).Set(s.Score)
	}
}

func (m *Metrics) ReconciliationTimeout(risk.Reservation) {
	m.reconAlerts.Inc()
}

// RefreshRiskGauges updates the point-in-time gauges from a risk
// snapshot plus the allocator's drawdown reading.
func (m *Metrics) RefreshRiskGauges(s risk.State, drawdownPct float64) {
	m.openPositions.Set(float64(s.OpenPositions))
	m.totalExposure.Set(s.TotalExposure.InexactFloat64())
	m.dailyLoss.Set(s.RealizedLossToday.InexactFloat64())
	m.drawdownPct.Set(drawdownPct)
}
