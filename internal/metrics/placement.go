package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты размещения заказа для label result.
const (
	ResultOK                    = "ok"
	ResultValidation            = "validation"
	ResultForbidden             = "forbidden"
	ResultNotFound              = "not_found"
	ResultInsufficientInventory = "insufficient_inventory"
	ResultConflict              = "conflict"
	ResultError                 = "error"
)

// PlacementMetrics: метрики размещения и завершения заказов.
type PlacementMetrics struct {
	placements   *prometheus.CounterVec
	duration     prometheus.Histogram
	inFlight     prometheus.Gauge
	lowInventory prometheus.Counter
	completions  *prometheus.CounterVec
}

// NewPlacementMetrics регистрирует метрики в DefaultRegisterer.
func NewPlacementMetrics() *PlacementMetrics {
	return NewPlacementMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPlacementMetricsWithRegisterer регистрирует метрики в указанном registerer.
func NewPlacementMetricsWithRegisterer(registerer prometheus.Registerer) *PlacementMetrics {
	return &PlacementMetrics{
		placements: register(registerer, "orderdesk_placement_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderdesk_placement_total",
			Help: "Order placement attempts grouped by result.",
		}, []string{"result"})),
		duration: register(registerer, "orderdesk_placement_duration_seconds", prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderdesk_placement_duration_seconds",
			Help:    "Duration of order placement including the transaction.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		})),
		inFlight: register(registerer, "orderdesk_placement_in_flight", prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderdesk_placement_in_flight",
			Help: "Placements currently running.",
		})),
		lowInventory: register(registerer, "orderdesk_low_inventory_alerts_total", prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderdesk_low_inventory_alerts_total",
			Help: "Low inventory alerts raised after placement.",
		})),
		completions: register(registerer, "orderdesk_order_completions_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderdesk_order_completions_total",
			Help: "Order completion attempts grouped by result.",
		}, []string{"result"})),
	}
}

// PlacementStarted отмечает начало размещения; возвращаемая функция фиксирует результат.
func (m *PlacementMetrics) PlacementStarted() func(result string) {
	if m == nil {
		return func(string) {}
	}
	started := time.Now()
	m.inFlight.Inc()
	return func(result string) {
		m.inFlight.Dec()
		m.placements.WithLabelValues(result).Inc()
		m.duration.Observe(time.Since(started).Seconds())
	}
}

// RecordLowInventory увеличивает счётчик предупреждений об остатке.
func (m *PlacementMetrics) RecordLowInventory() {
	if m == nil {
		return
	}
	m.lowInventory.Inc()
}

// RecordCompletion фиксирует результат перевода заказа в Completed.
func (m *PlacementMetrics) RecordCompletion(result string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(result).Inc()
}
