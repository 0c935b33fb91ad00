package metrics

import "github.com/prometheus/client_golang/prometheus"

// NotificationMetrics считает доставки уведомлений по sink'ам.
type NotificationMetrics struct {
	deliveries *prometheus.CounterVec
}

// NewNotificationMetrics регистрирует метрики в DefaultRegisterer.
func NewNotificationMetrics() *NotificationMetrics {
	return NewNotificationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewNotificationMetricsWithRegisterer регистрирует метрики в указанном registerer.
func NewNotificationMetricsWithRegisterer(registerer prometheus.Registerer) *NotificationMetrics {
	return &NotificationMetrics{
		deliveries: register(registerer, "orderdesk_notifications_total", prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderdesk_notifications_total",
			Help: "Notification deliveries grouped by sink, kind and result.",
		}, []string{"sink", "kind", "result"})),
	}
}

// RecordDelivery фиксирует попытку доставки одного уведомления в один sink.
func (m *NotificationMetrics) RecordDelivery(sink, kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deliveries.WithLabelValues(sink, kind, result).Inc()
}
