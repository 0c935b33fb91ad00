// Package notify рассылает уведомления о событиях заказов после коммита транзакции.
// Доставка best-effort и at-most-once: ошибка sink'а логируется, но не откатывает операцию.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
)

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics подключает счётчики доставок.
func WithMetrics(m *metrics.NotificationMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithRouting переопределяет маршрутизацию поверх DefaultRouting.
func WithRouting(override Routing) Option {
	return func(d *Dispatcher) {
		d.routing = d.routing.Merge(override)
	}
}

// WithClock подменяет источник времени (тесты).
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// Dispatcher раздаёт уведомление всем подключённым sink'ам.
type Dispatcher struct {
	sinks   []domain.NotificationSink
	routing Routing
	logger  *log.Entry
	metrics *metrics.NotificationMetrics
	clock   func() time.Time
}

// NewDispatcher создает Dispatcher. nil-sink'и пропускаются.
func NewDispatcher(sinks []domain.NotificationSink, options ...Option) *Dispatcher {
	d := &Dispatcher{
		routing: DefaultRouting(),
		logger:  log.WithField("component", "notify-dispatcher"),
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, sink := range sinks {
		if sink != nil {
			d.sinks = append(d.sinks, sink)
		}
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// Routing возвращает действующую таблицу маршрутизации.
func (d *Dispatcher) Routing() Routing {
	return d.routing
}

// Publish отправляет уведомление в группы groups через все sink'и.
// Ошибки sink'ов объединяются через errors.Join; остальные sink'и всё равно получают уведомление.
func (d *Dispatcher) Publish(ctx context.Context, kind domain.EventKind, payload any, groups ...string) error {
	if d == nil {
		return nil
	}
	if len(groups) == 0 {
		d.logger.WithField("kind", kind).Debug("notification has no target groups, skipped")
		return nil
	}

	n := domain.Notification{
		ID:         uuid.NewString(),
		Kind:       kind,
		Groups:     append([]string(nil), groups...),
		Payload:    payload,
		OccurredAt: d.clock(),
	}

	var errs []error
	for _, sink := range d.sinks {
		err := sink.Publish(ctx, n)
		d.metrics.RecordDelivery(sink.Name(), string(kind), err)
		if err != nil {
			d.logger.WithError(err).WithFields(log.Fields{
				"sink":            sink.Name(),
				"kind":            kind,
				"notification_id": n.ID,
			}).Warn("не удалось доставить уведомление")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// OrderCreated уведомляет о новом заказе.
func (d *Dispatcher) OrderCreated(ctx context.Context, order domain.Order) error {
	return d.Publish(ctx, domain.EventOrderCreated, domain.OrderCreatedPayload{
		OrderID:   order.ID,
		CreatedAt: order.CreatedAt,
		Status:    order.Status,
		Message:   fmt.Sprintf("Order %d created", order.ID),
	}, d.routing.Groups(domain.EventOrderCreated, order.ID)...)
}

// LowInventory предупреждает склад об остатке ниже порога.
func (d *Dispatcher) LowInventory(ctx context.Context, product domain.Product) error {
	return d.Publish(ctx, domain.EventLowInventory, domain.LowInventoryPayload{
		ProductID:       product.ID,
		ProductName:     product.Name,
		CurrentQuantity: product.Inventory,
		Threshold:       domain.LowInventoryThreshold,
	}, d.routing.Groups(domain.EventLowInventory, 0)...)
}

// OrderCancelled уведомляет об отмене заказа.
func (d *Dispatcher) OrderCancelled(ctx context.Context, orderID int64, reason, cancelledBy string) error {
	return d.Publish(ctx, domain.EventOrderCancelled, domain.OrderCancelledPayload{
		OrderID:     orderID,
		Reason:      reason,
		CancelledBy: cancelledBy,
	}, d.routing.Groups(domain.EventOrderCancelled, orderID)...)
}

// ConcurrencyConflict сообщает, что операция проиграла гонку за строку.
func (d *Dispatcher) ConcurrencyConflict(ctx context.Context, payload domain.ConcurrencyConflictPayload) error {
	return d.Publish(ctx, domain.EventConcurrencyConflict, payload,
		d.routing.Groups(domain.EventConcurrencyConflict, payload.OrderID)...)
}

// OrderStatusChanged уведомляет о ручной смене статуса.
func (d *Dispatcher) OrderStatusChanged(ctx context.Context, orderID int64, oldStatus, newStatus domain.OrderStatus, updatedBy string) error {
	return d.Publish(ctx, domain.EventOrderStatusChanged, domain.OrderStatusChangedPayload{
		OrderID:   orderID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		UpdatedBy: updatedBy,
	}, d.routing.Groups(domain.EventOrderStatusChanged, orderID)...)
}
