// Package rabbitmq публикует уведомления в topic exchange RabbitMQ.
// Подписчик привязывает очередь к ключу "<группа>.*" и получает всё, что адресовано группе.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// DefaultExchange: exchange для уведомлений.
const DefaultExchange = "orderdesk.notifications"

// publisher: подмножество *amqp.Channel, которое нужно sink'у.
type publisher interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// NotificationSink отправляет одно сообщение на каждую группу уведомления.
type NotificationSink struct {
	conn     *amqp.Connection
	channel  publisher
	exchange string
	logger   *log.Entry
}

// Dial подключается к брокеру и объявляет durable topic exchange.
func Dial(url, exchange string) (*NotificationSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	sink, err := newNotificationSink(channel, exchange)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	sink.conn = conn
	return sink, nil
}

func newNotificationSink(channel publisher, exchange string) (*NotificationSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := channel.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &NotificationSink{
		channel:  channel,
		exchange: exchange,
		logger:   log.WithField("component", "rabbitmq-notifications"),
	}, nil
}

// Name реализует domain.NotificationSink.
func (s *NotificationSink) Name() string { return "rabbitmq" }

// Publish реализует domain.NotificationSink. Routing key — "<группа>.<тип события>".
func (s *NotificationSink) Publish(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var errs []error
	for _, group := range n.Groups {
		key := RoutingKey(group, n.Kind)
		err := s.channel.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			MessageId:    n.ID,
			Type:         string(n.Kind),
			Timestamp:    n.OccurredAt,
			Body:         body,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", key, err))
			continue
		}
		s.logger.WithFields(log.Fields{"routing_key": key, "notification_id": n.ID}).Debug("notification published")
	}
	return errors.Join(errs...)
}

// Close закрывает канал и соединение.
func (s *NotificationSink) Close() error {
	var errs []error
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

// RoutingKey собирает ключ маршрутизации для группы и типа события.
func RoutingKey(group string, kind domain.EventKind) string {
	return group + "." + string(kind)
}

var _ domain.NotificationSink = (*NotificationSink)(nil)
