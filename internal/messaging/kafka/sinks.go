package kafka

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// NotificationSink публикует уведомления в топик orderdesk.notifications.
// Ключ сообщения — первая группа получателей, чтобы уведомления одной группы шли по порядку.
type NotificationSink struct {
	producer *Producer
	topic    string
}

// NewNotificationSink создает sink поверх producer'а.
func NewNotificationSink(producer *Producer) *NotificationSink {
	return &NotificationSink{producer: producer, topic: TopicNotifications}
}

// Name реализует domain.NotificationSink.
func (s *NotificationSink) Name() string { return "kafka" }

// Publish реализует domain.NotificationSink.
func (s *NotificationSink) Publish(ctx context.Context, n domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	key := n.ID
	if len(n.Groups) > 0 {
		key = n.Groups[0]
	}

	event := NotificationEvent{
		ID:         n.ID,
		EventType:  n.Kind,
		Groups:     n.Groups,
		Payload:    payload,
		OccurredAt: n.OccurredAt,
	}
	return s.producer.Publish(ctx, Record{
		Topic:   s.topic,
		Key:     key,
		Value:   event,
		Headers: map[string]string{HeaderEventType: string(n.Kind)},
	})
}

// AuditSink отправляет записи аудита в топик orderdesk.audit; в базу их пишет консьюмер.
type AuditSink struct {
	producer *Producer
	topic    string
}

// NewAuditSink создает sink поверх producer'а.
func NewAuditSink(producer *Producer) *AuditSink {
	return &AuditSink{producer: producer, topic: TopicAudit}
}

// Append реализует domain.AuditSink.
func (s *AuditSink) Append(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.producer.Publish(ctx, Record{Topic: s.topic, Key: auditKey(text), Value: NewAuditEvent(text)})
}

// auditKey: одинаковый текст попадает в одну партицию, дубли легко отсечь.
func auditKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

var (
	_ domain.NotificationSink = (*NotificationSink)(nil)
	_ domain.AuditSink        = (*AuditSink)(nil)
)
