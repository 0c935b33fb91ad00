package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// Topics для Kafka
const (
	TopicNotifications   = "orderdesk.notifications"
	TopicAudit           = "orderdesk.audit"
	TopicDeadLetterQueue = "orderdesk.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// AuditEvent: запись аудита в топике orderdesk.audit.
type AuditEvent struct {
	Change     string    `json:"change"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NotificationEvent: уведомление в топике orderdesk.notifications.
// Payload остаётся сырым JSON: консьюмеры сами знают схему по event_type.
type NotificationEvent struct {
	ID         string           `json:"id"`
	EventType  domain.EventKind `json:"event_type"`
	Groups     []string         `json:"groups"`
	Payload    json.RawMessage  `json:"payload"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// NewAuditEvent создает событие аудита
func NewAuditEvent(change string) *AuditEvent {
	return &AuditEvent{
		Change:     change,
		OccurredAt: time.Now().UTC(),
	}
}

// ParseAuditEvent парсит AuditEvent из сообщения
func ParseAuditEvent(message *sarama.ConsumerMessage) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit event: %w", err)
	}
	return &event, nil
}

// ParseNotificationEvent парсит NotificationEvent из сообщения
func ParseNotificationEvent(message *sarama.ConsumerMessage) (*NotificationEvent, error) {
	var event NotificationEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification event: %w", err)
	}
	return &event, nil
}
