package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/messaging/kafka"
)

var consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "orderdesk_audit_consumed_total",
	Help: "Audit messages consumed from Kafka grouped by result.",
}, []string{"result"})

// ConsumerHandler возвращает обработчик сообщений топика аудита.
// Доставка at-least-once, поэтому запись с уже существующим текстом пропускается.
func ConsumerHandler(repo domain.AuditRepository, logger *log.Entry) kafka.MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "audit-consumer")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := kafka.ParseAuditEvent(message)
		if err != nil {
			consumedTotal.WithLabelValues("invalid").Inc()
			return err
		}

		change := strings.TrimSpace(event.Change)
		if change == "" {
			consumedTotal.WithLabelValues("empty").Inc()
			return nil
		}

		exists, err := repo.Exists(ctx, change)
		if err != nil {
			consumedTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("check audit entry: %w", err)
		}
		if exists {
			consumedTotal.WithLabelValues("duplicate").Inc()
			logger.WithField("change", change).Debug("audit entry already stored, skipped")
			return nil
		}

		if _, err := repo.Append(ctx, change); err != nil {
			consumedTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("append audit entry: %w", err)
		}
		consumedTotal.WithLabelValues("stored").Inc()
		return nil
	}
}
