package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderdesk/internal/health"
	"github.com/vladislavdragonenkov/orderdesk/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/audit"
)

// kafkaWiring: то, что сервис получает от Kafka. Нулевое значение значит «Kafka выключена».
type kafkaWiring struct {
	producer *kafka.Producer
	// consumer переносит аудит из топика в хранилище; nil, если group не поднялась.
	consumer *kafka.Consumer
}

// wireKafka подключается к brokers из cfg. Сбой producer выключает Kafka целиком,
// сбой consumer оставляет только уведомления.
func wireKafka(cfg Config, auditRepo domain.AuditRepository, logger *log.Entry) kafkaWiring {
	if len(cfg.KafkaBrokers) == 0 {
		return kafkaWiring{}
	}
	logger = logger.WithField("brokers", cfg.KafkaBrokers)

	producer, err := kafka.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		logger.WithError(err).Warn("kafka producer unavailable, continuing without kafka")
		return kafkaWiring{}
	}
	w := kafkaWiring{producer: producer}

	consumer, err := kafka.NewConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaConsumerGroup,
		[]string{kafka.TopicAudit},
		audit.ConsumerHandler(auditRepo, logger.WithField("component", "audit-consumer")),
		kafka.WithDeadLetter(producer),
		kafka.WithMaxAttempts(cfg.KafkaMaxRetries),
	)
	if err != nil {
		logger.WithError(err).Warn("audit consumer unavailable, audit goes straight to storage")
		return w
	}
	w.consumer = consumer
	logger.WithField("group", cfg.KafkaConsumerGroup).Info("kafka producer and audit consumer ready")
	return w
}

// notificationSinks добавляет Kafka-синк к base, если producer поднят.
func (w kafkaWiring) notificationSinks(base []domain.NotificationSink) []domain.NotificationSink {
	if w.producer == nil {
		return base
	}
	return append(base, kafka.NewNotificationSink(w.producer))
}

// auditSink: топик аудита, если его кто-то читает; иначе прямая запись в fallback.
func (w kafkaWiring) auditSink(fallback domain.AuditRepository) domain.AuditSink {
	if w.consumer == nil {
		return audit.NewRepositorySink(fallback)
	}
	return kafka.NewAuditSink(w.producer)
}

// register добавляет проверку brokers; Kafka некритична для размещения заказов.
func (w kafkaWiring) register(h *healthcheck.Handler, brokers []string) {
	if w.producer != nil {
		h.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", kafka.PingBrokers(brokers)))
	}
}

func (w kafkaWiring) close(logger *log.Entry) {
	if w.producer == nil {
		return
	}
	if err := w.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	}
}
