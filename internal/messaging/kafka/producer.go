package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// Record: одно сообщение для публикации. Value сериализуется в JSON.
type Record struct {
	Topic   string
	Key     string
	Value   any
	Headers map[string]string
}

// Producer публикует JSON-сообщения синхронно: Publish возвращается после ack всех ISR.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// NewProducer подключается к brokers с настройками NewProducerConfig.
func NewProducer(brokers []string) (*Producer, error) {
	sync, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFromSync(sync), nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer (в тестах mocks.SyncProducer).
func NewProducerFromSync(sync sarama.SyncProducer) *Producer {
	return &Producer{
		sync:   sync,
		logger: log.WithField("component", "kafka-producer"),
		now:    time.Now,
	}
}

// NewProducerConfig: идемпотентный producer: acks=all, один in-flight запрос.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = "orderdesk"
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 150 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	return config
}

// Publish отправляет запись и переносит trace context из ctx в заголовки сообщения.
func (p *Producer) Publish(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", rec.Topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     rec.Topic,
		Key:       sarama.StringEncoder(rec.Key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: p.now(),
	}
	carrier := producerHeaders{msg: msg}
	for name, v := range rec.Headers {
		carrier.Set(name, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	fields := log.Fields{"topic": rec.Topic, "key": rec.Key}
	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", rec.Topic, err)
	}

	p.logger.WithFields(fields).WithFields(log.Fields{
		"partition": partition,
		"offset":    offset,
	}).Debug("kafka record sent")
	return nil
}

func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
