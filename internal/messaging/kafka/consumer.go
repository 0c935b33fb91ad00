package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// MessageHandler обрабатывает одно сообщение. Ошибка означает повторную попытку.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetter включает DLQ: сообщение, исчерпавшее попытки, уходит в TopicDeadLetterQueue
// и коммитится.
func WithDeadLetter(producer *Producer) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = producer }
}

// WithMaxAttempts: попыток на сообщение с учётом прошлых доставок (заголовок x-retry-count).
func WithMaxAttempts(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryDelay: пауза между попытками внутри одной доставки.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// Consumer: consumer group с ретраями и DLQ.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler MessageHandler
	logger  *log.Entry

	deadLetter  *Producer
	maxAttempts int
	retryDelay  time.Duration

	wg sync.WaitGroup
}

// NewConsumer подключается к consumer group groupID. Offsets начинаются с самого старого:
// новая группа дочитывает накопившийся аудит.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.ClientID = "orderdesk"
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return newConsumer(group, topics, handler, options...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:       group,
		topics:      topics,
		handler:     handler,
		logger:      log.WithField("component", "kafka-consumer"),
		maxAttempts: 3,
		retryDelay:  200 * time.Millisecond,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Run читает topics до отмены ctx и закрывает группу. Подходит для errgroup.
func (c *Consumer) Run(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume возвращается на каждом rebalance
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.topics, c); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
				c.logger.WithError(err).Error("consume session ended with error")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("consumer group error")
		}
	}()
	c.logger.WithField("topics", c.topics).Info("kafka consumer started")

	<-ctx.Done()
	return c.close()
}

func (c *Consumer) close() error {
	err := c.group.Close()
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim коммитит только обработанные (или отправленные в DLQ) сообщения.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			ctx := otel.GetTextMapPropagator().Extract(session.Context(), consumerHeaders(message.Headers))
			if err := c.process(ctx, message); err != nil {
				c.logger.WithError(err).WithFields(messageFields(message)).
					Error("message left uncommitted, will be redelivered")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// process делает оставшиеся попытки и при неудаче отправляет сообщение в DLQ.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	previous := deliveryCount(message)
	remaining := max(c.maxAttempts-previous, 1)

	var err error
	for attempt := 1; ; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		c.logger.WithError(err).WithFields(messageFields(message)).WithFields(log.Fields{
			"attempt":      previous + attempt,
			"max_attempts": c.maxAttempts,
		}).Warn("message handler failed")

		if attempt >= remaining {
			break
		}
		if c.retryDelay > 0 {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	if c.deadLetter == nil {
		return err
	}
	if dlqErr := c.publishDeadLetter(ctx, message, err, previous+remaining); dlqErr != nil {
		return fmt.Errorf("dead-letter %s/%d/%d: %w", message.Topic, message.Partition, message.Offset, dlqErr)
	}
	c.logger.WithFields(messageFields(message)).Info("message moved to dead letter queue")
	return nil
}

// DLQMessage: конверт, который кладётся в TopicDeadLetterQueue.
type DLQMessage struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

func (c *Consumer) publishDeadLetter(ctx context.Context, message *sarama.ConsumerMessage, cause error, attempts int) error {
	failedAt := c.deadLetter.now().UTC().Format(time.RFC3339)
	return c.deadLetter.Publish(ctx, Record{
		Topic: TopicDeadLetterQueue,
		Key:   string(message.Key),
		Value: DLQMessage{
			OriginalTopic:     message.Topic,
			OriginalPartition: message.Partition,
			OriginalOffset:    message.Offset,
			OriginalKey:       string(message.Key),
			OriginalValue:     string(message.Value),
			ErrorMessage:      cause.Error(),
			FailedAt:          failedAt,
			RetryCount:        attempts,
		},
		Headers: map[string]string{
			HeaderOriginalTopic: message.Topic,
			HeaderErrorMessage:  cause.Error(),
			HeaderFailedAt:      failedAt,
			HeaderRetryCount:    strconv.Itoa(attempts),
		},
	})
}

func messageFields(message *sarama.ConsumerMessage) log.Fields {
	return log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	}
}
