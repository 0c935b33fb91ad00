package kafka

import (
	"strconv"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/propagation"
)

// producerHeaders и consumerHeaders позволяют otel-пропагатору писать и читать
// traceparent/baggage прямо в заголовках Kafka.
type producerHeaders struct {
	msg *sarama.ProducerMessage
}

func (h producerHeaders) Get(key string) string {
	for _, header := range h.msg.Headers {
		if string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}

func (h producerHeaders) Set(key, value string) {
	for i, header := range h.msg.Headers {
		if string(header.Key) == key {
			h.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	h.msg.Headers = append(h.msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (h producerHeaders) Keys() []string {
	keys := make([]string, 0, len(h.msg.Headers))
	for _, header := range h.msg.Headers {
		keys = append(keys, string(header.Key))
	}
	return keys
}

type consumerHeaders []*sarama.RecordHeader

func (h consumerHeaders) Get(key string) string {
	for _, header := range h {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}

// Set не нужен на стороне чтения.
func (h consumerHeaders) Set(string, string) {}

func (h consumerHeaders) Keys() []string {
	keys := make([]string, 0, len(h))
	for _, header := range h {
		if header != nil {
			keys = append(keys, string(header.Key))
		}
	}
	return keys
}

// deliveryCount: сколько попыток обработки уже было у сообщения до текущей доставки.
func deliveryCount(message *sarama.ConsumerMessage) int {
	count, err := strconv.Atoi(consumerHeaders(message.Headers).Get(HeaderRetryCount))
	if err != nil || count < 0 {
		return 0
	}
	return count
}

var (
	_ propagation.TextMapCarrier = producerHeaders{}
	_ propagation.TextMapCarrier = consumerHeaders(nil)
)
