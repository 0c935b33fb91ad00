package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	syncProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(syncProducer)
	producer.now = func() time.Time { return fixedNow }
	return producer, syncProducer
}

func useTraceContextPropagator(t *testing.T) {
	t.Helper()
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })
}

func TestProducer_PublishEncodesRecord(t *testing.T) {
	producer, syncProducer := newTestProducer(t)

	syncProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		require.Equal(t, TopicNotifications, msg.Topic)
		require.Equal(t, fixedNow, msg.Timestamp)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		require.Equal(t, "InventoryManager", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		require.JSONEq(t, `{"productId":1}`, string(value))

		require.Equal(t, "LowInventory", producerHeaders{msg: msg}.Get(HeaderEventType))
		return nil
	})

	require.NoError(t, producer.Publish(context.Background(), Record{
		Topic:   TopicNotifications,
		Key:     "InventoryManager",
		Value:   map[string]int{"productId": 1},
		Headers: map[string]string{HeaderEventType: "LowInventory"},
	}))
	require.NoError(t, syncProducer.Close())
}

func TestProducer_PublishInjectsTraceParent(t *testing.T) {
	useTraceContextPropagator(t)
	producer, syncProducer := newTestProducer(t)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	syncProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		require.Equal(t,
			"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			producerHeaders{msg: msg}.Get("traceparent"))
		return nil
	})

	require.NoError(t, producer.Publish(ctx, Record{Topic: TopicAudit, Key: "k", Value: NewAuditEvent("x")}))
	require.NoError(t, syncProducer.Close())
}

func TestProducer_PublishErrors(t *testing.T) {
	t.Run("send failure", func(t *testing.T) {
		producer, syncProducer := newTestProducer(t)
		syncProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

		err := producer.Publish(context.Background(), Record{Topic: TopicAudit, Key: "k", Value: NewAuditEvent("x")})
		require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
		require.NoError(t, syncProducer.Close())
	})

	t.Run("unencodable value", func(t *testing.T) {
		producer, syncProducer := newTestProducer(t)

		err := producer.Publish(context.Background(), Record{Topic: TopicAudit, Value: make(chan int)})
		var unsupported *json.UnsupportedTypeError
		require.ErrorAs(t, err, &unsupported)
		require.NoError(t, syncProducer.Close())
	})
}

func TestProducerHeaders_SetOverwrites(t *testing.T) {
	msg := &sarama.ProducerMessage{}
	headers := producerHeaders{msg: msg}

	headers.Set(HeaderRetryCount, "1")
	headers.Set(HeaderRetryCount, "2")
	headers.Set(HeaderEventType, "OrderCreated")

	require.Len(t, msg.Headers, 2)
	require.Equal(t, "2", headers.Get(HeaderRetryCount))
	require.ElementsMatch(t, []string{HeaderRetryCount, HeaderEventType}, headers.Keys())
	require.Empty(t, headers.Get("missing"))
}

func TestNewProducerConfig(t *testing.T) {
	config := NewProducerConfig()

	require.True(t, config.Producer.Idempotent)
	require.Equal(t, 1, config.Net.MaxOpenRequests)
	require.Equal(t, sarama.WaitForAll, config.Producer.RequiredAcks)
	require.True(t, config.Producer.Return.Successes)
	require.NoError(t, config.Validate())
}
