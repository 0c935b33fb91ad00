package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

// fakeGroup: sarama.ConsumerGroup, который отдаёт сессии вручную.
type fakeGroup struct {
	consume  func(ctx context.Context, handler sarama.ConsumerGroupHandler) error
	errs     chan error
	closeErr error
	closed   atomic.Bool
	once     sync.Once
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{errs: make(chan error, 4)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	if g.consume != nil {
		return g.consume(ctx, handler)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.once.Do(func() {
		g.closed.Store(true)
		close(g.errs)
	})
	return g.closeErr
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(messages ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, m := range messages {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func auditMessage(offset int64, headers ...*sarama.RecordHeader) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     TopicAudit,
		Partition: 0,
		Offset:    offset,
		Key:       []byte("key"),
		Value:     []byte(`{"change":"Order with ID 1 created"}`),
		Headers:   headers,
	}
}

func retryHeader(n string) *sarama.RecordHeader {
	return &sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(n)}
}

func TestNewConsumer_UnreachableBrokers(t *testing.T) {
	_, err := NewConsumer([]string{"127.0.0.1:1"}, "orderdesk-audit", []string{TopicAudit},
		func(context.Context, *sarama.ConsumerMessage) error { return nil })
	require.Error(t, err)
}

func TestConsumer_RunUntilCancelled(t *testing.T) {
	group := newFakeGroup()
	group.errs <- errors.New("rebalance hiccup")
	consumer := newConsumer(group, []string{TopicAudit}, func(context.Context, *sarama.ConsumerMessage) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	require.True(t, group.closed.Load())
}

func TestConsumer_RunReportsCloseError(t *testing.T) {
	group := newFakeGroup()
	group.closeErr = errors.New("close failed")
	consumer := newConsumer(group, []string{TopicAudit}, func(context.Context, *sarama.ConsumerMessage) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorContains(t, consumer.Run(ctx), "close failed")
}

func TestConsumeClaim_MarksOnlyHandledMessages(t *testing.T) {
	consumer := newConsumer(nil, nil, func(_ context.Context, m *sarama.ConsumerMessage) error {
		if m.Offset == 2 {
			return errors.New("broken")
		}
		return nil
	}, WithMaxAttempts(1))

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, consumer.ConsumeClaim(session, claimOf(auditMessage(1), auditMessage(2), auditMessage(3))))
	require.Equal(t, []int64{1, 3}, session.marked)
}

func TestConsumeClaim_StopsWithSession(t *testing.T) {
	consumer := newConsumer(nil, nil, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(&fakeSession{ctx: ctx}, claim)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim ignored session cancellation")
	}
}

func TestConsumeClaim_ExtractsTraceContext(t *testing.T) {
	useTraceContextPropagator(t)

	var got trace.SpanContext
	consumer := newConsumer(nil, nil, func(ctx context.Context, _ *sarama.ConsumerMessage) error {
		got = trace.SpanContextFromContext(ctx)
		return nil
	})

	msg := auditMessage(1, &sarama.RecordHeader{
		Key:   []byte("traceparent"),
		Value: []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"),
	})
	require.NoError(t, consumer.ConsumeClaim(&fakeSession{ctx: context.Background()}, claimOf(msg)))
	require.True(t, got.IsRemote())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got.TraceID().String())
}

func TestConsumer_ProcessRetriesAndDeadLetters(t *testing.T) {
	failing := func(calls *int) MessageHandler {
		return func(context.Context, *sarama.ConsumerMessage) error {
			*calls++
			return errors.New("audit store down")
		}
	}

	t.Run("succeeds on second attempt", func(t *testing.T) {
		calls := 0
		consumer := newConsumer(nil, nil, func(context.Context, *sarama.ConsumerMessage) error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		}, WithMaxAttempts(3), WithRetryDelay(0))

		require.NoError(t, consumer.process(context.Background(), auditMessage(1)))
		require.Equal(t, 2, calls)
	})

	t.Run("earlier deliveries count towards the limit", func(t *testing.T) {
		calls := 0
		consumer := newConsumer(nil, nil, failing(&calls), WithMaxAttempts(3), WithRetryDelay(0))

		require.Error(t, consumer.process(context.Background(), auditMessage(1, retryHeader("1"))))
		require.Equal(t, 2, calls)
	})

	t.Run("exhausted message still gets one attempt", func(t *testing.T) {
		calls := 0
		consumer := newConsumer(nil, nil, failing(&calls), WithMaxAttempts(3), WithRetryDelay(0))

		require.Error(t, consumer.process(context.Background(), auditMessage(1, retryHeader("7"))))
		require.Equal(t, 1, calls)
	})

	t.Run("dead letter envelope", func(t *testing.T) {
		producer, syncProducer := newTestProducer(t)
		syncProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			require.Equal(t, TopicDeadLetterQueue, msg.Topic)
			headers := producerHeaders{msg: msg}
			require.Equal(t, TopicAudit, headers.Get(HeaderOriginalTopic))
			require.Equal(t, "3", headers.Get(HeaderRetryCount))
			require.Equal(t, fixedNow.Format(time.RFC3339), headers.Get(HeaderFailedAt))

			raw, err := msg.Value.Encode()
			require.NoError(t, err)
			var envelope DLQMessage
			require.NoError(t, json.Unmarshal(raw, &envelope))
			require.Equal(t, int64(42), envelope.OriginalOffset)
			require.Equal(t, "audit store down", envelope.ErrorMessage)
			require.Equal(t, `{"change":"Order with ID 1 created"}`, envelope.OriginalValue)
			return nil
		})

		calls := 0
		consumer := newConsumer(nil, nil, failing(&calls),
			WithDeadLetter(producer), WithMaxAttempts(3), WithRetryDelay(0))

		require.NoError(t, consumer.process(context.Background(), auditMessage(42, retryHeader("2"))))
		require.Equal(t, 1, calls)
		require.NoError(t, syncProducer.Close())
	})

	t.Run("dead letter failure keeps message uncommitted", func(t *testing.T) {
		producer, syncProducer := newTestProducer(t)
		syncProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

		calls := 0
		consumer := newConsumer(nil, nil, failing(&calls), WithDeadLetter(producer), WithMaxAttempts(1))

		require.ErrorIs(t, consumer.process(context.Background(), auditMessage(5)), sarama.ErrOutOfBrokers)
		require.NoError(t, syncProducer.Close())
	})

	t.Run("cancelled while waiting between attempts", func(t *testing.T) {
		calls := 0
		consumer := newConsumer(nil, nil, failing(&calls), WithMaxAttempts(5), WithRetryDelay(time.Hour))

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		require.ErrorIs(t, consumer.process(ctx, auditMessage(1)), context.Canceled)
		require.Equal(t, 1, calls)
	})
}

func TestDeliveryCount(t *testing.T) {
	require.Equal(t, 0, deliveryCount(auditMessage(1)))
	require.Equal(t, 4, deliveryCount(auditMessage(1, nil, retryHeader("4"))))
	require.Equal(t, 0, deliveryCount(auditMessage(1, retryHeader("bad"))))
	require.Equal(t, 0, deliveryCount(auditMessage(1, retryHeader("-3"))))
}

func TestParseEvents(t *testing.T) {
	event, err := ParseAuditEvent(&sarama.ConsumerMessage{
		Value: []byte(`{"change":"Order with ID 1 created","occurred_at":"2026-05-01T12:00:00Z"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "Order with ID 1 created", event.Change)

	notification, err := ParseNotificationEvent(&sarama.ConsumerMessage{
		Value: []byte(`{"id":"n-1","event_type":"OrderCreated","groups":["Sales"],"payload":{"orderId":1}}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, "OrderCreated", notification.EventType)
	require.JSONEq(t, `{"orderId":1}`, string(notification.Payload))

	_, err = ParseAuditEvent(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)
	_, err = ParseNotificationEvent(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)
}
