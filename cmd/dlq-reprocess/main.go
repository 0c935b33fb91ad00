// dlq-reprocess переносит сообщения из orderdesk.dlq обратно в исходные топики.
// По умолчанию работает в dry-run и только печатает кандидатов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/messaging/kafka"
)

const (
	envKafkaBrokers = "ORDERDESK_KAFKA_BROKERS"

	// headerReplayedFrom: откуда сообщение было переотправлено: "<dlq topic>/<partition>/<offset>".
	headerReplayedFrom = "x-replayed-from"
)

var errNotDeadLetter = errors.New("not a dead letter envelope")

type config struct {
	brokers     []string
	sourceTopic string
	fallback    string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	cfg := config{}
	var brokers string

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&cfg.fallback, "target-topic", kafka.TopicAudit, "topic for envelopes without original_topic")
	fs.IntVar(&cfg.limit, "limit", 100, "max messages to scan across all partitions")
	fs.BoolVar(&cfg.execute, "execute", false, "publish messages; without it only a dry-run report is printed")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest <limit> messages of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 2*time.Second, "stop reading a partition after this much silence")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(envKafkaBrokers)
	}
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.brokers = append(cfg.brokers, broker)
		}
	}
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.fallback = strings.TrimSpace(cfg.fallback)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.fallback == "":
		return config{}, errors.New("target-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

// offsetReader: часть sarama.Client, нужная для границ партиций.
type offsetReader interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type streamOpener func(topic string, partition int32, offset int64) (partitionStream, error)

type summary struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *summary) add(other summary) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

type replayer struct {
	cfg       config
	offsets   offsetReader
	open      streamOpener
	publisher *kafka.Producer
	logger    *log.Entry
}

// Run обходит партиции по возрастанию номера, пока не исчерпан лимит.
func (r *replayer) Run(ctx context.Context) (summary, error) {
	var total summary
	if r.cfg.execute && r.publisher == nil {
		return total, errors.New("execute mode needs a producer")
	}

	partitions, err := r.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		part, err := r.drainPartition(ctx, partition, budget)
		total.add(part)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// drainPartition читает партицию до high watermark на момент старта, budget сообщений
// или idle-timeout, смотря что наступит раньше.
func (r *replayer) drainPartition(ctx context.Context, partition int32, budget int) (summary, error) {
	var part summary

	oldest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return part, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return part, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return part, nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(budget), oldest)
	}
	stream, err := r.open(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return part, fmt.Errorf("open partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	errs := stream.Errors()
	for part.scanned < budget {
		select {
		case <-ctx.Done():
			return part, ctx.Err()
		case <-idle.C:
			return part, nil
		case consumerErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if consumerErr != nil {
				return part, fmt.Errorf("read partition %d: %w", partition, consumerErr)
			}
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return part, nil
			}
			idle.Reset(r.cfg.idleTimeout)
			part.scanned++

			if err := r.replay(ctx, msg); err != nil {
				if errors.Is(err, errPublish) {
					return part, err
				}
				part.skipped++
				r.logger.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("dlq message skipped")
			} else {
				part.replayed++
			}

			if msg.Offset+1 >= newest {
				return part, nil
			}
		}
	}
	return part, nil
}

var errPublish = errors.New("publish replayed message")

func (r *replayer) replay(ctx context.Context, msg *sarama.ConsumerMessage) error {
	record, err := decodeDeadLetter(msg, r.cfg.fallback)
	if err != nil {
		return err
	}
	fields := log.Fields{
		"partition":    msg.Partition,
		"offset":       msg.Offset,
		"target_topic": record.Topic,
		"key":          record.Key,
	}
	if !r.cfg.execute {
		r.logger.WithFields(fields).Info("dry-run: would replay")
		return nil
	}
	if err := r.publisher.Publish(ctx, record); err != nil {
		return fmt.Errorf("%w: %w", errPublish, err)
	}
	r.logger.WithFields(fields).Debug("replayed")
	return nil
}

// decodeDeadLetter восстанавливает исходную запись из DLQ-конверта. Счётчик попыток
// не переносится: после переотправки consumer снова делает полный набор попыток.
func decodeDeadLetter(msg *sarama.ConsumerMessage, fallback string) (kafka.Record, error) {
	var envelope kafka.DLQMessage
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || envelope.OriginalValue == "" {
		return kafka.Record{}, errNotDeadLetter
	}

	topic := strings.TrimSpace(envelope.OriginalTopic)
	if topic == "" {
		topic = fallback
	}
	value := json.RawMessage(envelope.OriginalValue)
	if err := checkReplayable(topic, value); err != nil {
		return kafka.Record{}, fmt.Errorf("%s record cannot be replayed: %w", topic, err)
	}

	return kafka.Record{
		Topic: topic,
		Key:   envelope.OriginalKey,
		Value: value,
		Headers: map[string]string{
			headerReplayedFrom: msg.Topic + "/" + strconv.Itoa(int(msg.Partition)) + "/" + strconv.FormatInt(msg.Offset, 10),
		},
	}, nil
}

// checkReplayable отсекает записи, которые consumer гарантированно отвергнет снова.
func checkReplayable(topic string, value []byte) error {
	if !json.Valid(value) {
		return errors.New("original value is not json")
	}
	original := &sarama.ConsumerMessage{Topic: topic, Value: value}
	switch topic {
	case kafka.TopicAudit:
		event, err := kafka.ParseAuditEvent(original)
		if err != nil {
			return err
		}
		if strings.TrimSpace(event.Change) == "" {
			return errors.New("audit event has no change text")
		}
	case kafka.TopicNotifications:
		event, err := kafka.ParseNotificationEvent(original)
		if err != nil {
			return err
		}
		if event.EventType == "" {
			return errors.New("notification has no event_type")
		}
	}
	return nil
}

// connect поднимает sarama client/consumer и, в execute-режиме, producer.
func connect(cfg config) (*replayer, func(), error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = "orderdesk-dlq-reprocess"
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("create partition consumer: %w", err)
	}

	r := &replayer{
		cfg:     cfg,
		offsets: client,
		open: func(topic string, partition int32, offset int64) (partitionStream, error) {
			pc, err := consumer.ConsumePartition(topic, partition, offset)
			if err != nil {
				return nil, err
			}
			return pc, nil
		},
		logger: log.WithField("component", "dlq-reprocess"),
	}
	closers := []func() error{client.Close, consumer.Close}

	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers)
		if err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, nil, err
		}
		r.publisher = producer
		closers = append(closers, producer.Close)
	}

	return r, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}, nil
}

func report(out io.Writer, cfg config, s summary) {
	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	fmt.Fprintf(out, "dlq %s: scanned=%d replayed=%d skipped=%d\n", mode, s.scanned, s.replayed, s.skipped)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, closeAll, err := connect(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer closeAll()

	s, err := r.Run(ctx)
	report(os.Stdout, cfg, s)
	if err != nil {
		closeAll()
		fail("dlq replay failed: %v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
