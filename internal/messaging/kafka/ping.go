package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// PingBrokers возвращает проверку доступности кластера для health-пробы:
// клиент подключается, обновляет метаданные и сразу закрывается.
func PingBrokers(brokers []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("no kafka brokers configured")
		}

		cfg := sarama.NewConfig()
		cfg.ClientID = "orderdesk-health"
		cfg.Metadata.Retry.Max = 0
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left > 0 {
				cfg.Net.DialTimeout = left
				cfg.Net.ReadTimeout = left
				cfg.Net.WriteTimeout = left
			}
		}

		done := make(chan error, 1)
		go func() {
			client, err := sarama.NewClient(brokers, cfg)
			if err != nil {
				done <- err
				return
			}
			defer func() { _ = client.Close() }()
			if len(client.Brokers()) == 0 {
				done <- sarama.ErrOutOfBrokers
				return
			}
			done <- nil
		}()

		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka ping: %w", ctx.Err())
		case err := <-done:
			if err != nil {
				return fmt.Errorf("kafka ping: %w", err)
			}
			return nil
		}
	}
}
