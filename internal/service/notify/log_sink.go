package notify

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// LogSink пишет уведомления в лог. Используется, когда транспорт не настроен.
type LogSink struct {
	logger *log.Entry
}

// NewLogSink создает LogSink.
func NewLogSink(logger *log.Entry) *LogSink {
	if logger == nil {
		logger = log.WithField("component", "notify-log-sink")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, n domain.Notification) error {
	s.logger.WithFields(log.Fields{
		"notification_id": n.ID,
		"kind":            n.Kind,
		"groups":          n.Groups,
	}).Info("notification")
	return nil
}

var _ domain.NotificationSink = (*LogSink)(nil)
