// Package audit пишет историю изменений заказов: напрямую в репозиторий или через
// Kafka-топик, который читает отдельный консьюмер.
package audit

import (
	"context"
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// RepositorySink пишет записи сразу в AuditRepository.
type RepositorySink struct {
	repo domain.AuditRepository
}

// NewRepositorySink создает sink поверх репозитория.
func NewRepositorySink(repo domain.AuditRepository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// Append добавляет запись. Пустой текст игнорируется.
func (s *RepositorySink) Append(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := s.repo.Append(ctx, text)
	return err
}

var _ domain.AuditSink = (*RepositorySink)(nil)
