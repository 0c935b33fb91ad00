package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// idempotencyRepository держит ответы в map процесса. Несколько инстансов
// сервиса так не поделят ключи: для этого есть redis и postgres.
type idempotencyRepository struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepository{
		records: map[string]domain.IdempotencyRecord{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *idempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok && !rec.Expired(r.now()) {
		return rec.Clone(), nil
	}
	return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
}

// Put сохраняет запись, если ключ свободен или его прежняя запись истекла.
func (r *idempotencyRepository) Put(_ context.Context, record domain.IdempotencyRecord) (bool, error) {
	now := r.now()
	rec, err := record.Prepared(now)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.records[rec.Key]; ok && !held.Expired(now) {
		return false, nil
	}
	r.records[rec.Key] = rec
	return true, nil
}

// DeleteExpired удаляет до limit записей, самые старые первыми; limit <= 0 снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.IdempotencyRecord
	for _, rec := range r.records {
		if rec.Expired(before) {
			expired = append(expired, rec)
		}
	}
	slices.SortFunc(expired, func(a, b domain.IdempotencyRecord) int {
		return cmp.Or(a.ExpiresAt.Compare(b.ExpiresAt), cmp.Compare(a.Key, b.Key))
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(r.records, rec.Key)
	}
	return len(expired), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
