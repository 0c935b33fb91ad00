package memory

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// orderRepositoryInMemory: чтение заказов из общего Store. Запись идёт только через Tx.
type orderRepositoryInMemory struct {
	store *Store
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepositoryInMemory{store: store}
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id int64) (domain.Order, error) {
	return r.store.getOrder(id)
}

// ListStale возвращает зависшие Pending-заказы после курсора, старые первыми.
func (r *orderRepositoryInMemory) ListStale(ctx context.Context, createdBefore time.Time, after domain.StaleCursor, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.store.listStale(createdBefore, after, limit), nil
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
