package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// Store: in-memory хранилище товаров, заказов и аудита для локальной разработки и тестов.
// Транзакции копят изменения у себя и применяются при коммите под write-lock,
// если версии прочитанных строк не изменились (optimistic locking).
type Store struct {
	mu sync.RWMutex

	products map[int64]domain.Product
	orders   map[int64]domain.Order
	audit    []domain.AuditEntry

	nextProductID int64
	nextOrderID   int64
	nextAuditID   int64

	now func() time.Time
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		products: make(map[int64]domain.Product),
		orders:   make(map[int64]domain.Order),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Do выполняет fn в транзакции. Изменения применяются, только если fn вернула nil
// и ctx не отменён к моменту коммита.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := newTx(s)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory tx rolled back: %w", err)
	}

	return s.commit(tx)
}

func (s *Store) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Сначала только проверяем, затем применяем: коммит либо целиком, либо никак.
	for id, staged := range tx.products {
		current, ok := s.products[id]
		if !ok {
			return domain.ErrProductNotFound
		}
		if current.Version != staged.expected {
			return domain.NewProductConflict(id)
		}
		if staged.value.Inventory < 0 {
			return domain.ErrInsufficientInventory
		}
	}
	for id, staged := range tx.orders {
		current, ok := s.orders[id]
		if !ok {
			return domain.ErrOrderNotFound
		}
		if current.Version != staged.expected {
			return domain.NewOrderConflict(id)
		}
	}

	now := s.now()
	for id, staged := range tx.products {
		product := staged.value.Clone()
		product.UpdatedAt = now
		s.products[id] = product
	}
	for id, staged := range tx.orders {
		s.orders[id] = staged.value.Clone()
	}
	for _, order := range tx.inserts {
		s.orders[order.ID] = order.Clone()
	}
	for _, change := range tx.audit {
		s.nextAuditID++
		s.audit = append(s.audit, domain.AuditEntry{
			ID:        s.nextAuditID,
			Change:    change,
			CreatedAt: now,
		})
	}

	return nil
}

func (s *Store) getProduct(id int64) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product.Clone(), nil
}

func (s *Store) getOrder(id int64) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (s *Store) allocateOrderID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOrderID++
	return s.nextOrderID
}

func (s *Store) listStale(createdBefore time.Time, after domain.StaleCursor, limit int) []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range s.orders {
		if order.Status != domain.OrderStatusPending || !order.CreatedAt.Before(createdBefore) || !after.Precedes(order) {
			continue
		}
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ domain.UnitOfWork = (*Store)(nil)
