package domain

import (
	"context"
	"time"
)

// ProductRepository описывает чтение и заведение товаров вне транзакций размещения.
type ProductRepository interface {
	// Create заводит товар. Используется для начального наполнения и в тестах.
	Create(ctx context.Context, product Product) (Product, error)
	// Get возвращает товар или ErrProductNotFound.
	Get(ctx context.Context, id int64) (Product, error)
	// List возвращает все товары, упорядоченные по ID.
	List(ctx context.Context) ([]Product, error)
}

// OrderRepository описывает чтение заказов.
type OrderRepository interface {
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id int64) (Order, error)
	// ListStale возвращает Pending-заказы, созданные раньше createdBefore и строго после
	// курсора after, упорядоченные по (CreatedAt, ID).
	ListStale(ctx context.Context, createdBefore time.Time, after StaleCursor, limit int) ([]Order, error)
}

// StaleCursor: позиция в выборке ListStale. Нулевое значение означает «с начала».
type StaleCursor struct {
	CreatedAt time.Time
	ID        int64
}

// CursorAfter возвращает курсор, указывающий за order.
func CursorAfter(order Order) StaleCursor {
	return StaleCursor{CreatedAt: order.CreatedAt, ID: order.ID}
}

// Precedes сообщает, идёт ли order в выборке после курсора.
func (c StaleCursor) Precedes(order Order) bool {
	if c.ID == 0 && c.CreatedAt.IsZero() {
		return true
	}
	if !order.CreatedAt.Equal(c.CreatedAt) {
		return order.CreatedAt.After(c.CreatedAt)
	}
	return order.ID > c.ID
}

// AuditRepository хранит записи аудита.
type AuditRepository interface {
	Append(ctx context.Context, change string) (AuditEntry, error)
	// Exists нужен консьюмеру аудита для дедупликации повторно доставленных сообщений.
	Exists(ctx context.Context, change string) (bool, error)
	// List возвращает последние записи, новые первыми.
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
