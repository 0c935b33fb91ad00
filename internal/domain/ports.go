package domain

import (
	"context"
	"time"
)

// UnitOfWork выполняет fn атомарно. Ошибка, паника или отмена ctx откатывают все изменения.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx: операции, доступные внутри одной транзакции.
type Tx interface {
	// Product читает товар; ErrProductNotFound, если его нет.
	Product(ctx context.Context, id int64) (Product, error)
	// SaveProduct записывает товар, если его Version не изменилась с момента чтения.
	// Иначе ErrConcurrencyConflict. Возвращает товар с новой версией.
	SaveProduct(ctx context.Context, product Product) (Product, error)
	// InsertOrder создаёт заказ вместе с позициями и присваивает ему ID.
	InsertOrder(ctx context.Context, order Order) (Order, error)
	// Order читает заказ; ErrOrderNotFound, если его нет.
	Order(ctx context.Context, id int64) (Order, error)
	// SaveOrder обновляет статус заказа с проверкой Version.
	SaveOrder(ctx context.Context, order Order) (Order, error)
	// AppendAudit добавляет запись аудита в той же транзакции.
	AppendAudit(ctx context.Context, change string) error
}

// IdempotencyRepository хранит ответы по idempotency-key.
type IdempotencyRepository interface {
	// Get возвращает действующую запись или ErrIdempotencyKeyNotFound.
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	// Put сохраняет запись, только если по ключу ещё нет действующей. stored=false, если ключ занят.
	Put(ctx context.Context, record IdempotencyRecord) (stored bool, err error)
	// DeleteExpired удаляет до limit записей с ExpiresAt <= before.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// AuditSink принимает записи истории; хранение и чтение — забота реализации.
type AuditSink interface {
	Append(ctx context.Context, text string) error
}

// NotificationSink доставляет уведомление подписчикам групп. Доставка at-most-once.
type NotificationSink interface {
	Name() string
	Publish(ctx context.Context, n Notification) error
}
