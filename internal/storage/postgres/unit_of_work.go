package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// UnitOfWork выполняет бизнес-операцию в одной SQL-транзакции.
// Конкурентность разруливается версиями строк: UPDATE ... WHERE version = $n.
type UnitOfWork struct {
	db *sql.DB
}

// NewUnitOfWork создаёт PostgreSQL-реализацию UnitOfWork.
func NewUnitOfWork(store *Store) *UnitOfWork {
	return &UnitOfWork{db: store.DB()}
}

// Do открывает транзакцию READ COMMITTED, вызывает fn и коммитит.
// Ошибка fn, паника или отмена ctx приводят к откату.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	sqlTx, err := u.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		if isRetryableConflict(err) {
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		if isRetryableConflict(err) {
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Product(ctx context.Context, id int64) (domain.Product, error) {
	return loadProduct(ctx, t.tx, id)
}

func (t *pgTx) SaveProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	saved := product.Clone()
	err := t.tx.QueryRowContext(ctx, `
		UPDATE products
		SET name = $3,
			inventory = $4,
			is_deleted = $5,
			promotion_expiry = $6,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`,
		product.ID, product.Version, product.Name, product.Inventory,
		product.IsDeleted, nullableTime(product.PromotionExpiry),
	).Scan(&saved.Version, &saved.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.NewProductConflict(product.ID)
		}
		if isCheckViolation(err) {
			return domain.Product{}, domain.ErrInsufficientInventory
		}
		return domain.Product{}, fmt.Errorf("update product: %w", err)
	}
	saved.UpdatedAt = saved.UpdatedAt.UTC()
	return saved, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	inserted := order.Clone()
	inserted.Version = 1

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO orders (buyer_id, status, version, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4)
		RETURNING id
	`,
		order.BuyerID, string(order.Status), order.CreatedAt.UTC(), nullableTime(order.UpdatedAt),
	).Scan(&inserted.ID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity)
			VALUES ($1, $2, $3)
		`, inserted.ID, item.ProductID, item.Quantity); err != nil {
			if isUniqueViolation(err) {
				return domain.Order{}, domain.ErrDuplicateProduct
			}
			return domain.Order{}, fmt.Errorf("insert order item: %w", err)
		}
	}

	return inserted, nil
}

func (t *pgTx) Order(ctx context.Context, id int64) (domain.Order, error) {
	return loadOrder(ctx, t.tx, id)
}

func (t *pgTx) SaveOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	saved := order.Clone()
	err := t.tx.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $3,
			updated_at = $4,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`,
		order.ID, order.Version, string(order.Status), nullableTime(order.UpdatedAt),
	).Scan(&saved.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.NewOrderConflict(order.ID)
		}
		return domain.Order{}, fmt.Errorf("update order: %w", err)
	}
	return saved, nil
}

func (t *pgTx) AppendAudit(ctx context.Context, change string) error {
	change = strings.TrimSpace(change)
	if change == "" {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO audit_logs (change) VALUES ($1)`, change); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

var (
	_ domain.UnitOfWork = (*UnitOfWork)(nil)
	_ domain.Tx         = (*pgTx)(nil)
)
