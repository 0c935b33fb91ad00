package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
	pgSerializationFailed = "40001"
	pgDeadlockDetected    = "40P01"
)

// queryer: общее подмножество *sql.DB и *sql.Tx, чтобы читать строки одинаково
// и в репозиториях, и внутри транзакции.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectProductSQL = `
	SELECT id, name, inventory, is_deleted, promotion_expiry, version, created_at, updated_at
	FROM products
`

const selectOrderSQL = `
	SELECT id, buyer_id, status, version, created_at, updated_at
	FROM orders
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		product   domain.Product
		promotion sql.NullTime
	)
	if err := row.Scan(
		&product.ID, &product.Name, &product.Inventory, &product.IsDeleted,
		&promotion, &product.Version, &product.CreatedAt, &product.UpdatedAt,
	); err != nil {
		return domain.Product{}, err
	}
	if promotion.Valid {
		ts := promotion.Time.UTC()
		product.PromotionExpiry = &ts
	}
	product.CreatedAt = product.CreatedAt.UTC()
	product.UpdatedAt = product.UpdatedAt.UTC()
	return product, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		status    string
		updatedAt sql.NullTime
	)
	if err := row.Scan(&order.ID, &order.BuyerID, &status, &order.Version, &order.CreatedAt, &updatedAt); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	if updatedAt.Valid {
		ts := updatedAt.Time.UTC()
		order.UpdatedAt = &ts
	}
	return order, nil
}

func loadProduct(ctx context.Context, q queryer, id int64) (domain.Product, error) {
	product, err := scanProduct(q.QueryRowContext(ctx, selectProductSQL+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return product, nil
}

func loadOrder(ctx context.Context, q queryer, id int64) (domain.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, selectOrderSQL+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := loadItems(ctx, q, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func loadItems(ctx context.Context, q queryer, orderID int64) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

func nullableTime(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UTC()
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}

func isCheckViolation(err error) bool {
	return pgErrorCode(err) == pgCheckViolation
}

// isRetryableConflict: ошибки, после которых клиент может просто повторить запрос.
func isRetryableConflict(err error) bool {
	switch pgErrorCode(err) {
	case pgSerializationFailed, pgDeadlockDetected:
		return true
	default:
		return false
	}
}
