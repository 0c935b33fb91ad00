package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию ProductRepository.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errs[0]
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row *sql.Row
	if product.ID > 0 {
		row = r.db.QueryRowContext(ctx, `
			INSERT INTO products (id, name, inventory, is_deleted, promotion_expiry, version)
			VALUES ($1, $2, $3, $4, $5, 1)
			RETURNING id, name, inventory, is_deleted, promotion_expiry, version, created_at, updated_at
		`, product.ID, product.Name, product.Inventory, product.IsDeleted, nullableTime(product.PromotionExpiry))
	} else {
		row = r.db.QueryRowContext(ctx, `
			INSERT INTO products (name, inventory, is_deleted, promotion_expiry, version)
			VALUES ($1, $2, $3, $4, 1)
			RETURNING id, name, inventory, is_deleted, promotion_expiry, version, created_at, updated_at
		`, product.Name, product.Inventory, product.IsDeleted, nullableTime(product.PromotionExpiry))
	}

	created, err := scanProduct(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, domain.NewProductConflict(product.ID)
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return created, nil
}

func (r *productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return loadProduct(ctx, r.db, id)
}

func (r *productRepository) List(ctx context.Context) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, selectProductSQL+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Product, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		result = append(result, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return result, nil
}

var _ domain.ProductRepository = (*productRepository)(nil)
