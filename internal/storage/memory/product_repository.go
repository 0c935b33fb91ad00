package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type productRepositoryInMemory struct {
	store *Store
}

// NewProductRepository возвращает in-memory репозиторий товаров поверх общего Store.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepositoryInMemory{store: store}
}

// Create заводит товар и выдаёт ему следующий ID, если он не задан.
func (r *productRepositoryInMemory) Create(_ context.Context, product domain.Product) (domain.Product, error) {
	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errs[0]
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if product.ID == 0 {
		r.store.nextProductID++
		product.ID = r.store.nextProductID
	} else if product.ID > r.store.nextProductID {
		r.store.nextProductID = product.ID
	}
	if _, exists := r.store.products[product.ID]; exists {
		return domain.Product{}, domain.NewProductConflict(product.ID)
	}

	now := r.store.now()
	product.Version = 1
	product.CreatedAt = now
	product.UpdatedAt = now
	r.store.products[product.ID] = product.Clone()

	return product.Clone(), nil
}

// Get возвращает товар или ErrProductNotFound.
func (r *productRepositoryInMemory) Get(_ context.Context, id int64) (domain.Product, error) {
	return r.store.getProduct(id)
}

// List возвращает товары по возрастанию ID.
func (r *productRepositoryInMemory) List(_ context.Context) ([]domain.Product, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := make([]domain.Product, 0, len(r.store.products))
	for _, product := range r.store.products {
		result = append(result, product.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

var _ domain.ProductRepository = (*productRepositoryInMemory)(nil)
