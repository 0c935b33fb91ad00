package memory

import (
	"context"
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type stagedProduct struct {
	expected int64
	value    domain.Product
}

type stagedOrder struct {
	expected int64
	value    domain.Order
}

// memoryTx копит изменения до коммита. Читает сначала свои изменения, потом общее состояние.
type memoryTx struct {
	store    *Store
	products map[int64]stagedProduct
	orders   map[int64]stagedOrder
	inserts  []domain.Order
	audit    []string
}

func newTx(store *Store) *memoryTx {
	return &memoryTx{
		store:    store,
		products: make(map[int64]stagedProduct),
		orders:   make(map[int64]stagedOrder),
	}
}

func (t *memoryTx) Product(ctx context.Context, id int64) (domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}
	if staged, ok := t.products[id]; ok {
		return staged.value.Clone(), nil
	}
	return t.store.getProduct(id)
}

func (t *memoryTx) SaveProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}
	if product.Inventory < 0 {
		return domain.Product{}, domain.ErrInsufficientInventory
	}

	expected := product.Version
	if staged, ok := t.products[product.ID]; ok {
		if staged.value.Version != product.Version {
			return domain.Product{}, domain.NewProductConflict(product.ID)
		}
		expected = staged.expected
	}

	saved := product.Clone()
	saved.Version = product.Version + 1
	t.products[product.ID] = stagedProduct{expected: expected, value: saved}
	return saved.Clone(), nil
}

func (t *memoryTx) InsertOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	inserted := order.Clone()
	inserted.ID = t.store.allocateOrderID()
	inserted.Version = 1
	t.inserts = append(t.inserts, inserted)
	return inserted.Clone(), nil
}

func (t *memoryTx) Order(ctx context.Context, id int64) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if staged, ok := t.orders[id]; ok {
		return staged.value.Clone(), nil
	}
	for _, order := range t.inserts {
		if order.ID == id {
			return order.Clone(), nil
		}
	}
	return t.store.getOrder(id)
}

func (t *memoryTx) SaveOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	expected := order.Version
	if staged, ok := t.orders[order.ID]; ok {
		if staged.value.Version != order.Version {
			return domain.Order{}, domain.NewOrderConflict(order.ID)
		}
		expected = staged.expected
	}

	saved := order.Clone()
	saved.Version = order.Version + 1
	t.orders[order.ID] = stagedOrder{expected: expected, value: saved}
	return saved.Clone(), nil
}

func (t *memoryTx) AppendAudit(ctx context.Context, change string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	change = strings.TrimSpace(change)
	if change == "" {
		return nil
	}
	t.audit = append(t.audit, change)
	return nil
}

var _ domain.Tx = (*memoryTx)(nil)
