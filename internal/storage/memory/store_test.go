package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/memory"
)

func seedProduct(t *testing.T, store *memory.Store, inventory int) domain.Product {
	t.Helper()

	product, err := memory.NewProductRepository(store).Create(context.Background(), domain.Product{
		Name:      "widget",
		Inventory: inventory,
	})
	if err != nil {
		t.Fatalf("seed product failed: %v", err)
	}
	return product
}

func reserve(ctx context.Context, store *memory.Store, productID int64, qty int) error {
	return store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		product, err := tx.Product(ctx, productID)
		if err != nil {
			return err
		}
		if err := product.Reserve(qty); err != nil {
			return err
		}
		if _, err := tx.SaveProduct(ctx, product); err != nil {
			return err
		}
		_, err = tx.InsertOrder(ctx, domain.Order{
			BuyerID:   "buyer-1",
			Status:    domain.OrderStatusPending,
			Items:     []domain.OrderItem{{ProductID: productID, Quantity: qty}},
			CreatedAt: time.Now().UTC(),
		})
		return err
	})
}

func TestStore_CommitAppliesAllChanges(t *testing.T) {
	store := memory.NewStore()
	product := seedProduct(t, store, 5)

	var orderID int64
	err := store.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Product(ctx, product.ID)
		if err != nil {
			return err
		}
		if err := p.Reserve(2); err != nil {
			return err
		}
		if _, err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		order, err := tx.InsertOrder(ctx, domain.Order{
			BuyerID: "buyer-1",
			Status:  domain.OrderStatusPending,
			Items:   []domain.OrderItem{{ProductID: product.ID, Quantity: 2}},
		})
		if err != nil {
			return err
		}
		orderID = order.ID
		return tx.AppendAudit(ctx, "order created")
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	stored, err := memory.NewProductRepository(store).Get(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if stored.Inventory != 3 {
		t.Fatalf("expected inventory 3, got %d", stored.Inventory)
	}
	if stored.Version != product.Version+1 {
		t.Fatalf("expected version %d, got %d", product.Version+1, stored.Version)
	}

	order, err := memory.NewOrderRepository(store).Get(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.Version != 1 || order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order state: %+v", order)
	}

	entries, err := memory.NewAuditRepository(store).List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Change != "order created" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}

func TestStore_ErrorRollsBack(t *testing.T) {
	store := memory.NewStore()
	product := seedProduct(t, store, 5)
	boom := errors.New("boom")

	err := store.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Product(ctx, product.ID)
		if err != nil {
			return err
		}
		p.Inventory = 0
		if _, err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, "should not be visible"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	stored, _ := memory.NewProductRepository(store).Get(context.Background(), product.ID)
	if stored.Inventory != 5 {
		t.Fatalf("expected inventory untouched, got %d", stored.Inventory)
	}
	entries, _ := memory.NewAuditRepository(store).List(context.Background(), 0)
	if len(entries) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(entries))
	}
}

func TestStore_CancelledContextRollsBack(t *testing.T) {
	store := memory.NewStore()
	product := seedProduct(t, store, 5)
	ctx, cancel := context.WithCancel(context.Background())

	err := store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Product(ctx, product.ID)
		if err != nil {
			return err
		}
		p.Inventory = 1
		if _, err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored, _ := memory.NewProductRepository(store).Get(context.Background(), product.ID)
	if stored.Inventory != 5 {
		t.Fatalf("expected inventory untouched, got %d", stored.Inventory)
	}
}

func TestStore_StaleVersionConflicts(t *testing.T) {
	store := memory.NewStore()
	product := seedProduct(t, store, 5)

	err := store.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Product(ctx, product.ID)
		if err != nil {
			return err
		}

		// Параллельная запись успевает закоммититься раньше.
		if err := reserve(ctx, store, product.ID, 1); err != nil {
			t.Fatalf("inner reserve failed: %v", err)
		}

		if err := p.Reserve(1); err != nil {
			return err
		}
		_, err = tx.SaveProduct(ctx, p)
		return err
	})
	if !domain.IsConcurrencyConflict(err) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}

	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.ID != product.ID {
		t.Fatalf("expected ConflictError for product %d, got %v", product.ID, err)
	}

	stored, _ := memory.NewProductRepository(store).Get(context.Background(), product.ID)
	if stored.Inventory != 4 {
		t.Fatalf("expected only inner reservation applied, got inventory %d", stored.Inventory)
	}
}

func TestStore_SaveProductRejectsNegativeInventory(t *testing.T) {
	store := memory.NewStore()
	product := seedProduct(t, store, 1)

	err := store.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Product(ctx, product.ID)
		if err != nil {
			return err
		}
		p.Inventory = -1
		_, err = tx.SaveProduct(ctx, p)
		return err
	})
	if !errors.Is(err, domain.ErrInsufficientInventory) {
		t.Fatalf("expected ErrInsufficientInventory, got %v", err)
	}
}

func TestStore_LastUnitRace(t *testing.T) {
	store := memory.NewStore()
	product := seedProduct(t, store, 1)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := reserve(context.Background(), store, product.ID, 1)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !domain.IsConcurrencyConflict(err) && !errors.Is(err, domain.ErrInsufficientInventory) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one successful reservation, got %d", succeeded)
	}
	stored, _ := memory.NewProductRepository(store).Get(context.Background(), product.ID)
	if stored.Inventory != 0 {
		t.Fatalf("expected inventory 0, got %d", stored.Inventory)
	}
}

func TestStore_SaveOrderTransition(t *testing.T) {
	store := memory.NewStore()
	product := seedProduct(t, store, 3)
	if err := reserve(context.Background(), store, product.ID, 1); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	err := store.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.Order(ctx, 1)
		if err != nil {
			return err
		}
		if err := order.Transition(domain.OrderStatusCompleted, time.Now()); err != nil {
			return err
		}
		_, err = tx.SaveOrder(ctx, order)
		return err
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	order, err := memory.NewOrderRepository(store).Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.Status != domain.OrderStatusCompleted || order.Version != 2 || order.UpdatedAt == nil {
		t.Fatalf("unexpected order after transition: %+v", order)
	}
}
