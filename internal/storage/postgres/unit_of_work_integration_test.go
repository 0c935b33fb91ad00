package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

func placeForIntegrationTest(ctx context.Context, uow *UnitOfWork, productID int64, qty int) (domain.Order, error) {
	var placed domain.Order
	err := uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
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
		placed, err = tx.InsertOrder(ctx, domain.Order{
			BuyerID:   "buyer-1",
			Status:    domain.OrderStatusPending,
			Items:     []domain.OrderItem{{ProductID: productID, Quantity: qty}},
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, "order placed")
	})
	return placed, err
}

func TestUnitOfWork_PostgresCommitAndRead(t *testing.T) {
	store := newTestStore(t)
	uow := NewUnitOfWork(store)
	ctx := context.Background()

	product := seedProduct(t, store, "widget", 5)

	order, err := placeForIntegrationTest(ctx, uow, product.ID, 2)
	require.NoError(t, err)
	require.Positive(t, order.ID)
	require.Equal(t, int64(1), order.Version)

	stored, err := NewProductRepository(store).Get(ctx, product.ID)
	require.NoError(t, err)
	require.Equal(t, 3, stored.Inventory)
	require.Equal(t, product.Version+1, stored.Version)

	got, err := NewOrderRepository(store).Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, got.Status)
	require.Equal(t, []domain.OrderItem{{ProductID: product.ID, Quantity: 2}}, got.Items)

	exists, err := NewAuditRepository(store).Exists(ctx, "order placed")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestUnitOfWork_PostgresRollbackOnError(t *testing.T) {
	store := newTestStore(t)
	uow := NewUnitOfWork(store)
	ctx := context.Background()
	product := seedProduct(t, store, "widget", 5)
	boom := errors.New("boom")

	err := uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Product(ctx, product.ID)
		if err != nil {
			return err
		}
		p.Inventory = 0
		if _, err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := NewProductRepository(store).Get(ctx, product.ID)
	require.NoError(t, err)
	require.Equal(t, 5, stored.Inventory)
}

func TestUnitOfWork_PostgresStaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	uow := NewUnitOfWork(store)
	ctx := context.Background()
	product := seedProduct(t, store, "widget", 5)

	stale := product
	stale.Inventory = 4
	_, err := placeForIntegrationTest(ctx, uow, product.ID, 1)
	require.NoError(t, err)

	err = uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.SaveProduct(ctx, stale)
		return err
	})
	require.True(t, domain.IsConcurrencyConflict(err), "expected conflict, got %v", err)
}

func TestUnitOfWork_PostgresCheckConstraintMapsToInsufficientInventory(t *testing.T) {
	store := newTestStore(t)
	uow := NewUnitOfWork(store)
	product := seedProduct(t, store, "widget", 1)

	err := uow.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Product(ctx, product.ID)
		if err != nil {
			return err
		}
		p.Inventory = -1
		_, err = tx.SaveProduct(ctx, p)
		return err
	})
	require.ErrorIs(t, err, domain.ErrInsufficientInventory)
}

func TestUnitOfWork_PostgresLastUnitRace(t *testing.T) {
	store := newTestStore(t)
	uow := NewUnitOfWork(store)
	product := seedProduct(t, store, "widget", 1)

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := placeForIntegrationTest(context.Background(), uow, product.ID, 1)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	stored, err := NewProductRepository(store).Get(context.Background(), product.ID)
	require.NoError(t, err)
	require.Equal(t, 0, stored.Inventory)
}

func TestOrderRepository_PostgresListStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	product := seedProduct(t, store, "widget", 10)
	now := time.Now().UTC().Round(time.Microsecond)

	insert := func(createdAt time.Time) int64 {
		var id int64
		err := NewUnitOfWork(store).Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			order, err := tx.InsertOrder(ctx, domain.Order{
				BuyerID:   "buyer",
				Status:    domain.OrderStatusPending,
				Items:     []domain.OrderItem{{ProductID: product.ID, Quantity: 1}},
				CreatedAt: createdAt,
			})
			id = order.ID
			return err
		})
		require.NoError(t, err)
		return id
	}

	older := insert(now.Add(-50 * time.Minute))
	old := insert(now.Add(-40 * time.Minute))
	insert(now.Add(-5 * time.Minute))

	repo := NewOrderRepository(store)
	stale, err := repo.ListStale(ctx, now.Add(-30*time.Minute), domain.StaleCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	require.Equal(t, older, stale[0].ID)
	require.Equal(t, old, stale[1].ID)
	require.Len(t, stale[0].Items, 1)

	rest, err := repo.ListStale(ctx, now.Add(-30*time.Minute), domain.CursorAfter(stale[0]), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, old, rest[0].ID)
}

func TestIdempotencyRepository_PostgresPutGetAndExpire(t *testing.T) {
	store := newTestStore(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()
	now := time.Now().UTC()

	stored, err := repo.Put(ctx, domain.IdempotencyRecord{
		Key:          "idem-1",
		RequestHash:  "hash-1",
		ResponseBody: []byte(`{"id":1}`),
		HTTPStatus:   200,
		ContentType:  "application/json",
	})
	require.NoError(t, err)
	require.True(t, stored)

	stored, err = repo.Put(ctx, domain.IdempotencyRecord{Key: "idem-1", RequestHash: "hash-2"})
	require.NoError(t, err)
	require.False(t, stored)

	got, err := repo.Get(ctx, "idem-1")
	require.NoError(t, err)
	require.Equal(t, "hash-1", got.RequestHash)
	require.JSONEq(t, `{"id":1}`, string(got.ResponseBody))
	require.Equal(t, "application/json", got.ContentType)

	_, err = repo.Put(ctx, domain.IdempotencyRecord{Key: "idem-old", RequestHash: "h", ExpiresAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = repo.Get(ctx, "idem-old")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	removed, err := repo.DeleteExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestPgErrorClassification(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "22001"}))
	require.True(t, isCheckViolation(&pgconn.PgError{Code: "23514"}))
	require.False(t, isCheckViolation(errors.New("plain error")))
}
