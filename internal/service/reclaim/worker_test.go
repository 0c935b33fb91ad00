package reclaim_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/placement"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/reclaim"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/memory"
)

type cancellation struct {
	orderID     int64
	reason      string
	cancelledBy string
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []cancellation
	fail bool
}

func (n *recordingNotifier) OrderCancelled(_ context.Context, orderID int64, reason, cancelledBy string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, cancellation{orderID: orderID, reason: reason, cancelledBy: cancelledBy})
	if n.fail {
		return errors.New("hub is down")
	}
	return nil
}

func (n *recordingNotifier) cancellations() []cancellation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]cancellation(nil), n.got...)
}

type fixture struct {
	store    *memory.Store
	products domain.ProductRepository
	orders   domain.OrderRepository
	audit    domain.AuditRepository
	placedAt time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	return &fixture{
		store:    store,
		products: memory.NewProductRepository(store),
		orders:   memory.NewOrderRepository(store),
		audit:    memory.NewAuditRepository(store),
		placedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) seed(t *testing.T, inventory int) domain.Product {
	t.Helper()
	product, err := f.products.Create(context.Background(), domain.Product{Name: "widget", Inventory: inventory})
	require.NoError(t, err)
	return product
}

func (f *fixture) place(t *testing.T, productID int64, qty int) domain.Order {
	t.Helper()
	service := placement.NewService(f.store, f.orders, placement.WithClock(func() time.Time { return f.placedAt }))
	order, err := service.PlaceOrder(context.Background(),
		domain.Caller{UserID: "buyer-1", Roles: []string{domain.RoleBuyer}},
		placement.PlaceOrderRequest{Items: []placement.ItemRequest{{ProductID: productID, Quantity: qty}}},
	)
	require.NoError(t, err)
	return order
}

func (f *fixture) inventory(t *testing.T, id int64) int {
	t.Helper()
	product, err := f.products.Get(context.Background(), id)
	require.NoError(t, err)
	return product.Inventory
}

func TestSweepOnce_ReclaimsOnlyAfterThreshold(t *testing.T) {
	f := newFixture(t)
	product := f.seed(t, 5)
	order := f.place(t, product.ID, 2)
	require.Equal(t, 3, f.inventory(t, product.ID))

	notifier := &recordingNotifier{}
	worker := reclaim.NewWorker(f.store, f.orders, reclaim.WithNotifier(notifier))

	result, err := worker.SweepOnce(context.Background(), f.placedAt.Add(29*time.Minute))
	require.NoError(t, err)
	require.Equal(t, reclaim.SweepResult{}, result)
	require.Equal(t, 3, f.inventory(t, product.ID))

	// ровно на пороге заказ ещё не устарел
	result, err = worker.SweepOnce(context.Background(), f.placedAt.Add(30*time.Minute))
	require.NoError(t, err)
	require.Zero(t, result.Reclaimed)

	sweepAt := f.placedAt.Add(31 * time.Minute)
	result, err = worker.SweepOnce(context.Background(), sweepAt)
	require.NoError(t, err)
	require.Equal(t, reclaim.SweepResult{Candidates: 1, Reclaimed: 1}, result)

	require.Equal(t, 5, f.inventory(t, product.ID))
	stored, err := f.orders.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, stored.Status)
	require.NotNil(t, stored.UpdatedAt)
	require.Equal(t, sweepAt, *stored.UpdatedAt)

	exists, err := f.audit.Exists(context.Background(), "Order 1 auto-cancelled by worker at 2026-05-01T12:31:00Z")
	require.NoError(t, err)
	require.True(t, exists)

	require.Equal(t, []cancellation{{orderID: order.ID, reason: "stale", cancelledBy: "system"}}, notifier.cancellations())

	// повторный проход ничего не трогает
	result, err = worker.SweepOnce(context.Background(), sweepAt.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, result.Candidates)
	require.Equal(t, 5, f.inventory(t, product.ID))
}

func TestSweepOnce_CompletedOrdersAreIgnored(t *testing.T) {
	f := newFixture(t)
	product := f.seed(t, 5)
	order := f.place(t, product.ID, 1)

	service := placement.NewService(f.store, f.orders)
	_, err := service.CompleteOrder(context.Background(), domain.Caller{UserID: "admin", Roles: []string{domain.RoleAdmin}}, order.ID)
	require.NoError(t, err)

	worker := reclaim.NewWorker(f.store, f.orders)
	result, err := worker.SweepOnce(context.Background(), f.placedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, result.Candidates)
	require.Equal(t, 4, f.inventory(t, product.ID))
}

// staleSnapshot отдаёт заказы такими, какими они были при выборке.
type staleSnapshot struct {
	domain.OrderRepository
	orders []domain.Order
}

func (s staleSnapshot) ListStale(_ context.Context, _ time.Time, after domain.StaleCursor, _ int) ([]domain.Order, error) {
	if after != (domain.StaleCursor{}) {
		return nil, nil
	}
	return s.orders, nil
}

func TestSweepOnce_SkipsOrderChangedAfterListing(t *testing.T) {
	f := newFixture(t)
	product := f.seed(t, 5)
	order := f.place(t, product.ID, 2)

	snapshot, err := f.orders.Get(context.Background(), order.ID)
	require.NoError(t, err)

	service := placement.NewService(f.store, f.orders)
	_, err = service.CompleteOrder(context.Background(), domain.Caller{UserID: "admin", Roles: []string{domain.RoleAdmin}}, order.ID)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	worker := reclaim.NewWorker(f.store, staleSnapshot{OrderRepository: f.orders, orders: []domain.Order{snapshot}},
		reclaim.WithNotifier(notifier))

	result, err := worker.SweepOnce(context.Background(), f.placedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, reclaim.SweepResult{Candidates: 1, Skipped: 1}, result)
	require.Equal(t, 3, f.inventory(t, product.ID))
	require.Empty(t, notifier.cancellations())
}

// lockedRows отдаёт ошибку при чтении выбранных заказов внутри транзакции.
type lockedRows struct {
	domain.UnitOfWork
	locked map[int64]bool
}

func (u lockedRows) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return u.UnitOfWork.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, lockedTx{Tx: tx, locked: u.locked})
	})
}

type lockedTx struct {
	domain.Tx
	locked map[int64]bool
}

func (t lockedTx) Order(ctx context.Context, id int64) (domain.Order, error) {
	if t.locked[id] {
		return domain.Order{}, errors.New("lock timeout")
	}
	return t.Tx.Order(ctx, id)
}

func TestSweepOnce_FailingOrdersDoNotBlockLaterOnes(t *testing.T) {
	f := newFixture(t)
	product := f.seed(t, 10)
	first := f.place(t, product.ID, 1)
	second := f.place(t, product.ID, 1)
	third := f.place(t, product.ID, 1)

	uow := lockedRows{UnitOfWork: f.store, locked: map[int64]bool{first.ID: true, second.ID: true}}
	worker := reclaim.NewWorker(uow, f.orders, reclaim.WithBatchSize(2))

	for range 2 {
		result, err := worker.SweepOnce(context.Background(), f.placedAt.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 2, result.Failed)
	}

	order, err := f.orders.Get(context.Background(), third.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, order.Status)
	require.Equal(t, 8, f.inventory(t, product.ID))

	stuck, err := f.orders.Get(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, stuck.Status)
}

func TestSweepOnce_MissingProductIsSkipped(t *testing.T) {
	f := newFixture(t)
	product := f.seed(t, 5)

	var orderID int64
	err := f.store.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		inserted, err := tx.InsertOrder(ctx, domain.Order{
			BuyerID: "buyer-1",
			Status:  domain.OrderStatusPending,
			Items: []domain.OrderItem{
				{ProductID: product.ID, Quantity: 1},
				{ProductID: 999, Quantity: 3},
			},
			CreatedAt: f.placedAt,
		})
		orderID = inserted.ID
		return err
	})
	require.NoError(t, err)

	worker := reclaim.NewWorker(f.store, f.orders)
	result, err := worker.SweepOnce(context.Background(), f.placedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, result.Reclaimed)
	require.Equal(t, 6, f.inventory(t, product.ID))

	stored, err := f.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, stored.Status)
}

// flakyUnitOfWork роняет транзакцию для одного заказа.
type flakyUnitOfWork struct {
	domain.UnitOfWork
	failOrder int64
}

func (u flakyUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return u.UnitOfWork.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if order, err := tx.Order(ctx, u.failOrder); err == nil && order.Status == domain.OrderStatusCancelled {
			return errors.New("commit failed")
		}
		return nil
	})
}

func TestSweepOnce_FailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	product := f.seed(t, 10)
	first := f.place(t, product.ID, 1)
	second := f.place(t, product.ID, 2)

	notifier := &recordingNotifier{fail: true}
	worker := reclaim.NewWorker(flakyUnitOfWork{UnitOfWork: f.store, failOrder: first.ID}, f.orders,
		reclaim.WithNotifier(notifier))

	result, err := worker.SweepOnce(context.Background(), f.placedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, reclaim.SweepResult{Candidates: 2, Reclaimed: 1, Failed: 1}, result)

	require.Equal(t, 9, f.inventory(t, product.ID))
	stored, err := f.orders.Get(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, stored.Status)
	stored, err = f.orders.Get(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, stored.Status)

	// ошибка уведомления не откатывает отмену
	require.Len(t, notifier.cancellations(), 1)
}

func TestSweepOnce_BatchSize(t *testing.T) {
	f := newFixture(t)
	product := f.seed(t, 10)
	for i := 0; i < 3; i++ {
		f.place(t, product.ID, 1)
	}

	worker := reclaim.NewWorker(f.store, f.orders, reclaim.WithBatchSize(2))
	result, err := worker.SweepOnce(context.Background(), f.placedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, result.Reclaimed)
	require.Equal(t, 9, f.inventory(t, product.ID))
}

func TestSweepOnce_CancelledContext(t *testing.T) {
	f := newFixture(t)
	product := f.seed(t, 5)
	f.place(t, product.ID, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	worker := reclaim.NewWorker(f.store, f.orders)
	_, err := worker.SweepOnce(ctx, f.placedAt.Add(time.Hour))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 4, f.inventory(t, product.ID))
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	product := f.seed(t, 5)
	f.place(t, product.ID, 2)

	worker := reclaim.NewWorker(f.store, f.orders,
		reclaim.WithInterval(10*time.Millisecond),
		reclaim.WithClock(func() time.Time { return f.placedAt.Add(time.Hour) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		current, err := f.products.Get(context.Background(), product.ID)
		return err == nil && current.Inventory == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestAuditText(t *testing.T) {
	at := time.Date(2026, 5, 1, 15, 4, 5, 0, time.FixedZone("MSK", 3*3600))
	require.Equal(t, "Order 42 auto-cancelled by worker at 2026-05-01T12:04:05Z", reclaim.AuditText(42, at))
}
