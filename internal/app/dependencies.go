package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderdesk/internal/health"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/orderdesk/internal/storage/redis"
)

// runtimeDependencies: хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	uow             domain.UnitOfWork
	orders          domain.OrderRepository
	products        domain.ProductRepository
	audit           domain.AuditRepository
	idempotencyRepo domain.IdempotencyRepository
	// cleanupRequired: у хранилища idempotency нет собственного TTL.
	cleanupRequired bool

	checkers map[string]healthcheck.Checker
	closers  []func() error
}

// closeFn закрывает подключения в обратном порядке.
func (d *runtimeDependencies) closeFn() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}

	switch strings.TrimSpace(cfg.StorageDriver) {
	case StorageDriverMemory:
		store := memory.NewStore()
		deps.uow = store
		deps.orders = memory.NewOrderRepository(store)
		deps.products = memory.NewProductRepository(store)
		deps.audit = memory.NewAuditRepository(store)
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		deps.cleanupRequired = true
		deps.checkers["storage"] = healthcheck.NewPingChecker("storage", func(context.Context) error { return nil })
		logger.Info("используем in-memory хранилище")

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		if err := metrics.RegisterCollector(nil, store.StatsCollector("orderdesk")); err != nil {
			logger.WithError(err).Warn("postgres pool metrics are not registered")
		}

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = deps.closeFn()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		deps.uow = postgres.NewUnitOfWork(store)
		deps.orders = postgres.NewOrderRepository(store)
		deps.products = postgres.NewProductRepository(store)
		deps.audit = postgres.NewAuditRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.cleanupRequired = true
		deps.checkers["storage"] = healthcheck.NewPingChecker("storage", store.Ping)
		logger.Info("используем postgres хранилище")

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.IdempotencyBackend == IdempotencyBackendRedis {
		client, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			_ = deps.closeFn()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		deps.closers = append(deps.closers, client.Close)
		deps.idempotencyRepo = redisstore.NewIdempotencyRepository(client, "")
		deps.cleanupRequired = false
		deps.checkers["redis"] = healthcheck.NewPingChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		logger.WithField("addr", cfg.RedisAddr).Info("idempotency-записи хранятся в redis")
	}

	return deps, nil
}

// demoProducts: начальный каталог для локального запуска на memory.
func demoProducts(now time.Time) []domain.Product {
	promotionEnds := now.Add(7 * 24 * time.Hour)
	return []domain.Product{
		{Name: "Mechanical keyboard", Inventory: 50},
		{Name: "27\" monitor", Inventory: 12},
		{Name: "USB-C dock", Inventory: 3, PromotionExpiry: &promotionEnds},
		{Name: "Discontinued webcam", Inventory: 8, IsDeleted: true},
	}
}

// seedProducts заводит демо-товары, если каталог пуст.
func seedProducts(ctx context.Context, products domain.ProductRepository, logger *log.Entry) error {
	existing, err := products.List(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	for _, product := range demoProducts(time.Now().UTC()) {
		created, err := products.Create(ctx, product)
		if err != nil {
			return fmt.Errorf("seed product %q: %w", product.Name, err)
		}
		logger.WithFields(log.Fields{
			"product_id": created.ID,
			"inventory":  created.Inventory,
		}).Debug("seeded product")
	}
	logger.Info("демо-каталог заведён")
	return nil
}
