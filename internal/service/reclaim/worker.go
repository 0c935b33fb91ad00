// Package reclaim отменяет заказы, которые слишком долго висят в Pending,
// и возвращает их резерв на склад.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const (
	defaultBatchSize    = 100
	defaultOrderTimeout = 10 * time.Second

	tracerName = "github.com/vladislavdragonenkov/orderdesk/internal/service/reclaim"

	// CancelReason и CancelledBy попадают в уведомление OrderCancelled.
	CancelReason = "stale"
	CancelledBy  = "system"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderdesk_reclaim_runs_total",
		Help: "Stale order sweeps grouped by result.",
	}, []string{"result"})
	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderdesk_reclaim_orders_total",
		Help: "Stale order candidates grouped by outcome.",
	}, []string{"result"})
	lastReclaimed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderdesk_reclaim_last_reclaimed",
		Help: "Orders cancelled during the last sweep.",
	})
)

// Notifier: уведомление об отмене после коммита.
type Notifier interface {
	OrderCancelled(ctx context.Context, orderID int64, reason, cancelledBy string) error
}

// SweepResult: итог одного прохода.
type SweepResult struct {
	Candidates int
	Reclaimed  int
	Skipped    int
	Failed     int
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithInterval задает паузу между проходами.
func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithStaleAfter задает возраст, после которого Pending-заказ отменяется.
func WithStaleAfter(staleAfter time.Duration) Option {
	return func(w *Worker) {
		if staleAfter > 0 {
			w.staleAfter = staleAfter
		}
	}
}

// WithBatchSize задаёт размер страницы выборки устаревших заказов.
func WithBatchSize(batchSize int) Option {
	return func(w *Worker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithOrderTimeout ограничивает транзакцию одного заказа.
func WithOrderTimeout(timeout time.Duration) Option {
	return func(w *Worker) {
		if timeout > 0 {
			w.orderTimeout = timeout
		}
	}
}

// WithNotifier подключает уведомления об отмене.
func WithNotifier(notifier Notifier) Option {
	return func(w *Worker) {
		w.notifier = notifier
	}
}

// WithClock подменяет источник времени (тесты).
func WithClock(clock func() time.Time) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// Worker периодически отменяет устаревшие Pending-заказы.
type Worker struct {
	uow          domain.UnitOfWork
	orders       domain.OrderRepository
	notifier     Notifier
	logger       *log.Entry
	interval     time.Duration
	staleAfter   time.Duration
	batchSize    int
	orderTimeout time.Duration
	clock        func() time.Time
	tracer       trace.Tracer
}

// NewWorker создает воркер автоотмены.
func NewWorker(uow domain.UnitOfWork, orders domain.OrderRepository, options ...Option) *Worker {
	w := &Worker{
		uow:          uow,
		orders:       orders,
		logger:       log.WithField("component", "reclaim-worker"),
		interval:     domain.ReclaimInterval,
		staleAfter:   domain.StaleOrderThreshold,
		batchSize:    defaultBatchSize,
		orderTimeout: defaultOrderTimeout,
		clock:        func() time.Time { return time.Now().UTC() },
		tracer:       otel.Tracer(tracerName),
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run делает первый проход сразу, затем по тикеру, пока не отменён ctx.
// Возвращает nil при штатной остановке.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithFields(log.Fields{
		"interval":    w.interval.String(),
		"stale_after": w.staleAfter.String(),
		"batch_size":  w.batchSize,
	}).Info("reclaim worker started")

	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reclaim worker stopped")
			return nil
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	result, err := w.SweepOnce(ctx, w.clock())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		runsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("проход автоотмены не удался")
		return
	}

	runsTotal.WithLabelValues("ok").Inc()
	lastReclaimed.Set(float64(result.Reclaimed))
	if result.Candidates > 0 {
		w.logger.WithFields(log.Fields{
			"candidates": result.Candidates,
			"reclaimed":  result.Reclaimed,
			"skipped":    result.Skipped,
			"failed":     result.Failed,
		}).Info("stale orders sweep completed")
	}
}

// SweepOnce отменяет Pending-заказы, созданные раньше now - staleAfter.
// Каждый заказ обрабатывается в своей транзакции; ошибка одного не останавливает остальные.
// Отмена ctx прекращает проход перед следующим заказом, начатая транзакция доводится до конца.
func (w *Worker) SweepOnce(ctx context.Context, now time.Time) (result SweepResult, err error) {
	ctx, span := w.tracer.Start(ctx, "reclaim.SweepOnce")
	defer func() {
		span.SetAttributes(
			attribute.Int("reclaim.candidates", result.Candidates),
			attribute.Int("reclaim.reclaimed", result.Reclaimed),
			attribute.Int("reclaim.failed", result.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	cutoff := now.Add(-w.staleAfter)
	// Каждая страница начинается за последним заказом предыдущей, даже если его не удалось отменить.
	var cursor domain.StaleCursor
	for {
		page, err := w.orders.ListStale(ctx, cutoff, cursor, w.batchSize)
		if err != nil {
			return result, fmt.Errorf("list stale orders: %w", err)
		}
		result.Candidates += len(page)

		for _, candidate := range page {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			logger := w.logger.WithField("order_id", candidate.ID)
			cancelled, err := w.reclaim(ctx, candidate.ID, cutoff, now)
			switch {
			case err != nil:
				result.Failed++
				ordersTotal.WithLabelValues("failed").Inc()
				logger.WithError(err).Warn("не удалось отменить устаревший заказ")
				continue
			case !cancelled:
				result.Skipped++
				ordersTotal.WithLabelValues("skipped").Inc()
				logger.Debug("order is no longer stale, skipped")
				continue
			}

			result.Reclaimed++
			ordersTotal.WithLabelValues("reclaimed").Inc()
			logger.Info("stale order cancelled")

			if w.notifier != nil {
				if err := w.notifier.OrderCancelled(ctx, candidate.ID, CancelReason, CancelledBy); err != nil {
					logger.WithError(err).Warn("order cancelled notification failed")
				}
			}
		}

		if len(page) < w.batchSize {
			break
		}
		cursor = domain.CursorAfter(page[len(page)-1])
	}

	return result, nil
}

// reclaim отменяет один заказ и возвращает товар. false — заказ уже не Pending
// или перестал быть устаревшим между выборкой и транзакцией.
func (w *Worker) reclaim(ctx context.Context, orderID int64, cutoff, now time.Time) (bool, error) {
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.orderTimeout)
	defer cancel()

	cancelled := false
	err := w.uow.Do(txCtx, func(ctx context.Context, tx domain.Tx) error {
		cancelled = false

		order, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPending || !order.CreatedAt.Before(cutoff) {
			return nil
		}

		if err := order.Transition(domain.OrderStatusCancelled, now); err != nil {
			return err
		}
		if _, err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}

		for _, item := range order.Items {
			product, err := tx.Product(ctx, item.ProductID)
			if errors.Is(err, domain.ErrProductNotFound) {
				w.logger.WithFields(log.Fields{
					"order_id":   orderID,
					"product_id": item.ProductID,
				}).Warn("product of stale order not found, inventory not restored")
				continue
			}
			if err != nil {
				return err
			}
			product.Release(item.Quantity)
			if _, err := tx.SaveProduct(ctx, product); err != nil {
				return fmt.Errorf("restore product %d: %w", item.ProductID, err)
			}
		}

		if err := tx.AppendAudit(ctx, AuditText(orderID, now)); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

// AuditText: запись аудита об автоотмене.
func AuditText(orderID int64, at time.Time) string {
	return fmt.Sprintf("Order %d auto-cancelled by worker at %s", orderID, at.UTC().Format(time.RFC3339))
}
