// Package placement резервирует товар и создаёт заказ в одной транзакции.
//
// Конкурентные покупки одного товара разруливаются версией строки: проигравший получает
// domain.ErrConcurrencyConflict и сам решает, повторять ли запрос. Уведомления и аудит
// выполняются после коммита и не могут откатить уже созданный заказ.
package placement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
)

const tracerName = "github.com/vladislavdragonenkov/orderdesk/internal/service/placement"

// Notifier: post-commit уведомления, которые шлёт сервис.
type Notifier interface {
	OrderCreated(ctx context.Context, order domain.Order) error
	LowInventory(ctx context.Context, product domain.Product) error
	ConcurrencyConflict(ctx context.Context, payload domain.ConcurrencyConflictPayload) error
	OrderStatusChanged(ctx context.Context, orderID int64, oldStatus, newStatus domain.OrderStatus, updatedBy string) error
}

// ItemRequest: одна позиция запроса.
type ItemRequest struct {
	ProductID int64
	Quantity  int
}

// PlaceOrderRequest: запрос на размещение. Пустой BuyerID означает «для себя».
type PlaceOrderRequest struct {
	BuyerID string
	Items   []ItemRequest
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPolicy задает ролевую политику.
func WithPolicy(policy RolePolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithNotifier подключает рассылку уведомлений.
func WithNotifier(notifier Notifier) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithAuditSink подключает запись истории.
func WithAuditSink(sink domain.AuditSink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

// WithMetrics подключает prometheus-метрики.
func WithMetrics(m *metrics.PlacementMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock подменяет источник времени (тесты).
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTracerProvider задает провайдер трейсов вместо глобального.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(s *Service) {
		if provider != nil {
			s.tracer = provider.Tracer(tracerName)
		}
	}
}

// Service: размещение, завершение и чтение заказов.
type Service struct {
	uow      domain.UnitOfWork
	orders   domain.OrderRepository
	policy   RolePolicy
	notifier Notifier
	audit    domain.AuditSink
	metrics  *metrics.PlacementMetrics
	logger   *log.Entry
	clock    func() time.Time
	tracer   trace.Tracer
}

// NewService создает сервис поверх хранилища.
func NewService(uow domain.UnitOfWork, orders domain.OrderRepository, options ...Option) *Service {
	s := &Service{
		uow:    uow,
		orders: orders,
		policy: DefaultRolePolicy(),
		logger: log.WithField("component", "placement"),
		clock:  func() time.Time { return time.Now().UTC() },
		tracer: otel.Tracer(tracerName),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// PlaceOrder проверяет запрос, резервирует товар и создаёт заказ в статусе Pending.
func (s *Service) PlaceOrder(ctx context.Context, caller domain.Caller, req PlaceOrderRequest) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "placement.PlaceOrder", trace.WithAttributes(
		attribute.String("caller.id", caller.UserID),
		attribute.Int("order.items", len(req.Items)),
	))
	done := s.metrics.PlacementStarted()
	defer func() {
		done(resultLabel(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	items, err := normalizeItems(req.Items)
	if err != nil {
		return domain.Order{}, err
	}
	buyerID, err := s.policy.ResolveBuyer(caller, req.BuyerID)
	if err != nil {
		return domain.Order{}, err
	}
	span.SetAttributes(attribute.String("order.buyer_id", buyerID))

	now := s.clock()
	var touched []domain.Product

	err = s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		touched = touched[:0]
		for _, item := range items {
			product, err := tx.Product(ctx, item.ProductID)
			if err != nil {
				return fmt.Errorf("product %d: %w", item.ProductID, err)
			}
			if err := product.Available(now); err != nil {
				return fmt.Errorf("product %d: %w", item.ProductID, err)
			}
			if err := product.Reserve(item.Quantity); err != nil {
				return fmt.Errorf("product %d: %w", item.ProductID, err)
			}
			saved, err := tx.SaveProduct(ctx, product)
			if err != nil {
				return fmt.Errorf("reserve product %d: %w", item.ProductID, err)
			}
			touched = append(touched, saved)
		}

		inserted, err := tx.InsertOrder(ctx, domain.Order{
			BuyerID:   buyerID,
			Status:    domain.OrderStatusPending,
			Items:     items,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		order = inserted
		return nil
	})
	if err != nil {
		if domain.IsConcurrencyConflict(err) {
			s.reportConflict(ctx, buyerID, 0, err)
		}
		return domain.Order{}, err
	}

	span.SetAttributes(attribute.Int64("order.id", order.ID))
	s.afterPlacement(ctx, order, touched)
	return order, nil
}

// afterPlacement: post-commit часть: ошибки только логируются.
func (s *Service) afterPlacement(ctx context.Context, order domain.Order, touched []domain.Product) {
	logger := s.logger.WithFields(log.Fields{"order_id": order.ID, "buyer_id": order.BuyerID})
	logger.Info("order placed")

	if s.notifier != nil {
		if err := s.notifier.OrderCreated(ctx, order); err != nil {
			logger.WithError(err).Warn("order created notification failed")
		}
		for _, product := range touched {
			if !product.LowOnStock() {
				continue
			}
			s.metrics.RecordLowInventory()
			if err := s.notifier.LowInventory(ctx, product); err != nil {
				logger.WithError(err).WithField("product_id", product.ID).Warn("low inventory notification failed")
			}
		}
	}

	if s.audit != nil {
		if err := s.audit.Append(ctx, fmt.Sprintf("Order with ID %d created", order.ID)); err != nil {
			logger.WithError(err).Warn("не удалось записать аудит создания заказа")
		}
	}
}

func (s *Service) reportConflict(ctx context.Context, buyerID string, orderID int64, err error) {
	payload := domain.ConcurrencyConflictPayload{
		OrderID:      orderID,
		BuyerID:      buyerID,
		ConflictType: "inventory",
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		switch conflict.Entity {
		case "product":
			payload.ProductID = conflict.ID
		case "order":
			payload.OrderID = conflict.ID
			payload.ConflictType = "order"
		}
	}

	s.logger.WithError(err).WithFields(log.Fields{
		"buyer_id":   buyerID,
		"product_id": payload.ProductID,
		"order_id":   payload.OrderID,
	}).Warn("concurrency conflict")

	if s.notifier == nil {
		return
	}
	if notifyErr := s.notifier.ConcurrencyConflict(ctx, payload); notifyErr != nil {
		s.logger.WithError(notifyErr).Warn("concurrency conflict notification failed")
	}
}

// AuthorizePlace проверяет, может ли caller размещать заказы. Транспорт вызывает её
// до того, как отдать сохранённый ответ на повтор.
func (s *Service) AuthorizePlace(caller domain.Caller) error {
	return s.policy.AuthorizePlace(caller)
}

// CompleteOrder переводит Pending-заказ в Completed.
func (s *Service) CompleteOrder(ctx context.Context, caller domain.Caller, orderID int64) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "placement.CompleteOrder", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
	))
	defer func() {
		s.metrics.RecordCompletion(resultLabel(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := s.policy.AuthorizeComplete(caller); err != nil {
		return domain.Order{}, err
	}

	var previous domain.OrderStatus
	err = s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		previous = current.Status
		if err := current.Transition(domain.OrderStatusCompleted, s.clock()); err != nil {
			return err
		}
		saved, err := tx.SaveOrder(ctx, current)
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, fmt.Sprintf("Order %d completed by %s", orderID, caller.UserID)); err != nil {
			return err
		}
		order = saved
		return nil
	})
	if err != nil {
		if domain.IsConcurrencyConflict(err) {
			s.reportConflict(ctx, "", orderID, err)
		}
		return domain.Order{}, err
	}

	s.logger.WithFields(log.Fields{"order_id": orderID, "user_id": caller.UserID}).Info("order completed")
	if s.notifier != nil {
		if err := s.notifier.OrderStatusChanged(ctx, orderID, previous, order.Status, caller.UserID); err != nil {
			s.logger.WithError(err).WithField("order_id", orderID).Warn("status change notification failed")
		}
	}
	return order, nil
}

// GetOrder возвращает заказ, если вызывающему можно его видеть.
func (s *Service) GetOrder(ctx context.Context, caller domain.Caller, orderID int64) (domain.Order, error) {
	if !caller.Authenticated() {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.policy.AuthorizeRead(caller, order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// normalizeItems проверяет форму запроса и упорядочивает позиции по ProductID,
// чтобы конкурентные транзакции брали строки в одном порядке.
func normalizeItems(req []ItemRequest) ([]domain.OrderItem, error) {
	if len(req) == 0 {
		return nil, domain.ErrItemsRequired
	}

	items := make([]domain.OrderItem, 0, len(req))
	seen := make(map[int64]struct{}, len(req))
	total := 0
	for _, item := range req {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			return nil, domain.ErrItemInvalid
		}
		if _, dup := seen[item.ProductID]; dup {
			return nil, fmt.Errorf("product %d: %w", item.ProductID, domain.ErrDuplicateProduct)
		}
		seen[item.ProductID] = struct{}{}
		// total <= MaxItemsPerOrder на каждом шаге, сумма не переполняется
		if item.Quantity > domain.MaxItemsPerOrder-total {
			return nil, domain.ErrQuantityCapExceeded
		}
		total += item.Quantity
		items = append(items, domain.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items, nil
}

func resultLabel(err error) string {
	if err == nil {
		return metrics.ResultOK
	}
	switch domain.ErrorKind(err) {
	case domain.KindValidation:
		return metrics.ResultValidation
	case domain.KindUnauthenticated, domain.KindForbidden:
		return metrics.ResultForbidden
	case domain.KindNotFound:
		return metrics.ResultNotFound
	case domain.KindInsufficientInventory, domain.KindUnavailable:
		return metrics.ResultInsufficientInventory
	case domain.KindConcurrencyConflict:
		return metrics.ResultConflict
	default:
		return metrics.ResultError
	}
}
