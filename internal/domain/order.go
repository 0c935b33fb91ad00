package domain

import "time"

const (
	// MaxItemsPerOrder ограничивает суммарное количество единиц товара в одном заказе.
	MaxItemsPerOrder = 10
	// StaleOrderThreshold: сколько заказ может провисеть в Pending до автоотмены.
	StaleOrderThreshold = 30 * time.Minute
	// ReclaimInterval: пауза между проходами воркера автоотмены.
	ReclaimInterval = time.Minute
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending: заказ создан, товар зарезервирован, исполнение ещё не завершено.
	OrderStatusPending OrderStatus = "Pending"
	// OrderStatusCompleted: заказ исполнен. Терминальный статус.
	OrderStatusCompleted OrderStatus = "Completed"
	// OrderStatusCancelled: заказ отменён, резерв возвращён на склад. Терминальный статус.
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusCompleted, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition разрешает только Pending -> Completed и Pending -> Cancelled.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	if s != OrderStatusPending {
		return false
	}
	return to == OrderStatusCompleted || to == OrderStatusCancelled
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ProductID int64
	Quantity  int
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID        int64
	BuyerID   string
	Status    OrderStatus
	Items     []OrderItem
	Version   int64
	CreatedAt time.Time
	// UpdatedAt пустой, пока заказ ни разу не менялся после создания.
	UpdatedAt *time.Time
}

// TotalQuantity возвращает сумму количеств по всем позициям.
func (o *Order) TotalQuantity() int {
	total := 0
	for _, item := range o.Items {
		total += item.Quantity
	}
	return total
}

// Transition переводит заказ в новый статус, если переход допустим.
func (o *Order) Transition(to OrderStatus, at time.Time) error {
	if !o.Status.CanTransition(to) {
		return ErrInvalidStatusTransition
	}
	o.Status = to
	ts := at.UTC()
	o.UpdatedAt = &ts
	return nil
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.BuyerID == "" {
		errs = append(errs, ErrBuyerRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidStatusTransition)
	}

	for _, item := range o.Items {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			errs = append(errs, ErrItemInvalid)
		}
	}
	if o.TotalQuantity() > MaxItemsPerOrder {
		errs = append(errs, ErrQuantityCapExceeded)
	}

	return errs
}

// Clone возвращает копию заказа без общих ссылок на слайсы и указатели.
func (o Order) Clone() Order {
	dst := o
	dst.Items = append([]OrderItem(nil), o.Items...)
	if o.UpdatedAt != nil {
		ts := *o.UpdatedAt
		dst.UpdatedAt = &ts
	}
	return dst
}
