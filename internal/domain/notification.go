package domain

import (
	"strconv"
	"time"
)

// EventKind: тип уведомления, рассылаемого после коммита.
type EventKind string

const (
	EventOrderCreated        EventKind = "OrderCreated"
	EventLowInventory        EventKind = "LowInventory"
	EventOrderCancelled      EventKind = "OrderCancelled"
	EventConcurrencyConflict EventKind = "ConcurrencyConflict"
	EventOrderStatusChanged  EventKind = "OrderStatusChanged"
)

// Notification адресуется одной или нескольким группам подписчиков.
type Notification struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"eventType"`
	Groups     []string  `json:"groups"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurredAt"`
}

// OrderGroup: группа подписчиков конкретного заказа.
func OrderGroup(orderID int64) string {
	return "Order_" + strconv.FormatInt(orderID, 10)
}

// OrderCreatedPayload описывает созданный заказ.
type OrderCreatedPayload struct {
	OrderID   int64       `json:"orderId"`
	CreatedAt time.Time   `json:"createdAt"`
	Status    OrderStatus `json:"status"`
	Message   string      `json:"message"`
}

// LowInventoryPayload: предупреждение о низком остатке.
type LowInventoryPayload struct {
	ProductID       int64  `json:"productId"`
	ProductName     string `json:"productName"`
	CurrentQuantity int    `json:"currentQuantity"`
	Threshold       int    `json:"threshold"`
}

// OrderCancelledPayload: отмена заказа.
type OrderCancelledPayload struct {
	OrderID     int64  `json:"orderId"`
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelledBy"`
}

// ConcurrencyConflictPayload: конкурентная транзакция выиграла гонку.
type ConcurrencyConflictPayload struct {
	OrderID      int64  `json:"orderId,omitempty"`
	ProductID    int64  `json:"productId,omitempty"`
	BuyerID      string `json:"buyerId,omitempty"`
	ConflictType string `json:"conflictType"`
}

// OrderStatusChangedPayload: смена статуса заказа вне воркера автоотмены.
type OrderStatusChangedPayload struct {
	OrderID   int64       `json:"orderId"`
	OldStatus OrderStatus `json:"oldStatus"`
	NewStatus OrderStatus `json:"newStatus"`
	UpdatedBy string      `json:"updatedBy"`
}
