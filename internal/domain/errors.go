package domain

import "errors"

var (
	// ErrItemsRequired: в заказе нет ни одной позиции.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// ErrItemInvalid: productId и quantity должны быть больше нуля.
	ErrItemInvalid = errors.New("item productId and quantity must be greater than zero")
	// ErrDuplicateProduct: один и тот же товар указан в запросе дважды.
	ErrDuplicateProduct = errors.New("duplicate productId in order")
	// ErrQuantityCapExceeded: превышен лимит единиц товара на заказ.
	ErrQuantityCapExceeded = errors.New("cannot order more than 10 items per order")
	// ErrBuyerRequired: не удалось определить покупателя.
	ErrBuyerRequired = errors.New("buyer id is required")
	// ErrProductNameRequired: у товара нет названия.
	ErrProductNameRequired = errors.New("product name is required")

	// ErrUnauthenticated: вызывающий не идентифицирован.
	ErrUnauthenticated = errors.New("caller identity is required")
	// ErrForbidden: роль вызывающего не позволяет выполнить операцию.
	ErrForbidden = errors.New("operation is not permitted for caller")

	// ErrProductNotFound возвращается, если товара нет в хранилище.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductUnavailable: товар удалён (soft delete).
	ErrProductUnavailable = errors.New("product is not available")
	// ErrPromotionExpired: срок акции по товару истёк.
	ErrPromotionExpired = errors.New("product promotion has expired")
	// ErrInsufficientInventory: на складе меньше, чем запрошено.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrConcurrencyConflict: строка изменена конкурентной транзакцией, нужен повтор на стороне клиента.
	ErrConcurrencyConflict = errors.New("concurrency conflict: row was modified by another transaction")
	// ErrInvalidStatusTransition: недопустимый переход статуса заказа.
	ErrInvalidStatusTransition = errors.New("invalid order status transition")

	// ErrIdempotencyKeyRequired: для эндпоинта обязателен заголовок Idempotency-Key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyConflict: ключ уже использован с другим телом запроса.
	ErrIdempotencyConflict = errors.New("idempotency key already used with a different request or caller")
	// ErrIdempotencyKeyNotFound: записи по ключу нет или она истекла.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// Kind классифицирует ошибки для транспорта.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindUnavailable
	KindInsufficientInventory
	KindConcurrencyConflict
	KindIdempotencyConflict
	KindConflict
)

var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrItemsRequired, KindValidation},
	{ErrItemInvalid, KindValidation},
	{ErrDuplicateProduct, KindValidation},
	{ErrQuantityCapExceeded, KindValidation},
	{ErrBuyerRequired, KindValidation},
	{ErrProductNameRequired, KindValidation},
	{ErrIdempotencyKeyRequired, KindValidation},
	{ErrUnauthenticated, KindUnauthenticated},
	{ErrForbidden, KindForbidden},
	{ErrProductNotFound, KindNotFound},
	{ErrOrderNotFound, KindNotFound},
	{ErrProductUnavailable, KindUnavailable},
	{ErrPromotionExpired, KindUnavailable},
	{ErrInsufficientInventory, KindInsufficientInventory},
	{ErrConcurrencyConflict, KindConcurrencyConflict},
	{ErrIdempotencyConflict, KindIdempotencyConflict},
	{ErrInvalidStatusTransition, KindConflict},
}

// ErrorKind возвращает класс ошибки; неизвестные ошибки считаются внутренними.
func ErrorKind(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// IsConcurrencyConflict проверяет, является ли ошибка конфликтом версий.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// ConflictError уточняет, на какой сущности случился конфликт версий.
type ConflictError struct {
	Entity string
	ID     int64
}

func (e *ConflictError) Error() string {
	return ErrConcurrencyConflict.Error() + " (" + e.Entity + ")"
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// NewProductConflict создаёт ConflictError для товара.
func NewProductConflict(id int64) error {
	return &ConflictError{Entity: "product", ID: id}
}

// NewOrderConflict создаёт ConflictError для заказа.
func NewOrderConflict(id int64) error {
	return &ConflictError{Entity: "order", ID: id}
}
