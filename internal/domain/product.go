package domain

import "time"

// LowInventoryThreshold: остаток, при котором склад получает предупреждение.
const LowInventoryThreshold = 10

// Product: складская позиция. Version меняется при каждой записи и используется
// для optimistic locking.
type Product struct {
	ID              int64
	Name            string
	Inventory       int
	IsDeleted       bool
	PromotionExpiry *time.Time
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Available проверяет, можно ли резервировать товар в момент now.
func (p *Product) Available(now time.Time) error {
	if p.IsDeleted {
		return ErrProductUnavailable
	}
	if p.PromotionExpiry != nil && p.PromotionExpiry.Before(now) {
		return ErrPromotionExpired
	}
	return nil
}

// Reserve уменьшает остаток на qty.
func (p *Product) Reserve(qty int) error {
	if qty <= 0 {
		return ErrItemInvalid
	}
	if qty > p.Inventory {
		return ErrInsufficientInventory
	}
	p.Inventory -= qty
	return nil
}

// Release возвращает qty единиц на склад.
func (p *Product) Release(qty int) {
	if qty <= 0 {
		return
	}
	p.Inventory += qty
}

// LowOnStock сообщает, опустился ли остаток до порога предупреждения.
func (p *Product) LowOnStock() bool {
	return p.Inventory <= LowInventoryThreshold
}

// ValidateInvariants проверяет базовые инварианты товара.
func (p *Product) ValidateInvariants() []error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, ErrProductNameRequired)
	}
	if p.Inventory < 0 {
		errs = append(errs, ErrInsufficientInventory)
	}
	return errs
}

// Clone возвращает копию товара без общих указателей.
func (p Product) Clone() Product {
	dst := p
	if p.PromotionExpiry != nil {
		ts := *p.PromotionExpiry
		dst.PromotionExpiry = &ts
	}
	return dst
}
