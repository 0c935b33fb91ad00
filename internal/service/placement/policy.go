package placement

import (
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// RolePolicy: какие роли что могут делать с заказами. Роли приходят от внешнего
// сервиса аутентификации; здесь только сопоставление роль -> право.
type RolePolicy struct {
	// PlaceRoles могут размещать заказы. Пустой список — любой аутентифицированный.
	PlaceRoles []string
	// OverrideRoles могут размещать заказ за другого покупателя.
	OverrideRoles []string
	// CompleteRoles могут переводить заказ в Completed.
	CompleteRoles []string
	// ReadAnyRoles видят любые заказы; остальные только свои.
	ReadAnyRoles []string
}

// DefaultRolePolicy: Admin и Sales работают за любого покупателя, Buyer только за себя.
func DefaultRolePolicy() RolePolicy {
	return RolePolicy{
		PlaceRoles:    []string{domain.RoleAdmin, domain.RoleSales, domain.RoleBuyer},
		OverrideRoles: []string{domain.RoleAdmin, domain.RoleSales},
		CompleteRoles: []string{domain.RoleAdmin, domain.RoleSales},
		ReadAnyRoles:  []string{domain.RoleAdmin, domain.RoleSales, domain.RoleInventoryManager},
	}
}

// ResolveBuyer возвращает покупателя, на которого оформляется заказ.
// Пустой requested означает «для себя».
func (p RolePolicy) ResolveBuyer(caller domain.Caller, requested string) (string, error) {
	if err := p.AuthorizePlace(caller); err != nil {
		return "", err
	}

	self := strings.TrimSpace(caller.UserID)
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == self {
		return self, nil
	}
	if !caller.HasAnyRole(p.OverrideRoles...) {
		return "", domain.ErrForbidden
	}
	return requested, nil
}

// AuthorizePlace проверяет право размещать заказы, без учёта того, за кого.
func (p RolePolicy) AuthorizePlace(caller domain.Caller) error {
	if !caller.Authenticated() {
		return domain.ErrUnauthenticated
	}
	if len(p.PlaceRoles) > 0 && !caller.HasAnyRole(p.PlaceRoles...) {
		return domain.ErrForbidden
	}
	return nil
}

// AuthorizeComplete проверяет право завершить заказ.
func (p RolePolicy) AuthorizeComplete(caller domain.Caller) error {
	if !caller.Authenticated() {
		return domain.ErrUnauthenticated
	}
	if !caller.HasAnyRole(p.CompleteRoles...) {
		return domain.ErrForbidden
	}
	return nil
}

// AuthorizeRead проверяет право видеть заказ.
func (p RolePolicy) AuthorizeRead(caller domain.Caller, order domain.Order) error {
	if !caller.Authenticated() {
		return domain.ErrUnauthenticated
	}
	if caller.HasAnyRole(p.ReadAnyRoles...) || order.BuyerID == strings.TrimSpace(caller.UserID) {
		return nil
	}
	return domain.ErrForbidden
}
