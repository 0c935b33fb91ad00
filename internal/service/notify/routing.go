package notify

import (
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// OrderGroupPlaceholder в таблице маршрутизации заменяется на группу конкретного заказа.
const OrderGroupPlaceholder = "Order_{id}"

// Routing: какие группы получают уведомление данного типа.
type Routing map[domain.EventKind][]string

// DefaultRouting: маршрутизация по умолчанию.
func DefaultRouting() Routing {
	return Routing{
		domain.EventOrderCreated:        {domain.RoleSales, domain.RoleAdmin},
		domain.EventLowInventory:        {domain.RoleInventoryManager, domain.RoleAdmin},
		domain.EventOrderCancelled:      {OrderGroupPlaceholder, domain.RoleSales, domain.RoleAdmin},
		domain.EventConcurrencyConflict: {domain.RoleAdmin, domain.RoleSales},
		domain.EventOrderStatusChanged:  {OrderGroupPlaceholder, domain.RoleSales, domain.RoleAdmin},
	}
}

// Merge возвращает копию r, в которой типы из override заменены целиком.
func (r Routing) Merge(override Routing) Routing {
	merged := make(Routing, len(r)+len(override))
	for kind, groups := range r {
		merged[kind] = append([]string(nil), groups...)
	}
	for kind, groups := range override {
		if len(groups) == 0 {
			continue
		}
		merged[kind] = append([]string(nil), groups...)
	}
	return merged
}

// Groups раскрывает группы для kind. orderID <= 0 выкидывает группу заказа.
func (r Routing) Groups(kind domain.EventKind, orderID int64) []string {
	configured := r[kind]
	groups := make([]string, 0, len(configured))
	seen := make(map[string]struct{}, len(configured))
	for _, group := range configured {
		group = strings.TrimSpace(group)
		if group == OrderGroupPlaceholder {
			if orderID <= 0 {
				continue
			}
			group = domain.OrderGroup(orderID)
		}
		if group == "" {
			continue
		}
		if _, dup := seen[group]; dup {
			continue
		}
		seen[group] = struct{}{}
		groups = append(groups, group)
	}
	return groups
}
