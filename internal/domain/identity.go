package domain

import "strings"

// Роли, которые выдаёт внешний сервис аутентификации.
const (
	RoleAdmin            = "Admin"
	RoleSales            = "Sales"
	RoleInventoryManager = "InventoryManager"
	RoleBuyer            = "Buyer"
)

// Caller: уже проверенная личность вызывающего и его роли.
type Caller struct {
	UserID string
	Roles  []string
}

// Authenticated сообщает, известен ли пользователь.
func (c Caller) Authenticated() bool {
	return strings.TrimSpace(c.UserID) != ""
}

// HasRole проверяет роль без учёта регистра.
func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// HasAnyRole возвращает true, если у вызывающего есть хотя бы одна из ролей.
func (c Caller) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}
