package domain

import "time"

// AuditEntry: человекочитаемая запись истории изменений.
type AuditEntry struct {
	ID        int64
	Change    string
	CreatedAt time.Time
}
