package memory

import (
	"context"
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type auditRepositoryInMemory struct {
	store *Store
}

// NewAuditRepository возвращает in-memory репозиторий аудита. Записи из Tx.AppendAudit
// и из Append попадают в один журнал.
func NewAuditRepository(store *Store) domain.AuditRepository {
	return &auditRepositoryInMemory{store: store}
}

func (r *auditRepositoryInMemory) Append(_ context.Context, change string) (domain.AuditEntry, error) {
	change = strings.TrimSpace(change)

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.nextAuditID++
	entry := domain.AuditEntry{
		ID:        r.store.nextAuditID,
		Change:    change,
		CreatedAt: r.store.now(),
	}
	r.store.audit = append(r.store.audit, entry)
	return entry, nil
}

func (r *auditRepositoryInMemory) Exists(_ context.Context, change string) (bool, error) {
	change = strings.TrimSpace(change)

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, entry := range r.store.audit {
		if entry.Change == change {
			return true, nil
		}
	}
	return false, nil
}

func (r *auditRepositoryInMemory) List(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := make([]domain.AuditEntry, 0, len(r.store.audit))
	for i := len(r.store.audit) - 1; i >= 0; i-- {
		result = append(result, r.store.audit[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

var _ domain.AuditRepository = (*auditRepositoryInMemory)(nil)
