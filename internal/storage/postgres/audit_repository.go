package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const defaultAuditListLimit = 100

type auditRepository struct {
	db *sql.DB
}

// NewAuditRepository создаёт PostgreSQL-реализацию AuditRepository.
func NewAuditRepository(store *Store) domain.AuditRepository {
	return &auditRepository{db: store.DB()}
}

func (r *auditRepository) Append(ctx context.Context, change string) (domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	entry := domain.AuditEntry{Change: strings.TrimSpace(change)}
	if err := r.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (change)
		VALUES ($1)
		RETURNING id, created_at
	`, entry.Change).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("insert audit log: %w", err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (r *auditRepository) Exists(ctx context.Context, change string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM audit_logs WHERE change = $1)
	`, strings.TrimSpace(change)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check audit log: %w", err)
	}
	return exists, nil
}

func (r *auditRepository) List(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultAuditListLimit
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, change, created_at
		FROM audit_logs
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0, limit)
	for rows.Next() {
		var entry domain.AuditEntry
		if err := rows.Scan(&entry.ID, &entry.Change, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return entries, nil
}

var _ domain.AuditRepository = (*auditRepository)(nil)
