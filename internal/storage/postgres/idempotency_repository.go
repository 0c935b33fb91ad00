package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const (
	idempotencyColumns = `key, request_hash, response_body, http_status, content_type, expires_at, created_at`

	// Занятый ключ перезаписывается, только если его запись истекла; иначе RETURNING пуст.
	putIdempotencySQL = `
		INSERT INTO idempotency_keys (` + idempotencyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			request_hash  = EXCLUDED.request_hash,
			response_body = EXCLUDED.response_body,
			http_status   = EXCLUDED.http_status,
			content_type  = EXCLUDED.content_type,
			expires_at    = EXCLUDED.expires_at,
			created_at    = EXCLUDED.created_at
		WHERE idempotency_keys.expires_at <= $8
		RETURNING key`

	// SKIP LOCKED позволяет нескольким инстансам чистить таблицу одновременно.
	// LIMIT NULL в postgres означает «без ограничения».
	deleteExpiredIdempotencySQL = `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT NULLIF($2::int, 0)
			FOR UPDATE SKIP LOCKED
		)`
)

type idempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rec domain.IdempotencyRecord
	err = r.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1 AND expires_at > $2`,
		key, r.now(),
	).Scan(&rec.Key, &rec.RequestHash, &rec.ResponseBody, &rec.HTTPStatus, &rec.ContentType, &rec.ExpiresAt, &rec.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	case err != nil:
		return domain.IdempotencyRecord{}, fmt.Errorf("select idempotency key %q: %w", key, err)
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec.Clone(), nil
}

func (r *idempotencyRepository) Put(ctx context.Context, record domain.IdempotencyRecord) (bool, error) {
	now := r.now()
	rec, err := record.Prepared(now)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var stored string
	err = r.db.QueryRowContext(ctx, putIdempotencySQL,
		rec.Key, rec.RequestHash, rec.ResponseBody, rec.HTTPStatus, rec.ContentType, rec.ExpiresAt, rec.CreatedAt, now,
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("upsert idempotency key %q: %w", rec.Key, err)
	}
	return true, nil
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, deleteExpiredIdempotencySQL, before, max(limit, 0))
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return int(n), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
