// Package redis хранит idempotency-записи в Redis, чтобы несколько инстансов
// сервиса видели один и тот же кэш ответов.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const (
	defaultKeyPrefix = "orderdesk:idem:"
	opTimeout        = 2 * time.Second
)

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type storedRecord struct {
	RequestHash  string    `json:"request_hash"`
	ResponseBody []byte    `json:"response_body"`
	HTTPStatus   int       `json:"http_status"`
	ContentType  string    `json:"content_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// IdempotencyRepository: реализация domain.IdempotencyRepository поверх SET NX PX.
// Истечение записей делает сам Redis.
type IdempotencyRepository struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewIdempotencyRepository создаёт репозиторий. Пустой prefix заменяется на orderdesk:idem:.
func NewIdempotencyRepository(client goredis.UniversalClient, prefix string) *IdempotencyRepository {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &IdempotencyRepository{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("redis get idempotency record: %w", err)
	}

	var stored storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}

	record := domain.IdempotencyRecord{
		Key:          key,
		RequestHash:  stored.RequestHash,
		ResponseBody: stored.ResponseBody,
		HTTPStatus:   stored.HTTPStatus,
		ContentType:  stored.ContentType,
		ExpiresAt:    stored.ExpiresAt,
		CreatedAt:    stored.CreatedAt,
	}
	if record.Expired(r.now()) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return record, nil
}

func (r *IdempotencyRepository) Put(ctx context.Context, record domain.IdempotencyRecord) (bool, error) {
	now := r.now()
	record, err := record.Prepared(now)
	if err != nil {
		return false, err
	}
	ttl := record.ExpiresAt.Sub(now)
	if ttl <= 0 {
		// Уже просроченная запись никому не нужна.
		return false, nil
	}

	payload, err := json.Marshal(storedRecord{
		RequestHash:  record.RequestHash,
		ResponseBody: record.ResponseBody,
		HTTPStatus:   record.HTTPStatus,
		ContentType:  record.ContentType,
		ExpiresAt:    record.ExpiresAt,
		CreatedAt:    record.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("encode idempotency record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	stored, err := r.client.SetNX(ctx, r.prefix+record.Key, payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx idempotency record: %w", err)
	}
	return stored, nil
}

// DeleteExpired ничего не делает: ключи живут с PX TTL и удаляются Redis.
func (r *IdempotencyRepository) DeleteExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// Ping используется readiness-проверкой.
func (r *IdempotencyRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
