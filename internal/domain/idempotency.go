package domain

import (
	"strings"
	"time"
)

// IdempotencyTTL: время жизни сохранённого ответа, после него ключ можно переиспользовать.
const IdempotencyTTL = 15 * time.Minute

// IdempotencyRecord хранит успешный ответ, выданный по idempotency-key.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	ContentType  string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// NormalizeKey обрезает пробелы; пустой ключ — ErrIdempotencyKeyRequired.
func NormalizeKey(key string) (string, error) {
	if key = strings.TrimSpace(key); key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	return key, nil
}

// Prepared: копия записи, готовая к сохранению: ключ нормализован,
// пустые CreatedAt и ExpiresAt отсчитаны от now, тело не nil.
func (r IdempotencyRecord) Prepared(now time.Time) (IdempotencyRecord, error) {
	key, err := NormalizeKey(r.Key)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	out := r.Clone()
	out.Key = key
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = out.CreatedAt.Add(IdempotencyTTL)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.ExpiresAt = out.ExpiresAt.UTC()
	return out, nil
}

// Expired сообщает, истекла ли запись к моменту now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Clone копирует запись вместе с телом ответа. Тело копии никогда не nil.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	dst := r
	dst.ResponseBody = append([]byte{}, r.ResponseBody...)
	return dst
}
