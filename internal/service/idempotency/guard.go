// Package idempotency кэширует успешные ответы по ключу Idempotency-Key, чтобы повтор
// запроса с тем же телом вернул тот же результат, а не создал второй заказ.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

var guardRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "orderdesk_idempotency_requests_total",
	Help: "Requests seen by the idempotency guard grouped by outcome.",
}, []string{"result"})

// Request: то, по чему считается отпечаток запроса. Caller входит в отпечаток,
// поэтому чужой ключ даёт ErrIdempotencyConflict, а не чужой ответ.
type Request struct {
	Caller string
	Method string
	Path   string
	Body   []byte
}

// Response: ответ, который можно сохранить и воспроизвести побайтно.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	// Replayed выставляется, когда ответ взят из кэша, а обработчик не вызывался.
	Replayed bool
}

// Handler выполняет запрос по-настоящему.
type Handler func(ctx context.Context) (Response, error)

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithGuardLogger задает logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTTL задает время жизни сохранённого ответа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardClock подменяет источник времени (тесты).
func WithGuardClock(clock func() time.Time) GuardOption {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Guard пропускает запрос через кэш ответов.
type Guard struct {
	repo   domain.IdempotencyRepository
	logger *log.Entry
	ttl    time.Duration
	clock  func() time.Time
}

// NewGuard создает Guard поверх репозитория.
func NewGuard(repo domain.IdempotencyRepository, options ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		logger: log.WithField("component", "idempotency-guard"),
		ttl:    domain.IdempotencyTTL,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(g)
	}
	return g
}

// Intercept:
//   - пустой key: next вызывается, ответ не кэшируется;
//   - есть запись с тем же отпечатком: возвращается сохранённый ответ, next не вызывается;
//   - есть запись с другим отпечатком: ErrIdempotencyConflict;
//   - записи нет: next, и 2xx-ответ сохраняется на ttl.
func (g *Guard) Intercept(ctx context.Context, key string, req Request, next Handler) (Response, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		guardRequestsTotal.WithLabelValues("bypass").Inc()
		return next(ctx)
	}

	hash := Fingerprint(req)
	logger := g.logger.WithField("idempotency_key", key)

	record, err := g.repo.Get(ctx, key)
	switch {
	case err == nil:
		if record.RequestHash != hash {
			guardRequestsTotal.WithLabelValues("conflict").Inc()
			logger.Warn("idempotency key reused with a different request or caller")
			return Response{}, domain.ErrIdempotencyConflict
		}
		guardRequestsTotal.WithLabelValues("replayed").Inc()
		logger.Debug("replaying stored response")
		return Response{
			Status:      record.HTTPStatus,
			ContentType: record.ContentType,
			Body:        append([]byte(nil), record.ResponseBody...),
			Replayed:    true,
		}, nil
	case errors.Is(err, domain.ErrIdempotencyKeyNotFound):
	default:
		guardRequestsTotal.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("load idempotency record: %w", err)
	}

	resp, err := next(ctx)
	if err != nil {
		return resp, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		guardRequestsTotal.WithLabelValues("not_cached").Inc()
		return resp, nil
	}

	now := g.clock()
	stored, err := g.repo.Put(ctx, domain.IdempotencyRecord{
		Key:          key,
		RequestHash:  hash,
		ResponseBody: append([]byte(nil), resp.Body...),
		HTTPStatus:   resp.Status,
		ContentType:  resp.ContentType,
		ExpiresAt:    now.Add(g.ttl),
		CreatedAt:    now,
	})
	switch {
	case err != nil:
		// Ответ уже получен, заказ создан: отдаём его, даже если кэш недоступен.
		guardRequestsTotal.WithLabelValues("store_failed").Inc()
		logger.WithError(err).Error("не удалось сохранить idempotency-ответ")
	case !stored:
		guardRequestsTotal.WithLabelValues("race_lost").Inc()
		logger.Warn("idempotency key was stored by a concurrent request")
	default:
		guardRequestsTotal.WithLabelValues("stored").Inc()
	}

	return resp, nil
}

// Fingerprint: hex(sha256(caller \n method \n path \n body)).
func Fingerprint(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Caller))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.ToUpper(req.Method)))
	h.Write([]byte{'\n'})
	h.Write([]byte(req.Path))
	h.Write([]byte{'\n'})
	h.Write(req.Body)
	return hex.EncodeToString(h.Sum(nil))
}
