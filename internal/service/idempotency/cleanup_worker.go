package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

var (
	cleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderdesk_idempotency_cleanup_runs_total",
		Help: "Idempotency cleanup runs grouped by result.",
	}, []string{"result"})
	cleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderdesk_idempotency_cleanup_deleted_total",
		Help: "Expired idempotency records removed by the cleanup worker.",
	})
	cleanupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orderdesk_idempotency_cleanup_duration_seconds",
		Help:    "Wall time of one cleanup run.",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 6),
	})
)

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithInterval: пауза между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize: сколько строк удаляет один вызов репозитория.
func WithBatchSize(n int) CleanupOption {
	return func(w *CleanupWorker) {
		if n > 0 {
			w.batch = n
		}
	}
}

func WithClock(clock func() time.Time) CleanupOption {
	return func(w *CleanupWorker) {
		if clock != nil {
			w.now = clock
		}
	}
}

// CleanupWorker выметает просроченные ключи из хранилищ без собственного TTL
// (memory, postgres). Для redis не запускается.
type CleanupWorker struct {
	repo     domain.IdempotencyRepository
	logger   *log.Entry
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:     repo,
		logger:   log.WithField("component", "idempotency-cleanup"),
		interval: 10 * time.Minute,
		batch:    500,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run выметает ключи при старте и затем раз в interval. Отмена ctx штатна и даёт nil.
func (w *CleanupWorker) Run(ctx context.Context) error {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup disabled: repository is nil")
		return nil
	}
	w.logger.WithFields(log.Fields{"interval": w.interval.String(), "batch_size": w.batch}).
		Info("idempotency cleanup started")
	defer w.logger.Info("idempotency cleanup stopped")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	timer := prometheus.NewTimer(cleanupDuration)
	deleted, err := w.DeleteExpired(ctx, w.now())
	timer.ObserveDuration()

	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		cleanupRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("deleted", deleted).Warn("очистка idempotency-ключей не удалась")
	default:
		cleanupRunsTotal.WithLabelValues("ok").Inc()
		if deleted > 0 {
			w.logger.WithField("deleted", deleted).Info("просроченные idempotency-ключи удалены")
		}
	}
}

// DeleteExpired удаляет ключи с ExpiresAt <= before, пока репозиторий отдаёт полные порции.
// Нулевой before означает «сейчас».
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	var total int
	for ctx.Err() == nil {
		n, err := w.repo.DeleteExpired(ctx, before, w.batch)
		total += n
		cleanupDeletedTotal.Add(float64(n))
		if err != nil {
			return total, fmt.Errorf("delete expired idempotency keys: %w", err)
		}
		if n < w.batch {
			return total, nil
		}
	}
	return total, ctx.Err()
}
