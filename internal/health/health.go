// Package health отдаёт HTTP-пробы сервиса: /healthz с деталями, /livez и /readyz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Status: состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// severity упорядочивает статусы при сведении общего.
func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check: результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response: тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент. ctx уже ограничен таймаутом проверки.
type Checker interface {
	Check(ctx context.Context) Check
}

// Option настраивает Handler.
type Option func(*Handler)

// WithCheckTimeout ограничивает одну проверку.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithParallelism: сколько проверок идёт одновременно.
func WithParallelism(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.parallelism = n
		}
	}
}

// Handler собирает проверки зависимостей.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker

	version     string
	timeout     time.Duration
	parallelism int
	started     time.Time
	now         func() time.Time

	up *prometheus.GaugeVec
}

func NewHandler(version string, options ...Option) *Handler {
	h := &Handler{
		checkers:    make(map[string]Checker),
		version:     version,
		timeout:     2 * time.Second,
		parallelism: 8,
		now:         time.Now,
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orderdesk_dependency_up",
			Help: "1 if the last health check of the dependency passed, 0 otherwise.",
		}, []string{"dependency"}),
	}
	for _, option := range options {
		option(h)
	}
	h.started = h.now()
	return h
}

// RegisterChecker добавляет или заменяет проверку с именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Names: имена проверок по алфавиту.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Collector: gauge orderdesk_dependency_up, обновляется при каждом прогоне проверок.
func (h *Handler) Collector() prometheus.Collector {
	return h.up
}

// RunChecks запускает проверки параллельно и сводит общий статус: худший из частных.
func (h *Handler) RunChecks(ctx context.Context) (Status, map[string]Check) {
	names := h.Names()
	h.mu.RLock()
	checkers := make([]Checker, len(names))
	for i, name := range names {
		checkers[i] = h.checkers[name]
	}
	h.mu.RUnlock()

	results := make([]Check, len(names))
	var g errgroup.Group
	g.SetLimit(h.parallelism)
	for i, checker := range checkers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results[i] = checker.Check(checkCtx)
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	checks := make(map[string]Check, len(names))
	for i, name := range names {
		check := results[i]
		checks[name] = check
		if check.Status.severity() > overall.severity() {
			overall = check.Status
		}
		up := 0.0
		if check.Status == StatusHealthy {
			up = 1
		}
		h.up.WithLabelValues(name).Set(up)
	}
	return overall, checks
}

// ServeHTTP отдаёт подробный JSON; 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	overall, checks := h.RunChecks(r.Context())
	now := h.now()

	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{
		Status:        overall,
		Timestamp:     now.UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(now.Sub(h.started).Seconds()),
	})
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler: 503, пока хоть одна проверка unhealthy. degraded готовности не мешает.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if overall, _ := h.RunChecks(r.Context()); overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// PingChecker вызывает ping-функцию зависимости.
// Некритичная зависимость при ошибке даёт degraded, а не unhealthy.
type PingChecker struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

// NewPingChecker: проверка критичной зависимости.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, critical: true, ping: ping}
}

// NewOptionalChecker: проверка зависимости, без которой сервис работает с ограничениями.
func NewOptionalChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	started := time.Now()
	err := c.ping(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(started).Milliseconds()}
	if err == nil {
		return check
	}

	check.Message = err.Error()
	check.Status = StatusDegraded
	if c.critical {
		check.Status = StatusUnhealthy
	}
	return check
}
