// Package app собирает зависимости сервиса заказов и управляет их жизненным циклом.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderdesk/internal/health"
	"github.com/vladislavdragonenkov/orderdesk/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/notify"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/placement"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/reclaim"
	"github.com/vladislavdragonenkov/orderdesk/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/orderdesk/internal/transport/ws"
	"github.com/vladislavdragonenkov/orderdesk/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает HTTP API, метрики, gRPC health и фоновые воркеры и блокируется до отмены ctx.
// При штатной остановке возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	shutdownTracing := initTracing(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to shutdown tracer provider")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	if cfg.SeedProducts && cfg.StorageDriver == StorageDriverMemory {
		if err := seedProducts(ctx, deps.products, logger); err != nil {
			return err
		}
	}

	sinks := []domain.NotificationSink{notify.NewLogSink(logger.WithField("component", "notify-log-sink"))}

	var hub *ws.Hub
	if cfg.WebsocketEnabled {
		hub = ws.NewHub(ws.WithLogger(logger.WithField("component", "ws-hub")))
		sinks = append(sinks, hub)
	}

	kw := wireKafka(cfg, deps.audit, logger)
	defer kw.close(logger)
	sinks = kw.notificationSinks(sinks)
	auditSink := kw.auditSink(deps.audit)

	if cfg.RabbitMQURL != "" {
		rabbitSink, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			logger.WithError(err).Warn("failed to connect to rabbitmq, continuing without it")
		} else {
			defer func() {
				if err := rabbitSink.Close(); err != nil {
					logger.WithError(err).Warn("failed to close rabbitmq sink")
				}
			}()
			sinks = append(sinks, rabbitSink)
		}
	}

	dispatcher := notify.NewDispatcher(sinks,
		notify.WithLogger(logger.WithField("component", "notify-dispatcher")),
		notify.WithMetrics(metrics.NewNotificationMetrics()),
	)

	orders := placement.NewService(deps.uow, deps.orders,
		placement.WithLogger(logger.WithField("component", "placement")),
		placement.WithPolicy(cfg.rolePolicy()),
		placement.WithNotifier(dispatcher),
		placement.WithAuditSink(auditSink),
		placement.WithMetrics(metrics.NewPlacementMetrics()),
	)

	guard := idempotency.NewGuard(deps.idempotencyRepo,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithGuardLogger(logger.WithField("component", "idempotency-guard")),
	)

	routerDeps := httpapi.Dependencies{
		Orders:   orders,
		Products: deps.products,
		Audit:    deps.audit,
		Guard:    guard,
		Logger:   logger.WithField("component", "http-api"),
	}
	if hub != nil {
		routerDeps.Subscriber = hub
	}
	apiSrv := &http.Server{
		Handler:           httpapi.NewRouter(routerDeps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := metrics.RegisterCollector(nil, version.BuildInfo()); err != nil {
		logger.WithError(err).Warn("build info metric is not registered")
	}
	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	kw.register(healthHandler, cfg.KafkaBrokers)
	if err := metrics.RegisterCollector(nil, healthHandler.Collector()); err != nil {
		logger.WithError(err).Warn("dependency health metric is not registered")
	}
	metricsSrv := newMetricsServer(healthHandler)

	grpcServer, healthServer := newGRPCServer(logger)

	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = apiLis.Close()
		return fmt.Errorf("listen metrics: %w", err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = apiLis.Close()
		_ = metricsLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	reclaimWorker := reclaim.NewWorker(deps.uow, deps.orders,
		reclaim.WithLogger(logger.WithField("component", "reclaim-worker")),
		reclaim.WithInterval(cfg.ReclaimInterval),
		reclaim.WithStaleAfter(cfg.ReclaimStaleAfter),
		reclaim.WithBatchSize(cfg.ReclaimBatchSize),
		reclaim.WithNotifier(dispatcher),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("HTTP API слушает %s", apiLis.Addr())
		return serveHTTP(gctx, apiSrv, apiLis, logger)
	})
	g.Go(func() error {
		logger.Infof("метрики доступны по адресу %s/metrics", metricsLis.Addr())
		logger.Infof("health checks: /healthz, /livez, /readyz")
		return serveHTTP(gctx, metricsSrv, metricsLis, logger)
	})
	g.Go(func() error {
		logger.Infof("gRPC health сервер слушает %s", grpcLis.Addr())
		return serveGRPC(gctx, grpcServer, healthServer, grpcLis, logger)
	})
	g.Go(func() error {
		return reclaimWorker.Run(gctx)
	})
	if deps.cleanupRequired {
		cleanup := idempotency.NewCleanupWorker(deps.idempotencyRepo,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		)
		g.Go(func() error {
			return cleanup.Run(gctx)
		})
	}
	if hub != nil {
		g.Go(func() error {
			return hub.Run(gctx)
		})
	}
	if kw.consumer != nil {
		g.Go(func() error {
			return kw.consumer.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("все компоненты остановлены")
	return ctx.Err()
}

// newMetricsServer собирает служебный HTTP-сервер: /metrics и пробы.
func newMetricsServer(healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// newGRPCServer поднимает gRPC health и reflection, чтобы оркестратор и grpcurl
// могли проверять сервис.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return grpcServer, healthServer
}

// serveHTTP обслуживает lis до отмены ctx, затем аккуратно останавливает сервер.
func serveHTTP(ctx context.Context, srv *http.Server, lis net.Listener, logger *log.Entry) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownHTTP(srv, logger)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// serveGRPC обслуживает lis до отмены ctx; GracefulStop ограничен shutdownTimeout.
func serveGRPC(ctx context.Context, srv *grpc.Server, healthServer *health.Server, lis net.Listener, logger *log.Entry) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stoppedCh := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			srv.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
