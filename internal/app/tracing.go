package app

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// initTracing ставит глобальный TracerProvider и W3C-пропагатор.
// Экспортёра нет, trace_id попадает только в ответы и логи.
func initTracing(cfg Config, logger *log.Entry) func(context.Context) error {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.WithField("sample_ratio", cfg.TraceSampleRatio).Debug("tracing initialised")
	return provider.Shutdown
}
