package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/app"
	"github.com/vladislavdragonenkov/orderdesk/internal/version"
)

const (
	envConfigFile                  = "ORDERDESK_CONFIG_FILE"
	envLogLevel                    = "ORDERDESK_LOG_LEVEL"
	envTraceSampleRatio            = "ORDERDESK_TRACE_SAMPLE_RATIO"
	envHTTPAddr                    = "ORDERDESK_HTTP_ADDR"
	envMetricsAddr                 = "ORDERDESK_METRICS_ADDR"
	envGRPCAddr                    = "ORDERDESK_GRPC_ADDR"
	envStorageDriver               = "ORDERDESK_STORAGE_DRIVER"
	envPostgresDSN                 = "ORDERDESK_POSTGRES_DSN"
	envPostgresAutoMigrate         = "ORDERDESK_POSTGRES_AUTO_MIGRATE"
	envSeedProducts                = "ORDERDESK_SEED_PRODUCTS"
	envIdempotencyBackend          = "ORDERDESK_IDEMPOTENCY_BACKEND"
	envIdempotencyTTL              = "ORDERDESK_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "ORDERDESK_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "ORDERDESK_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envRedisAddr                   = "ORDERDESK_REDIS_ADDR"
	envRedisPassword               = "ORDERDESK_REDIS_PASSWORD"
	envRedisDB                     = "ORDERDESK_REDIS_DB"
	envReclaimInterval             = "ORDERDESK_RECLAIM_INTERVAL"
	envReclaimStaleAfter           = "ORDERDESK_RECLAIM_STALE_AFTER"
	envReclaimBatchSize            = "ORDERDESK_RECLAIM_BATCH_SIZE"
	envKafkaBrokers                = "ORDERDESK_KAFKA_BROKERS"
	envKafkaConsumerGroup          = "ORDERDESK_KAFKA_CONSUMER_GROUP"
	envRabbitMQURL                 = "ORDERDESK_RABBITMQ_URL"
	envRabbitMQExchange            = "ORDERDESK_RABBITMQ_EXCHANGE"
	envWebsocketEnabled            = "ORDERDESK_WEBSOCKET_ENABLED"
	envPlaceRoles                  = "ORDERDESK_PLACE_ROLES"
	envOverrideRoles               = "ORDERDESK_OVERRIDE_ROLES"
	envCompleteRoles               = "ORDERDESK_COMPLETE_ROLES"
)

// envLookup совпадает по сигнатуре с os.LookupEnv; в тестах подменяется map'ой.
type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

// readConfigFromEnv собирает конфигурацию: значения по умолчанию, затем YAML-файл, затем переменные окружения.
// Невалидные значения не роняют запуск: остаётся предыдущее значение, а в warnings попадает причина.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, raw, err))
	}

	if path, ok := lookupTrimmed(lookup, envConfigFile); ok {
		loaded, err := app.LoadFile(path, cfg)
		if err != nil {
			warn(envConfigFile, path, err)
		} else {
			cfg = loaded
		}
	}

	setString := func(key string, target *string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			*target = v
		}
	}
	setBool := func(key string, target *bool) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			parsed, err := parseBool(v)
			if err != nil {
				warn(key, v, err)
				return
			}
			*target = parsed
		}
	}
	setInt := func(key string, target *int, valid func(int) bool, rule string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			parsed, err := parseInt(v, valid, rule)
			if err != nil {
				warn(key, v, err)
				return
			}
			*target = parsed
		}
	}
	setDuration := func(key string, target *time.Duration) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0")
			if err != nil {
				warn(key, v, err)
				return
			}
			*target = parsed
		}
	}
	setList := func(key string, target *[]string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			*target = app.SplitList(v)
		}
	}
	positive := func(v int) bool { return v > 0 }

	setString(envLogLevel, &cfg.LogLevel)
	if v, ok := lookupTrimmed(lookup, envTraceSampleRatio); ok {
		parsed, err := parseRatio(v)
		if err != nil {
			warn(envTraceSampleRatio, v, err)
		} else {
			cfg.TraceSampleRatio = parsed
		}
	}
	setString(envHTTPAddr, &cfg.HTTPAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)
	setString(envGRPCAddr, &cfg.GRPCAddr)

	if v, ok := lookupTrimmed(lookup, envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	setBool(envSeedProducts, &cfg.SeedProducts)

	if v, ok := lookupTrimmed(lookup, envIdempotencyBackend); ok {
		cfg.IdempotencyBackend = strings.ToLower(v)
	}
	setDuration(envIdempotencyTTL, &cfg.IdempotencyTTL)
	setDuration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval)
	setInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")
	setString(envRedisAddr, &cfg.RedisAddr)
	setString(envRedisPassword, &cfg.RedisPassword)
	setInt(envRedisDB, &cfg.RedisDB, func(v int) bool { return v >= 0 }, "must be >= 0")

	setDuration(envReclaimInterval, &cfg.ReclaimInterval)
	setDuration(envReclaimStaleAfter, &cfg.ReclaimStaleAfter)
	setInt(envReclaimBatchSize, &cfg.ReclaimBatchSize, positive, "must be > 0")

	setList(envKafkaBrokers, &cfg.KafkaBrokers)
	setString(envKafkaConsumerGroup, &cfg.KafkaConsumerGroup)
	setString(envRabbitMQURL, &cfg.RabbitMQURL)
	setString(envRabbitMQExchange, &cfg.RabbitMQExchange)
	setBool(envWebsocketEnabled, &cfg.WebsocketEnabled)

	setList(envPlaceRoles, &cfg.PlaceRoles)
	setList(envOverrideRoles, &cfg.OverrideRoles)
	setList(envCompleteRoles, &cfg.CompleteRoles)

	return cfg, warnings
}

func lookupTrimmed(lookup envLookup, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}

func parseRatio(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 1 {
		return 0, errors.New("must be within [0, 1]")
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}

func main() {
	// .env опционален: в контейнере переменные приходят из окружения.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	setupLogger(cfg.LogLevel)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"storage_driver": cfg.StorageDriver,
		"idempotency":    cfg.IdempotencyBackend,
	}).Info("запускаем orderdesk")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("orderdesk остановлен")
}
