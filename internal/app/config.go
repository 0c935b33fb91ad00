package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/placement"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	// IdempotencyBackendStorage хранит idempotency-записи там же, где заказы.
	IdempotencyBackendStorage = "storage"
	IdempotencyBackendRedis   = "redis"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	LogLevel    string `yaml:"log_level"`

	// TraceSampleRatio: доля корневых трейсов, которые сэмплируются (0..1).
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	StorageDriver       string `yaml:"storage_driver"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool   `yaml:"postgres_auto_migrate"`
	// SeedProducts заводит демо-товары в пустом in-memory хранилище.
	SeedProducts bool `yaml:"seed_products"`

	IdempotencyBackend          string        `yaml:"idempotency_backend"`
	IdempotencyTTL              time.Duration `yaml:"idempotency_ttl"`
	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size"`
	RedisAddr                   string        `yaml:"redis_addr"`
	RedisPassword               string        `yaml:"redis_password"`
	RedisDB                     int           `yaml:"redis_db"`

	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
	ReclaimStaleAfter time.Duration `yaml:"reclaim_stale_after"`
	ReclaimBatchSize  int           `yaml:"reclaim_batch_size"`

	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaConsumerGroup string   `yaml:"kafka_consumer_group"`
	KafkaMaxRetries    int      `yaml:"kafka_max_retries"`
	RabbitMQURL        string   `yaml:"rabbitmq_url"`
	RabbitMQExchange   string   `yaml:"rabbitmq_exchange"`
	WebsocketEnabled   bool     `yaml:"websocket_enabled"`

	PlaceRoles    []string `yaml:"place_roles"`
	OverrideRoles []string `yaml:"override_roles"`
	CompleteRoles []string `yaml:"complete_roles"`
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",
		LogLevel:    "info",

		TraceSampleRatio: 1,

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		SeedProducts:        true,

		IdempotencyBackend:          IdempotencyBackendStorage,
		IdempotencyTTL:              domain.IdempotencyTTL,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		ReclaimInterval:   domain.ReclaimInterval,
		ReclaimStaleAfter: domain.StaleOrderThreshold,
		ReclaimBatchSize:  100,

		KafkaConsumerGroup: "orderdesk-audit",
		KafkaMaxRetries:    3,
		RabbitMQExchange:   "orderdesk.notifications",
		WebsocketEnabled:   true,

		PlaceRoles:    []string{domain.RoleAdmin, domain.RoleSales, domain.RoleBuyer},
		OverrideRoles: []string{domain.RoleAdmin, domain.RoleSales},
		CompleteRoles: []string{domain.RoleAdmin, domain.RoleSales},
	}
}

// LoadFile накладывает YAML-файл поверх base. Ключи, которых нет в файле, остаются как в base;
// неизвестные ключи считаются ошибкой.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}
	return decodeYAML(data, base)
}

func decodeYAML(data []byte, base Config) (Config, error) {
	cfg := base
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return base, nil
		}
		return base, fmt.Errorf("decode config file: %w", err)
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек перед запуском.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires postgres dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.IdempotencyBackend {
	case IdempotencyBackendStorage:
	case IdempotencyBackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis idempotency backend requires redis addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported idempotency backend %q", c.IdempotencyBackend))
	}

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be > 0"))
	}
	if c.ReclaimInterval <= 0 || c.ReclaimStaleAfter <= 0 {
		errs = append(errs, errors.New("reclaim interval and stale-after must be > 0"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("trace sample ratio must be within [0, 1]"))
	}
	if c.ReclaimBatchSize <= 0 {
		errs = append(errs, errors.New("reclaim batch size must be > 0"))
	}

	return errors.Join(errs...)
}

// rolePolicy собирает ролевую политику из настроек. Пустые списки оставляют значения по умолчанию.
func (c Config) rolePolicy() placement.RolePolicy {
	policy := placement.DefaultRolePolicy()
	if len(c.PlaceRoles) > 0 {
		policy.PlaceRoles = c.PlaceRoles
	}
	if len(c.OverrideRoles) > 0 {
		policy.OverrideRoles = c.OverrideRoles
	}
	if len(c.CompleteRoles) > 0 {
		policy.CompleteRoles = c.CompleteRoles
	}
	return policy
}

// SplitList режет значение вида "a, b,,c" на непустые элементы.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
