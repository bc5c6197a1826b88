package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	CartDriverStore = "store"
	CartDriverRedis = "redis"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Имена переменных окружения. Все начинаются с CHECKOUT_.
const (
	EnvConfigFile = "CHECKOUT_CONFIG_FILE"

	envGRPCAddr                    = "CHECKOUT_GRPC_ADDR"
	envMetricsAddr                 = "CHECKOUT_METRICS_ADDR"
	envStorageDriver               = "CHECKOUT_STORAGE_DRIVER"
	envPostgresDSN                 = "CHECKOUT_POSTGRES_DSN"
	envPostgresAutoMigrate         = "CHECKOUT_POSTGRES_AUTO_MIGRATE"
	envPostgresMaxConns            = "CHECKOUT_POSTGRES_MAX_CONNS"
	envCartDriver                  = "CHECKOUT_CART_DRIVER"
	envRedisAddr                   = "CHECKOUT_REDIS_ADDR"
	envRedisPassword               = "CHECKOUT_REDIS_PASSWORD"
	envRedisDB                     = "CHECKOUT_REDIS_DB"
	envCartTTL                     = "CHECKOUT_CART_TTL"
	envKafkaBrokers                = "CHECKOUT_KAFKA_BROKERS"
	envKafkaEventsTopic            = "CHECKOUT_KAFKA_EVENTS_TOPIC"
	envKafkaDLQTopic               = "CHECKOUT_KAFKA_DLQ_TOPIC"
	envKafkaPaymentsTopic          = "CHECKOUT_KAFKA_PAYMENTS_TOPIC"
	envKafkaGroupID                = "CHECKOUT_KAFKA_GROUP_ID"
	envReservationTTL              = "CHECKOUT_RESERVATION_TTL"
	envExpiryPollInterval          = "CHECKOUT_EXPIRY_POLL_INTERVAL"
	envExpiryBatchSize             = "CHECKOUT_EXPIRY_BATCH_SIZE"
	envExpiryLease                 = "CHECKOUT_EXPIRY_LEASE"
	envStockTokenRetention         = "CHECKOUT_STOCK_TOKEN_RETENTION"
	envOutboxPollInterval          = "CHECKOUT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "CHECKOUT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "CHECKOUT_OUTBOX_MAX_ATTEMPTS"
	envIdempotencyTTL              = "CHECKOUT_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "CHECKOUT_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "CHECKOUT_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envLogLevel                    = "CHECKOUT_LOG_LEVEL"
	envLogFormat                   = "CHECKOUT_LOG_FORMAT"
)

// EnvLookup совпадает с сигнатурой os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// SeedSKU описывает sku, загружаемый в каталог при старте. Остаток задаётся только для новых sku.
type SeedSKU struct {
	ID             string `yaml:"id"`
	ProductID      string `yaml:"product_id"`
	VariationID    string `yaml:"variation_id"`
	UnitPriceMinor int64  `yaml:"unit_price_minor"`
	Currency       string `yaml:"currency"`
	AvailableQty   int64  `yaml:"available_qty"`
	// Active по умолчанию true.
	Active *bool `yaml:"active"`
}

// ToDomain переводит запись конфига в sku каталога.
func (s SeedSKU) ToDomain() domain.SKU {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return domain.SKU{
		ID:             strings.TrimSpace(s.ID),
		ProductID:      strings.TrimSpace(s.ProductID),
		VariationID:    strings.TrimSpace(s.VariationID),
		UnitPriceMinor: s.UnitPriceMinor,
		Currency:       strings.ToUpper(strings.TrimSpace(s.Currency)),
		AvailableQty:   s.AvailableQty,
		Active:         active,
	}
}

// Config описывает настройки запуска checkout-service.
type Config struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	StorageDriver       string `yaml:"storage_driver"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool   `yaml:"postgres_auto_migrate"`
	PostgresMaxConns    int    `yaml:"postgres_max_conns"`

	CartDriver    string        `yaml:"cart_driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	CartTTL       time.Duration `yaml:"cart_ttl"`

	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaEventsTopic   string   `yaml:"kafka_events_topic"`
	KafkaDLQTopic      string   `yaml:"kafka_dlq_topic"`
	KafkaPaymentsTopic string   `yaml:"kafka_payments_topic"`
	KafkaGroupID       string   `yaml:"kafka_group_id"`

	ReservationTTL time.Duration `yaml:"reservation_ttl"`

	ExpiryPollInterval  time.Duration `yaml:"expiry_poll_interval"`
	ExpiryBatchSize     int           `yaml:"expiry_batch_size"`
	ExpiryLease         time.Duration `yaml:"expiry_lease"`
	// ExpiryJobRetention задаёт, сколько хранить отработанные задачи истечения.
	ExpiryJobRetention  time.Duration `yaml:"expiry_job_retention"`
	// StockTokenRetention задаёт, сколько хранить токены stock ledger после завершения заказа.
	StockTokenRetention time.Duration `yaml:"stock_token_retention"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`

	IdempotencyTTL              time.Duration `yaml:"idempotency_ttl"`
	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	SeedSKUs []SeedSKU `yaml:"seed_skus"`
}

// DefaultConfig возвращает настройки для локального запуска на memory store.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		PostgresMaxConns:            25,
		CartDriver:                  CartDriverStore,
		RedisAddr:                   "localhost:6379",
		CartTTL:                     72 * time.Hour,
		KafkaEventsTopic:            "checkout.order.events",
		KafkaDLQTopic:               "checkout.dlq",
		KafkaPaymentsTopic:          "checkout.payments.confirmed",
		KafkaGroupID:                "checkout-service",
		ReservationTTL:              10 * time.Minute,
		ExpiryPollInterval:          time.Second,
		ExpiryBatchSize:             100,
		ExpiryLease:                 30 * time.Second,
		ExpiryJobRetention:          24 * time.Hour,
		StockTokenRetention:         7 * 24 * time.Hour,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           5,
		OutboxRetryDelay:            time.Second,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		LogLevel:                    "info",
		LogFormat:                   LogFormatText,
	}
}

// Validate проверяет несовместимые и некорректные значения.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.GRPCAddr) == "" {
		errs = append(errs, errors.New("grpc_addr is required"))
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres_dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	switch c.CartDriver {
	case CartDriverStore:
	case CartDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis_addr is required for redis cart driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported cart driver %q", c.CartDriver))
	}
	if c.ReservationTTL <= 0 {
		errs = append(errs, errors.New("reservation_ttl must be > 0"))
	}
	if c.ExpiryPollInterval <= 0 || c.ExpiryBatchSize <= 0 || c.ExpiryLease <= 0 {
		errs = append(errs, errors.New("expiry worker settings must be > 0"))
	}
	if c.ExpiryJobRetention < 0 || c.StockTokenRetention < 0 {
		errs = append(errs, errors.New("retention settings must be >= 0"))
	}
	if c.OutboxPollInterval <= 0 || c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox worker settings must be > 0"))
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaGroupID) == "" {
		errs = append(errs, errors.New("kafka_group_id is required when kafka_brokers are set"))
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}

	seen := make(map[string]struct{}, len(c.SeedSKUs))
	for _, seed := range c.SeedSKUs {
		sku := seed.ToDomain()
		if problems := sku.Validate(); len(problems) > 0 {
			errs = append(errs, fmt.Errorf("seed sku %q: %w", sku.ID, errors.Join(problems...)))
		}
		if _, dup := seen[sku.ID]; dup {
			errs = append(errs, fmt.Errorf("seed sku %q is duplicated", sku.ID))
		}
		seen[sku.ID] = struct{}{}
	}

	return errors.Join(errs...)
}

// LoadConfig собирает конфиг: значения по умолчанию, затем YAML-файл из
// CHECKOUT_CONFIG_FILE, затем переменные окружения. Некорректные значения
// переменных не прерывают загрузку, а возвращаются предупреждениями.
func LoadConfig(lookup EnvLookup) (Config, []string, error) {
	cfg := DefaultConfig()

	if path, ok := lookup(EnvConfigFile); ok && strings.TrimSpace(path) != "" {
		if err := loadConfigFile(strings.TrimSpace(path), &cfg); err != nil {
			return Config{}, nil, err
		}
	}

	warnings := applyEnv(&cfg, lookup)
	return cfg, warnings, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return decodeConfig(data, cfg)
}

func decodeConfig(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup EnvLookup) []string {
	var warnings []string
	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
	}

	setString := func(key string, target *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	setLower := func(key string, target *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.ToLower(strings.TrimSpace(v))
		}
	}
	setBool := func(key string, target *bool) {
		if v, ok := lookup(key); ok {
			parsed, err := parseBool(v)
			if err != nil {
				warn(key, v, err)
				return
			}
			*target = parsed
		}
	}
	setInt := func(key string, target *int, valid func(int) bool, rule string) {
		if v, ok := lookup(key); ok {
			parsed, err := parseInt(v, valid, rule)
			if err != nil {
				warn(key, v, err)
				return
			}
			*target = parsed
		}
	}
	setDuration := func(key string, target *time.Duration) {
		if v, ok := lookup(key); ok {
			parsed, err := parseDuration(v, positiveDuration, "must be > 0")
			if err != nil {
				warn(key, v, err)
				return
			}
			*target = parsed
		}
	}

	setString(envGRPCAddr, &cfg.GRPCAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)
	setLower(envStorageDriver, &cfg.StorageDriver)
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	setInt(envPostgresMaxConns, &cfg.PostgresMaxConns, positiveInt, "must be > 0")
	setLower(envCartDriver, &cfg.CartDriver)
	setString(envRedisAddr, &cfg.RedisAddr)
	setString(envRedisPassword, &cfg.RedisPassword)
	setInt(envRedisDB, &cfg.RedisDB, func(v int) bool { return v >= 0 }, "must be >= 0")
	setDuration(envCartTTL, &cfg.CartTTL)
	if v, ok := lookup(envKafkaBrokers); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	setString(envKafkaEventsTopic, &cfg.KafkaEventsTopic)
	setString(envKafkaDLQTopic, &cfg.KafkaDLQTopic)
	setString(envKafkaPaymentsTopic, &cfg.KafkaPaymentsTopic)
	setString(envKafkaGroupID, &cfg.KafkaGroupID)
	setDuration(envReservationTTL, &cfg.ReservationTTL)
	setDuration(envExpiryPollInterval, &cfg.ExpiryPollInterval)
	setInt(envExpiryBatchSize, &cfg.ExpiryBatchSize, positiveInt, "must be > 0")
	setDuration(envExpiryLease, &cfg.ExpiryLease)
	setDuration(envStockTokenRetention, &cfg.StockTokenRetention)
	setDuration(envOutboxPollInterval, &cfg.OutboxPollInterval)
	setInt(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	setInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	setDuration(envIdempotencyTTL, &cfg.IdempotencyTTL)
	setDuration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval)
	setInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")
	setLower(envLogLevel, &cfg.LogLevel)
	setLower(envLogFormat, &cfg.LogFormat)

	return warnings
}

func positiveInt(v int) bool { return v > 0 }

func positiveDuration(v time.Duration) bool { return v > 0 }

func splitList(raw string) []string {
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
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
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}
