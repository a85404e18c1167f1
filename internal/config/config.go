package config

import (
	"time"

	"github.com/shaiso/taskworker/internal/worker"
)

// Backend — реализация очереди.
const (
	BackendSQS    = "sqs"
	BackendAMQP   = "amqp"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Хранилище журнала идемпотентности.
const (
	IdempotencyNone     = "none"
	IdempotencyMemory   = "memory"
	IdempotencyRedis    = "redis"
	IdempotencyPostgres = "postgres"
)

// Config — конфигурация процесса.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Backend     string            `mapstructure:"backend" validate:"required,oneof=sqs amqp sqlite memory"`
	AWS         AWSConfig         `mapstructure:"aws"`
	AMQP        AMQPConfig        `mapstructure:"amqp"`
	SQLite      SQLiteConfig      `mapstructure:"sqlite"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Queues      []QueueConfig     `mapstructure:"queues" validate:"required,min=1,dive"`
}

// LogConfig — настройки логирования.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// AWSConfig — доступ к SQS. Пустые ключи — стандартная цепочка credentials.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	EndpointURL     string `mapstructure:"endpoint_url" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AMQPConfig — доступ к RabbitMQ.
type AMQPConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// SQLiteConfig — файл локальной очереди.
type SQLiteConfig struct {
	Path         string        `mapstructure:"path"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gte=0"`
}

// RedisConfig — доступ к Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// PostgresConfig — доступ к PostgreSQL.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// IdempotencyConfig — журнал обработанных задач.
type IdempotencyConfig struct {
	Store string        `mapstructure:"store" validate:"oneof=none memory redis postgres"`
	TTL   time.Duration `mapstructure:"ttl" validate:"gte=0"`

	// SweepSchedule — cron-расписание удаления истёкших записей (memory, postgres).
	SweepSchedule string `mapstructure:"sweep_schedule" validate:"required"`
}

// WorkerConfig — параметры обработки.
type WorkerConfig struct {
	MaxBatch          int           `mapstructure:"max_batch" validate:"gt=0,lte=10"`
	PollWait          time.Duration `mapstructure:"poll_wait" validate:"gte=0"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	ExtendInterval    time.Duration `mapstructure:"extend_interval"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout" validate:"gt=0"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace" validate:"gte=0"`
	OpTimeout         time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	PollBackoff       time.Duration `mapstructure:"poll_backoff" validate:"gt=0"`
	PollBackoffMax    time.Duration `mapstructure:"poll_backoff_max" validate:"gtefield=PollBackoff"`
	HealthSchedule    string        `mapstructure:"health_schedule" validate:"required"`
}

// RetryConfig — политика повторов.
type RetryConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay          time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries" validate:"gte=0"`
}

// MetricsConfig — HTTP-адрес /metrics и /healthz. Пустой — сервер не запускается.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// QueueConfig — очередь и её обработчики.
type QueueConfig struct {
	Name            string   `mapstructure:"name" validate:"required"`
	RoutingKey      string   `mapstructure:"routing_key"`
	Handlers        []string `mapstructure:"handlers" validate:"unique"`
	PrefetchCount   int      `mapstructure:"prefetch_count" validate:"gte=0"`
	ExchangeName    string   `mapstructure:"exchange_name"`
	DLXExchangeName string   `mapstructure:"dlx_exchange_name"`
	DLQName         string   `mapstructure:"dlq_name"`

	// QueueURL и DLQURL — только для SQS; пустые значения разрешаются по имени.
	QueueURL string `mapstructure:"queue_url" validate:"omitempty,url"`
	DLQURL   string `mapstructure:"dlq_url" validate:"omitempty,url"`
}

// Options переводит настройки в worker.Options.
func (c *Config) Options() worker.Options {
	return worker.Options{
		MaxBatch:          c.Worker.MaxBatch,
		PollWait:          c.Worker.PollWait,
		VisibilityTimeout: c.Worker.VisibilityTimeout,
		ExtendInterval:    c.Worker.ExtendInterval,
		ProcessingTimeout: c.Worker.ProcessingTimeout,
		ShutdownGrace:     c.Worker.ShutdownGrace,
		OpTimeout:         c.Worker.OpTimeout,
		PollBackoff:       c.Worker.PollBackoff,
		PollBackoffMax:    c.Worker.PollBackoffMax,
		HealthSchedule:    c.Worker.HealthSchedule,
		Retry: worker.RetryPolicy{
			BaseDelay: c.Retry.BaseDelay,
			MaxDelay:  c.Retry.MaxDelay,
		},
	}
}
