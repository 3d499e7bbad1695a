package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type DBConfig struct {
	DBDSN string `envconfig:"DB_DSN" required:"true"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type AWSConfig struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"` // e.g. http://localhost:4566
}

type ServerConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DefaultPhoneRegion string `envconfig:"DEFAULT_PHONE_REGION" default:"US"`
}

type SQSConsumerConfig struct {
	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
}

type APIConfig struct {
	ServerConfig
	DBConfig
}

type DrainerConfig struct {
	ServerConfig
	DBConfig
	AWSConfig

	SQSQueueURL     string `envconfig:"SQS_QUEUE_URL" required:"true"`
	SQSFIFO         bool   `envconfig:"SQS_FIFO" default:"false"`
	SQSGroupBuckets int    `envconfig:"SQS_GROUP_BUCKETS" default:"1024"`

	OutboxBatchSize   int           `envconfig:"OUTBOX_BATCH_SIZE" default:"50"`
	OutboxLease       time.Duration `envconfig:"OUTBOX_LEASE" default:"2m"`
	OutboxInterval    time.Duration `envconfig:"OUTBOX_INTERVAL" default:"1s"`
	OutboxMaxAttempts int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"8"`

	// sync.trigger fan-out: amqp | kafka | sqs | log
	SyncSink        string   `envconfig:"SYNC_SINK" default:"log"`
	AMQPURL         string   `envconfig:"AMQP_URL"`
	AMQPQueue       string   `envconfig:"AMQP_QUEUE" default:"msgpipe.sync"`
	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic      string   `envconfig:"KAFKA_TOPIC" default:"msgpipe.sync"`
	SyncSQSQueueURL string   `envconfig:"SYNC_SQS_QUEUE_URL"`
}

type WorkerConfig struct {
	ServerConfig
	DBConfig
	AWSConfig
	SQSConsumerConfig

	SQSQueueURL       string `envconfig:"SQS_QUEUE_URL" required:"true"`
	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// Twilio
	TwilioAccountSID          string  `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	TwilioAuthToken           string  `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	TwilioMessagingServiceSID string  `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string  `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioStatusCallbackURL   string  `envconfig:"TWILIO_STATUS_CALLBACK_URL"`
	TwilioRPSPerPod           float64 `envconfig:"TWILIO_RPS_PER_POD" default:"5"`
	TwilioBurst               int     `envconfig:"TWILIO_BURST" default:"10"`
}

type WebhookConfig struct {
	ServerConfig
	AWSConfig

	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	WebhookEventsFIFO     bool   `envconfig:"WEBHOOK_EVENTS_FIFO" default:"false"`

	// Webhook signature verification
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	PublicWebhookURL string `envconfig:"PUBLIC_WEBHOOK_URL" required:"true"` // must match EXACT base URL configured in Twilio
}

type WebhookProcessorConfig struct {
	ServerConfig
	DBConfig
	AWSConfig
	SQSConsumerConfig

	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	ProcessorConcurrency  int    `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`
}

type CLIConfig struct {
	DBConfig
	LogFormat          string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
	DefaultPhoneRegion string `envconfig:"DEFAULT_PHONE_REGION" default:"US"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	mustLoad(&cfg)
	return cfg
}

func LoadDrainer() DrainerConfig {
	var cfg DrainerConfig
	mustLoad(&cfg)
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	mustLoad(&cfg)
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	mustLoad(&cfg)
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	mustLoad(&cfg)
	return cfg
}

// LoadCLI returns an error instead of panicking so commands can report it.
func LoadCLI() (CLIConfig, error) {
	var cfg CLIConfig
	err := load(&cfg)
	return cfg, err
}

func mustLoad(cfg any) {
	if err := load(cfg); err != nil {
		panic(err)
	}
}

// load reads an optional .env file, then the process environment. Variables
// already set in the environment win over the file.
func load(cfg any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return envconfig.Process("", cfg)
}
