package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"trellis-api"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"trellis"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`
	// Auth Enabled - when false, allows X-Tenant-ID and X-User-ID headers for testing
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for raw entry notifications
	KafkaEntryTopic string `env:"KAFKA_ENTRY_TOPIC" env-default:"raw-entries"`

	// Notion OAuth client ID
	NotionClientID string `env:"NOTION_CLIENT_ID" env-default:""`
	// Notion OAuth client secret
	NotionClientSecret string `env:"NOTION_CLIENT_SECRET" env-default:""`
	// Notion OAuth redirect URI
	NotionRedirectURI string `env:"NOTION_REDIRECT_URI" env-default:""`
	// Notion webhook verification secret override. When set, it takes
	// precedence over a secret captured from the verification handshake.
	NotionWebhookSecret string `env:"NOTION_WEBHOOK_SECRET" env-default:""`

	// Google OAuth client ID (Gmail)
	GoogleClientID string `env:"GOOGLE_CLIENT_ID" env-default:""`
	// Google OAuth client secret (Gmail)
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET" env-default:""`
	// Google OAuth redirect URI (Gmail)
	GoogleRedirectURI string `env:"GOOGLE_REDIRECT_URI" env-default:""`
	// Gmail Pub/Sub topic used for watch registrations
	GmailPubSubTopic string `env:"GMAIL_PUBSUB_TOPIC" env-default:""`
	// Maximum emails fetched during a Gmail backfill
	GmailBackfillMaxResults int `env:"GMAIL_BACKFILL_MAX_RESULTS" env-default:"10"`

	// Embedding service URL (opaque text -> vector collaborator)
	EmbeddingServiceURL string `env:"EMBEDDING_SERVICE_URL" env-default:""`
	// Embedding model name forwarded to the embedding service
	EmbeddingModel string `env:"EMBEDDING_MODEL" env-default:"gemini-embedding-001"`
	// Embedding vector dimensionality
	EmbeddingDimensions int `env:"EMBEDDING_DIMENSIONS" env-default:"3072"`

	// Provider API call timeout
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" env-default:"30s"`
	// Token revocation call timeout (disconnect must not hang on it)
	RevocationTimeout time.Duration `env:"REVOCATION_TIMEOUT" env-default:"10s"`

	// Redis Streams settings
	// Backfill job queue stream name
	RedisStreamsJobQueue string `env:"REDIS_STREAMS_JOB_QUEUE" env-default:"trellis:backfill"`
	// Consumer group name
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"trellis-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`
	// Number of backfill worker goroutines
	BackfillWorkerCount int `env:"BACKFILL_WORKER_COUNT" env-default:"2"`

	// Scheduler settings (Gmail watch renewal)
	// Scheduler poll interval
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"1h"`
	// Enable/disable the watch renewal scheduler
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"true"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}
