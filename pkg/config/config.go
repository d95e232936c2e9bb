package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Kafka        KafkaConfig
	Outbox       OutboxConfig
	Payout       PayoutConfig
	Provider     ProviderConfig
	Webhook      WebhookConfig
	Reconcile    ReconcileConfig
	Trust        TrustConfig
	Destinations DestinationsConfig
	Cron         CronConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Eventing.Backend {
	case EventBackendPubSub:
		if c.GCP.ProjectID == "" {
			return fmt.Errorf("%s is required when eventing backend is %s", EnvGCPProjectID, EventBackendPubSub)
		}
	case EventBackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%s is required when eventing backend is %s", EnvKafkaBrokers, EventBackendKafka)
		}
	case EventBackendNone:
	default:
		return fmt.Errorf("unsupported eventing backend %q", c.Eventing.Backend)
	}
	switch c.Provider.Kind {
	case ProviderSandbox:
	case ProviderStripe:
		if c.Provider.StripeSecretKey == "" {
			return fmt.Errorf("%s is required for the stripe provider", EnvStripeSecretKey)
		}
	default:
		return fmt.Errorf("unsupported payout provider %q", c.Provider.Kind)
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"SETTLEMENT_APP_ENV" required:"true"`
	Port         string `envconfig:"SETTLEMENT_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"SETTLEMENT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SETTLEMENT_LOG_WARN_STACK" default:"false"`
	// Origins allowed to call the admin surface from a browser.
	CORSOrigins []string `envconfig:"SETTLEMENT_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SETTLEMENT_SERVICE_KIND" default:"api"`
	// Token presented by the order/settlement caller on internal routes.
	InternalToken string `envconfig:"SETTLEMENT_INTERNAL_TOKEN"`
}

type DBConfig struct {
	DSN    string `envconfig:"SETTLEMENT_DB_DSN"`
	Driver string `envconfig:"SETTLEMENT_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"SETTLEMENT_DB_HOST"`
	Port     int    `envconfig:"SETTLEMENT_DB_PORT" default:"5432"`
	User     string `envconfig:"SETTLEMENT_DB_USER"`
	Password string `envconfig:"SETTLEMENT_DB_PASSWORD"`
	Name     string `envconfig:"SETTLEMENT_DB_NAME"`
	SSLMode  string `envconfig:"SETTLEMENT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SETTLEMENT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SETTLEMENT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SETTLEMENT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SETTLEMENT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SETTLEMENT_REDIS_URL" required:"true"`
	PoolSize     int           `envconfig:"SETTLEMENT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SETTLEMENT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SETTLEMENT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SETTLEMENT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SETTLEMENT_REDIS_WRITE_TIMEOUT" default:"5s"`
	// TTL for stored Idempotency-Key responses on admin routes.
	IdempotencyTTL time.Duration `envconfig:"SETTLEMENT_REDIS_IDEMPOTENCY_TTL" default:"24h"`
}

type JWTConfig struct {
	Secret            string `envconfig:"SETTLEMENT_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"SETTLEMENT_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"SETTLEMENT_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"SETTLEMENT_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"SETTLEMENT_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	Backend string `envconfig:"SETTLEMENT_EVENTING_BACKEND" default:"none"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"SETTLEMENT_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"SETTLEMENT_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	FinanceTopic string `envconfig:"SETTLEMENT_PUBSUB_FINANCE_TOPIC" default:"finance-events"`
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"SETTLEMENT_KAFKA_BROKERS"`
	FinanceTopic string        `envconfig:"SETTLEMENT_KAFKA_FINANCE_TOPIC" default:"finance-events"`
	WriteTimeout time.Duration `envconfig:"SETTLEMENT_KAFKA_WRITE_TIMEOUT" default:"10s"`
}

// OutboxConfig drives the finance domain-event publisher.
type OutboxConfig struct {
	BatchSize      int `envconfig:"SETTLEMENT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"SETTLEMENT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"SETTLEMENT_OUTBOX_MAX_ATTEMPTS" default:"10"`
	// Aggregates published in parallel per batch; events of one aggregate stay ordered.
	Concurrency int           `envconfig:"SETTLEMENT_OUTBOX_PUBLISH_CONCURRENCY" default:"4"`
	Retention   time.Duration `envconfig:"SETTLEMENT_OUTBOX_RETENTION" default:"720h"`
	// Optional dedicated topic for integrity alerts; empty keeps them on the finance topic.
	AlertTopic string `envconfig:"SETTLEMENT_OUTBOX_ALERT_TOPIC"`
}

// PayoutConfig drives the payout dispatch worker.
type PayoutConfig struct {
	BatchSize       int           `envconfig:"SETTLEMENT_PAYOUT_BATCH_SIZE" default:"25"`
	Concurrency     int           `envconfig:"SETTLEMENT_PAYOUT_CONCURRENCY" default:"4"`
	MaxAttempts     int           `envconfig:"SETTLEMENT_PAYOUT_MAX_ATTEMPTS" default:"5"`
	BackoffBase     time.Duration `envconfig:"SETTLEMENT_PAYOUT_BACKOFF_BASE" default:"5s"`
	BackoffCap      time.Duration `envconfig:"SETTLEMENT_PAYOUT_BACKOFF_CAP" default:"10m"`
	PollInterval    time.Duration `envconfig:"SETTLEMENT_PAYOUT_POLL_INTERVAL" default:"2s"`
	ProviderTimeout time.Duration `envconfig:"SETTLEMENT_PAYOUT_PROVIDER_TIMEOUT" default:"15s"`
	ClaimLease      time.Duration `envconfig:"SETTLEMENT_PAYOUT_CLAIM_LEASE" default:"20m"`
	RatePerSecond   float64       `envconfig:"SETTLEMENT_PAYOUT_RATE_PER_SECOND" default:"10"`
	RateBurst       int           `envconfig:"SETTLEMENT_PAYOUT_RATE_BURST" default:"5"`
	Currency        string        `envconfig:"SETTLEMENT_PAYOUT_CURRENCY" default:"EUR"`
}

type ProviderConfig struct {
	Kind            string `envconfig:"SETTLEMENT_PROVIDER_KIND" default:"sandbox"`
	StripeSecretKey string `envconfig:"SETTLEMENT_STRIPE_SECRET_KEY"`
	StripeEnv       string `envconfig:"SETTLEMENT_STRIPE_ENV" default:"test"`
	// Stripe's own webhook signing secret; the generic Webhook.Secret is used for sandbox.
	StripeWebhookSecret string `envconfig:"SETTLEMENT_STRIPE_WEBHOOK_SECRET"`
}

type WebhookConfig struct {
	Provider        string        `envconfig:"SETTLEMENT_WEBHOOK_PROVIDER" default:"sandbox"`
	Secret          string        `envconfig:"SETTLEMENT_WEBHOOK_SECRET" required:"true"`
	FreshnessWindow time.Duration `envconfig:"SETTLEMENT_WEBHOOK_FRESHNESS_WINDOW" default:"5m"`
	InboxRetention  time.Duration `envconfig:"SETTLEMENT_WEBHOOK_INBOX_RETENTION" default:"2160h"`
	MaxBodyBytes    int64         `envconfig:"SETTLEMENT_WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
}

type ReconcileConfig struct {
	RecentWindow    time.Duration `envconfig:"SETTLEMENT_RECONCILE_RECENT_WINDOW" default:"72h"`
	MinAge          time.Duration `envconfig:"SETTLEMENT_RECONCILE_MIN_AGE" default:"15m"`
	GracePeriod     time.Duration `envconfig:"SETTLEMENT_RECONCILE_GRACE_PERIOD" default:"24h"`
	LargeDriftCents int64         `envconfig:"SETTLEMENT_RECONCILE_LARGE_DRIFT_CENTS" default:"100000"`
	FullSweepHour   int           `envconfig:"SETTLEMENT_RECONCILE_FULL_SWEEP_HOUR" default:"3"`
	BatchSize       int           `envconfig:"SETTLEMENT_RECONCILE_BATCH_SIZE" default:"200"`
}

type TrustConfig struct {
	BaseHoldDays        int     `envconfig:"SETTLEMENT_TRUST_BASE_HOLD_DAYS" default:"14"`
	BaseEarlyReleasePct string  `envconfig:"SETTLEMENT_TRUST_BASE_EARLY_RELEASE_PCT" default:"3.0"`
	WindowDays          int     `envconfig:"SETTLEMENT_TRUST_WINDOW_DAYS" default:"90"`
	MinOrders           int     `envconfig:"SETTLEMENT_TRUST_MIN_ORDERS" default:"5"`
	ChargebackWeight    float64 `envconfig:"SETTLEMENT_TRUST_CHARGEBACK_WEIGHT" default:"25"`
}

type DestinationsConfig struct {
	// 32 byte key, hex encoded, used to seal IBANs at rest.
	EncryptionKeyHex string `envconfig:"SETTLEMENT_DESTINATIONS_KEY_HEX" required:"true"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"SETTLEMENT_CRON_INTERVAL" default:"5m"`
	LockTTL  time.Duration `envconfig:"SETTLEMENT_CRON_LOCK_TTL" default:"4m"`
}

type RateLimitConfig struct {
	Window       time.Duration `envconfig:"SETTLEMENT_RATE_LIMIT_WINDOW" default:"1m"`
	WebhookLimit int           `envconfig:"SETTLEMENT_RATE_LIMIT_WEBHOOK" default:"600"`
	AdminLimit   int           `envconfig:"SETTLEMENT_RATE_LIMIT_ADMIN" default:"120"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = "file:settlement.db?cache=shared"
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range dbPartEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
