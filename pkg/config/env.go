package config

const (
	EnvPrefix = "SETTLEMENT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EventBackendNone   = "none"
	EventBackendPubSub = "pubsub"
	EventBackendKafka  = "kafka"

	ProviderSandbox = "sandbox"
	ProviderStripe  = "stripe"
)

const (
	EnvAppEnv    = "SETTLEMENT_APP_ENV"
	EnvPort      = "SETTLEMENT_APP_PORT"
	EnvDBDSN     = "SETTLEMENT_DB_DSN"
	EnvDBHost    = "SETTLEMENT_DB_HOST"
	EnvDBUser    = "SETTLEMENT_DB_USER"
	EnvDBName    = "SETTLEMENT_DB_NAME"
	EnvUseSQLite = "SETTLEMENT_USE_SQLITE"

	EnvRedisURL  = "SETTLEMENT_REDIS_URL"
	EnvJWTSecret = "SETTLEMENT_JWT_SECRET"
	EnvJWTIssuer = "SETTLEMENT_JWT_ISSUER"

	EnvEventingBackend = "SETTLEMENT_EVENTING_BACKEND"
	EnvGCPProjectID    = "SETTLEMENT_GCP_PROJECT_ID"
	EnvKafkaBrokers    = "SETTLEMENT_KAFKA_BROKERS"

	EnvProviderKind    = "SETTLEMENT_PROVIDER_KIND"
	EnvStripeSecretKey = "SETTLEMENT_STRIPE_SECRET_KEY"

	EnvWebhookSecret    = "SETTLEMENT_WEBHOOK_SECRET"
	EnvDestinationsKey  = "SETTLEMENT_DESTINATIONS_KEY_HEX"
	EnvPayoutMaxAttempt = "SETTLEMENT_PAYOUT_MAX_ATTEMPTS"
)

var dbPartEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
