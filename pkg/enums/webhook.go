package enums

// WebhookStatus is the processing state of an inbox row.
type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "RECEIVED"
	WebhookProcessed WebhookStatus = "PROCESSED"
	WebhookFailed    WebhookStatus = "FAILED"
)

// IdempotencyStatus is the state of a generic idempotency record.
type IdempotencyStatus string

const (
	IdempotencyStarted   IdempotencyStatus = "STARTED"
	IdempotencySucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
)
