package enums

// AlertType classifies integrity alerts.
type AlertType string

const (
	AlertLedgerUnbalanced   AlertType = "LEDGER_UNBALANCED"
	AlertBalanceDrift       AlertType = "BALANCE_DRIFT"
	AlertPayoutDebitMissing AlertType = "PAYOUT_DEBIT_MISSING"
	AlertProviderReversal   AlertType = "PROVIDER_REVERSAL"
	AlertProviderFailure    AlertType = "PROVIDER_FAILURE"
	AlertProviderMissing    AlertType = "PROVIDER_MISSING"
	AlertAmountMismatch     AlertType = "AMOUNT_MISMATCH"
	AlertPayoutQuarantined  AlertType = "PAYOUT_QUARANTINED"
)

var validAlertTypes = []AlertType{
	AlertLedgerUnbalanced,
	AlertBalanceDrift,
	AlertPayoutDebitMissing,
	AlertProviderReversal,
	AlertProviderFailure,
	AlertProviderMissing,
	AlertAmountMismatch,
	AlertPayoutQuarantined,
}

func (a AlertType) IsValid() bool { return contains(validAlertTypes, a) }

func ParseAlertType(value string) (AlertType, error) {
	return parse(validAlertTypes, value, "alert type")
}

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

type AlertStatus string

const (
	AlertOpen         AlertStatus = "OPEN"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
)

func ParseAlertStatus(value string) (AlertStatus, error) {
	return parse([]AlertStatus{AlertOpen, AlertAcknowledged}, value, "alert status")
}
