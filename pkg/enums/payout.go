package enums

// PayoutStatus is the lifecycle state of a ProviderPayout.
type PayoutStatus string

const (
	PayoutCreated     PayoutStatus = "CREATED"
	PayoutQueued      PayoutStatus = "QUEUED"
	PayoutSent        PayoutStatus = "SENT"
	PayoutSucceeded   PayoutStatus = "SUCCEEDED"
	PayoutFailed      PayoutStatus = "FAILED"
	PayoutQuarantined PayoutStatus = "QUARANTINED"
	PayoutReconciled  PayoutStatus = "RECONCILED"
	PayoutCancelled   PayoutStatus = "CANCELLED"
	PayoutReversed    PayoutStatus = "REVERSED"
)

var validPayoutStatuses = []PayoutStatus{
	PayoutCreated,
	PayoutQueued,
	PayoutSent,
	PayoutSucceeded,
	PayoutFailed,
	PayoutQuarantined,
	PayoutReconciled,
	PayoutCancelled,
	PayoutReversed,
}

// SUCCEEDED is terminal for dispatch but still moves to RECONCILED or
// REVERSED through reconciliation, so it is not listed here.
var terminalPayoutStatuses = []PayoutStatus{
	PayoutQuarantined,
	PayoutReconciled,
	PayoutCancelled,
	PayoutReversed,
}

// DailyCapStatuses count towards a tenant's daily payout cap.
var DailyCapStatuses = []PayoutStatus{PayoutQueued, PayoutSent, PayoutSucceeded, PayoutReconciled}

func (s PayoutStatus) String() string { return string(s) }

func (s PayoutStatus) IsValid() bool { return contains(validPayoutStatuses, s) }

func (s PayoutStatus) IsTerminal() bool { return contains(terminalPayoutStatuses, s) }

func ParsePayoutStatus(value string) (PayoutStatus, error) {
	return parse(validPayoutStatuses, value, "payout status")
}

// PayoutRequestStatus tracks seller-initiated withdrawal requests.
type PayoutRequestStatus string

const (
	PayoutRequestRequested PayoutRequestStatus = "REQUESTED"
	PayoutRequestApproved  PayoutRequestStatus = "APPROVED"
	PayoutRequestRejected  PayoutRequestStatus = "REJECTED"
)

var validPayoutRequestStatuses = []PayoutRequestStatus{
	PayoutRequestRequested,
	PayoutRequestApproved,
	PayoutRequestRejected,
}

func (s PayoutRequestStatus) IsValid() bool { return contains(validPayoutRequestStatuses, s) }

func ParsePayoutRequestStatus(value string) (PayoutRequestStatus, error) {
	return parse(validPayoutRequestStatuses, value, "payout request status")
}

// HoldStatus tracks a settlement's funds through the hold pipeline.
type HoldStatus string

const (
	HoldPending  HoldStatus = "PENDING"
	HoldReserved HoldStatus = "RESERVED"
	HoldReleased HoldStatus = "RELEASED"
)
