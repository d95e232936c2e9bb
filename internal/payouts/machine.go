package payouts

import "github.com/angelmondragon/settlement-ledger/pkg/enums"

var transitions = map[enums.PayoutStatus][]enums.PayoutStatus{
	enums.PayoutCreated:     {enums.PayoutQueued, enums.PayoutCancelled, enums.PayoutQuarantined},
	enums.PayoutQueued:      {enums.PayoutSent, enums.PayoutFailed, enums.PayoutCancelled, enums.PayoutQuarantined},
	enums.PayoutSent:        {enums.PayoutSucceeded, enums.PayoutFailed, enums.PayoutReversed, enums.PayoutQuarantined},
	enums.PayoutFailed:      {enums.PayoutQueued, enums.PayoutSucceeded, enums.PayoutReversed, enums.PayoutQuarantined},
	enums.PayoutSucceeded:   {enums.PayoutReconciled, enums.PayoutReversed, enums.PayoutQuarantined},
	enums.PayoutQuarantined: {enums.PayoutReconciled, enums.PayoutReversed},
}

// CanTransition reports whether from -> to is an edge of the payout state
// machine. QUARANTINED only leaves through admin force commands.
func CanTransition(from, to enums.PayoutStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// debited reports whether a payout in this status holds a ledger debit that
// has not been returned.
func debited(status enums.PayoutStatus) bool {
	switch status {
	case enums.PayoutCreated, enums.PayoutCancelled, enums.PayoutReversed:
		return false
	default:
		return true
	}
}
