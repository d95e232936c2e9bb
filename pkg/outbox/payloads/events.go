package payloads

import (
	"time"

	"github.com/angelmondragon/settlement-ledger/pkg/enums"
)

// SettlementPostedEvent is emitted when an order settlement hits the ledger.
type SettlementPostedEvent struct {
	SettlementID    string         `json:"settlement_id"`
	OrderID         string         `json:"order_id"`
	SellerID        string         `json:"seller_id"`
	Currency        enums.Currency `json:"currency"`
	GrossCents      int64          `json:"gross_cents"`
	CommissionCents int64          `json:"commission_cents"`
	NetCents        int64          `json:"net_cents"`
	ReleaseAt       time.Time      `json:"release_at"`
}

// PayoutStatusChangedEvent is emitted on every payout state transition.
type PayoutStatusChangedEvent struct {
	PayoutID    string             `json:"payout_id"`
	SellerID    string             `json:"seller_id"`
	From        enums.PayoutStatus `json:"from"`
	To          enums.PayoutStatus `json:"to"`
	NetCents    int64              `json:"net_cents"`
	Currency    enums.Currency     `json:"currency"`
	ProviderRef string             `json:"provider_ref,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// HoldReleasedEvent is emitted when held funds become available.
type HoldReleasedEvent struct {
	HoldID       string         `json:"hold_id"`
	SellerID     string         `json:"seller_id"`
	AmountCents  int64          `json:"amount_cents"`
	FeeCents     int64          `json:"fee_cents"`
	Currency     enums.Currency `json:"currency"`
	EarlyRelease bool           `json:"early_release"`
}

// AlertRaisedEvent is emitted when an integrity alert is opened.
type AlertRaisedEvent struct {
	AlertID     string              `json:"alert_id"`
	Type        enums.AlertType     `json:"type"`
	Severity    enums.AlertSeverity `json:"severity"`
	ReferenceID string              `json:"reference_id"`
}
