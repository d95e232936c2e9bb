package enums

// OutboxAggregateType identifies the entity a finance event describes.
type OutboxAggregateType string

const (
	AggregatePayout     OutboxAggregateType = "payout"
	AggregateSettlement OutboxAggregateType = "settlement"
	AggregateAlert      OutboxAggregateType = "integrity_alert"
	AggregateHold       OutboxAggregateType = "settlement_hold"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregatePayout,
	AggregateSettlement,
	AggregateAlert,
	AggregateHold,
}

func (a OutboxAggregateType) IsValid() bool { return contains(validAggregateTypes, a) }

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	return parse(validAggregateTypes, value, "aggregate type")
}

// OutboxEventType names a finance domain event.
type OutboxEventType string

const (
	EventSettlementPosted    OutboxEventType = "settlement_posted"
	EventPayoutStatusChanged OutboxEventType = "payout_status_changed"
	EventHoldReleased        OutboxEventType = "hold_released"
	EventAlertRaised         OutboxEventType = "integrity_alert_raised"
)

var validOutboxEventTypes = []OutboxEventType{
	EventSettlementPosted,
	EventPayoutStatusChanged,
	EventHoldReleased,
	EventAlertRaised,
}

func (e OutboxEventType) IsValid() bool { return contains(validOutboxEventTypes, e) }

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	return parse(validOutboxEventTypes, value, "event type")
}

// Aggregate is the aggregate type every event of this type is keyed by.
func (e OutboxEventType) Aggregate() OutboxAggregateType {
	switch e {
	case EventSettlementPosted:
		return AggregateSettlement
	case EventPayoutStatusChanged:
		return AggregatePayout
	case EventHoldReleased:
		return AggregateHold
	case EventAlertRaised:
		return AggregateAlert
	}
	return ""
}
