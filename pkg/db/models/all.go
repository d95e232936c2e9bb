package models

// All lists every model owned by the engine, in dependency order. Tests and
// dev auto-migration use it.
func All() []any {
	return []any{
		&LedgerAccount{},
		&LedgerEntry{},
		&CommissionPlan{},
		&CommissionRule{},
		&Settlement{},
		&SettlementHold{},
		&PayoutDestination{},
		&ProviderPayout{},
		&PayoutRequest{},
		&SellerTrustScore{},
		&SellerRiskSignal{},
		&TenantRolloutPolicy{},
		&WebhookEvent{},
		&IdempotencyRecord{},
		&FinanceAuditLog{},
		&IntegrityAlert{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}
