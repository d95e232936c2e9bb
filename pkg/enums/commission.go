package enums

// CommissionScope is the breadth a commission plan applies to.
type CommissionScope string

const (
	ScopeGlobal   CommissionScope = "GLOBAL"
	ScopeCategory CommissionScope = "CATEGORY"
	ScopeBrand    CommissionScope = "BRAND"
	ScopeSeller   CommissionScope = "SELLER"
)

// Ordered from most to least specific.
var validCommissionScopes = []CommissionScope{ScopeSeller, ScopeBrand, ScopeCategory, ScopeGlobal}

func (s CommissionScope) IsValid() bool { return contains(validCommissionScopes, s) }

// ResolutionOrder returns scopes from most to least specific.
func ResolutionOrder() []CommissionScope {
	return append([]CommissionScope(nil), validCommissionScopes...)
}

func ParseCommissionScope(value string) (CommissionScope, error) {
	return parse(validCommissionScopes, value, "commission scope")
}

// PlanStatus tracks the lifecycle state of a commission plan.
type PlanStatus string

const (
	PlanStatusDraft    PlanStatus = "DRAFT"
	PlanStatusActive   PlanStatus = "ACTIVE"
	PlanStatusArchived PlanStatus = "ARCHIVED"
)

var validPlanStatuses = []PlanStatus{PlanStatusDraft, PlanStatusActive, PlanStatusArchived}

func (p PlanStatus) String() string { return string(p) }

func (p PlanStatus) IsValid() bool { return contains(validPlanStatuses, p) }

func ParsePlanStatus(value string) (PlanStatus, error) {
	return parse(validPlanStatuses, value, "plan status")
}
