package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Role gates the admin surface.
type Role string

const (
	RoleFinanceAdmin  Role = "finance_admin"
	RoleFinanceViewer Role = "finance_viewer"
)

func (r Role) IsValid() bool {
	return r == RoleFinanceAdmin || r == RoleFinanceViewer
}

// CanMutate reports whether the role may run money-moving admin commands.
func (r Role) CanMutate() bool {
	return r == RoleFinanceAdmin
}

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	ActorID string
	Role    Role
	JTI     string
}

// AccessTokenClaims represents the typed JWT presented by operators.
type AccessTokenClaims struct {
	ActorID string `json:"actor_id"`
	Role    Role   `json:"role"`
	jwt.RegisteredClaims
}
