package auth

// Roles carried in operator tokens.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Scopes checked by the admin API.
const (
	ScopeExecutionsRead     = "executions:read"
	ScopeExecutionsWrite    = "executions:write"
	ScopeInterventionsWrite = "interventions:write"
	ScopeAlertsWrite        = "alerts:write"
)

// Operator is the authenticated caller of the admin API. Its Subject is what
// lands in requested_by and changed_by fields of the ledger.
type Operator struct {
	Subject string   `json:"subject"`
	Role    string   `json:"role"`
	Scopes  []string `json:"scopes"`
	TokenID string   `json:"token_id,omitempty"`
}

// HasScope reports whether the operator was granted scope.
func (o *Operator) HasScope(scope string) bool {
	for _, s := range o.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopesForRole returns the default scopes for a given role
func ScopesForRole(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{ScopeExecutionsRead, ScopeExecutionsWrite, ScopeInterventionsWrite, ScopeAlertsWrite}
	case RoleOperator:
		return []string{ScopeExecutionsRead, ScopeExecutionsWrite, ScopeInterventionsWrite}
	default:
		return []string{ScopeExecutionsRead}
	}
}
