package domain

// Role is an operator API role carried in the bearer token.
type Role string

// Roles.
const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleOperator: 1,
	RoleAdmin:    2,
}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r grants at least the access of required.
func (r Role) HasPermission(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}
