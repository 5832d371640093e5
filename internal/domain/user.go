package domain

import "time"

// Role grants a level of access to the control plane.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleViewer || r == RoleOperator || r == RoleAdmin
}

// CanMutate reports whether the role may change services.
func (r Role) CanMutate() bool {
	return r == RoleOperator || r == RoleAdmin
}

// User represents a control plane account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Role         Role      `json:"role"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Actor identifies who performed an operation.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used for automated operations such as health failover.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}
