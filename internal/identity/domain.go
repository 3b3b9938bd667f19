package identity

import (
	"time"

	"github.com/google/uuid"
)

// Role enumerates account roles.
type Role string

const (
	// RoleUser is the default role assigned at registration.
	RoleUser Role = "user"
	// RoleAdmin grants access to the account directory.
	RoleAdmin Role = "admin"
)

// Status enumerates account lifecycle states.
type Status string

const (
	// StatusActive marks an account that may authenticate.
	StatusActive Status = "active"
	// StatusSuspended marks an account that is temporarily blocked.
	StatusSuspended Status = "suspended"
	// StatusDeleted marks a soft-deleted account.
	StatusDeleted Status = "deleted"
)

// Routing keys for identity state-change events.
const (
	EventAccountRegistered      = "account.registered"
	EventSessionCreated         = "session.created"
	EventPasswordChanged        = "password.changed"
	EventAccountDeleted         = "account.deleted"
	EventPasswordResetRequested = "password.reset_requested"
)

// Account is the persistent identity record.
type Account struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Phone        string
	Role         Role
	Status       Status
	TokenEpoch   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PublicAccount is the account view returned to API clients. It never carries
// the password hash.
type PublicAccount struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Public converts the account to its client-facing view.
func (a *Account) Public() PublicAccount {
	return PublicAccount{
		ID:        a.ID.String(),
		Username:  a.Username,
		Email:     a.Email,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Phone:     a.Phone,
		Role:      a.Role,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
	}
}

// ResetCode is a single-use password recovery secret keyed by email.
type ResetCode struct {
	Email     string
	Code      string
	ExpiresAt time.Time
	Consumed  bool
	CreatedAt time.Time
}

// AccountEvent is the payload published on account lifecycle transitions.
type AccountEvent struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// ResetRequestedEvent carries the recovery code to downstream notifiers.
type ResetRequestedEvent struct {
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}
