package auth

import (
	"strings"
	"time"
)

// Role is the capability level attached to an account.
type Role string

const (
	RoleCustomer      Role = "customer"
	RoleStaff         Role = "staff"
	RoleBranchManager Role = "branch_manager"
	RoleAdmin         Role = "admin"
)

// ParseRole normalizes a raw role string against the known set.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleStaff:
		return RoleStaff, true
	case RoleBranchManager:
		return RoleBranchManager, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// Account is the subset of a user record the authentication core operates on.
type Account struct {
	ID                  string
	Email               string
	PasswordHash        string // empty means password login is not set up
	IsActive            bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	TwoFactorEnabled    bool
	Role                Role
	LastLoginAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LoginAttempt is one append-only audit row per login attempt. Rows are never
// mutated or deleted and carry no business-logic weight.
type LoginAttempt struct {
	ID         string
	AccountID  string // empty when the email matched no account
	Email      string
	OccurredAt time.Time
	Success    bool
	Reason     string
	IP         string
	UserAgent  string
}

// NormalizeEmail lowercases and trims an address. Every lookup goes through
// this so case or whitespace differences never split an identity.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
