package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// APIKey is a bearer credential for one calling service. Only a bcrypt hash
// of the secret half is stored.
type APIKey struct {
	ID               snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	KeyID            string       `gorm:"column:key_id;size:32;not null;uniqueIndex:ux_api_keys_key_id"`
	Name             string       `gorm:"column:name;size:128;not null"`
	Role             Role         `gorm:"column:role;size:32;not null"`
	SecretHash       string       `gorm:"column:secret_hash;size:128;not null"`
	IsActive         bool         `gorm:"column:is_active;not null;default:true"`
	CreatedAt        time.Time    `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time    `gorm:"column:updated_at;not null"`
	LastUsedAt       *time.Time   `gorm:"column:last_used_at"`
	ExpiresAt        *time.Time   `gorm:"column:expires_at"`
	RotatedFromKeyID *string      `gorm:"column:rotated_from_key_id;size:32"`
}

func (APIKey) TableName() string { return "api_keys" }

func (k *APIKey) Usable(now time.Time) bool {
	if k == nil || !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Role decides what a key may do; see the authorization package for the
// policy behind each role.
type Role string

const (
	// RoleService is an AI-operation backend: checks, debits, reservations.
	RoleService Role = "service"
	// RoleBilling provisions accounts and reads balances and usage.
	RoleBilling Role = "billing"
	// RoleOperator can do everything, including key management.
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleService, RoleBilling, RoleOperator:
		return true
	default:
		return false
	}
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	KeyID string
	Name  string
	Role  Role
}

// Subject is the casbin subject for the principal.
func (p Principal) Subject() string {
	return "api_key:" + p.KeyID
}
