package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Service interface {
	List(ctx context.Context) ([]Response, error)
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	Rotate(ctx context.Context, keyID string) (*SecretResponse, error)
	Revoke(ctx context.Context, keyID string) error
	// Authenticate resolves a raw bearer key to its principal.
	Authenticate(ctx context.Context, raw string) (*Principal, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *APIKey) error
	Update(ctx context.Context, db *gorm.DB, key *APIKey) error
	FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*APIKey, error)
	List(ctx context.Context, db *gorm.DB) ([]APIKey, error)
	TouchLastUsed(ctx context.Context, db *gorm.DB, keyID string, at time.Time) error
}

type CreateRequest struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type Response struct {
	KeyID            string     `json:"key_id"`
	Name             string     `json:"name"`
	Role             Role       `json:"role"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	RotatedFromKeyID *string    `json:"rotated_from_key_id"`
}

type SecretResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

var (
	ErrInvalidName  = errors.New("invalid_name")
	ErrInvalidRole  = errors.New("invalid_role")
	ErrInvalidKeyID = errors.New("invalid_key_id")
	ErrNotFound     = errors.New("not_found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrMalformedKey = errors.New("malformed_api_key")
)
