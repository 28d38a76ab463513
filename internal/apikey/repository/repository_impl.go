package repository

import (
	"context"
	"time"

	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() apikeydomain.Repository {
	return &repo{}
}

// Models returns the tables owned by this package.
func Models() []any {
	return []any{&apikeydomain.APIKey{}}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO api_keys (id, key_id, name, role, secret_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_key_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(key.ID),
		key.KeyID,
		key.Name,
		string(key.Role),
		key.SecretHash,
		key.IsActive,
		key.CreatedAt,
		key.UpdatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
		key.RotatedFromKeyID,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`UPDATE api_keys
		 SET name = ?, role = ?, secret_hash = ?, is_active = ?, updated_at = ?, last_used_at = ?, expires_at = ?, rotated_from_key_id = ?
		 WHERE key_id = ?`,
		key.Name,
		string(key.Role),
		key.SecretHash,
		key.IsActive,
		key.UpdatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
		key.RotatedFromKeyID,
		key.KeyID,
	).Error
}

func (r *repo) FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*apikeydomain.APIKey, error) {
	var keys []apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, key_id, name, role, secret_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_key_id
		 FROM api_keys WHERE key_id = ? LIMIT 1`,
		keyID,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]apikeydomain.APIKey, error) {
	var keys []apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, key_id, name, role, secret_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_key_id
		 FROM api_keys ORDER BY created_at DESC, id DESC`,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *repo) TouchLastUsed(ctx context.Context, db *gorm.DB, keyID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`,
		at,
		keyID,
	).Error
}
