package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	"github.com/smallbiznis/meterledger/internal/cache"
	"github.com/smallbiznis/meterledger/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	apiKeyPrefix              = "mlk_"
	apiKeySecretBytes         = 24
	apiKeyRotationGracePeriod = 24 * time.Hour
	principalCacheTTL         = time.Minute
	principalCacheSize        = 1024
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  apikeydomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  apikeydomain.Repository
	genID *snowflake.Node
	clock clock.Clock

	// bcrypt is slow by design; verified keys are remembered briefly.
	principals cache.Cache[string, apikeydomain.Principal]
	mu         sync.Mutex
	cachedBy   map[string]string
	cost       int
}

func New(p Params) apikeydomain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("apikey.service"),
		repo:       p.Repo,
		genID:      p.GenID,
		clock:      clk,
		principals: cache.NewBoundedTTLCache[string, apikeydomain.Principal](clk.Now, principalCacheSize),
		cachedBy:   make(map[string]string),
		cost:       bcrypt.DefaultCost,
	}
}

func (s *Service) List(ctx context.Context) ([]apikeydomain.Response, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}
	role := apikeydomain.Role(strings.ToLower(strings.TrimSpace(string(req.Role))))
	if !role.Valid() {
		return nil, apikeydomain.ErrInvalidRole
	}

	now := s.clock.Now().UTC()
	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, err := s.generateAPIKey(keyID)
	if err != nil {
		return nil, err
	}

	key := &apikeydomain.APIKey{
		ID:         id,
		KeyID:      keyID,
		Name:       name,
		Role:       role,
		SecretHash: hash,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}

	s.log.Info("apikey.created", zap.String("key_id", keyID), zap.String("role", string(role)))
	return &apikeydomain.SecretResponse{KeyID: key.KeyID, APIKey: plain}, nil
}

// Rotate issues a new secret with the same name and role. The old key keeps
// working for a grace period so callers can roll over.
func (s *Service) Rotate(ctx context.Context, keyID string) (*apikeydomain.SecretResponse, error) {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return nil, apikeydomain.ErrInvalidKeyID
	}

	var result *apikeydomain.SecretResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByKeyID(ctx, tx, trimmed)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		if !current.Usable(now) {
			return apikeydomain.ErrNotFound
		}

		current.ExpiresAt = ptrTime(now.Add(apiKeyRotationGracePeriod))
		current.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}

		id := s.genID.Generate()
		nextKeyID := newKeyID(id)
		plain, hash, err := s.generateAPIKey(nextKeyID)
		if err != nil {
			return err
		}

		rotatedFrom := current.KeyID
		next := &apikeydomain.APIKey{
			ID:               id,
			KeyID:            nextKeyID,
			Name:             current.Name,
			Role:             current.Role,
			SecretHash:       hash,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
			RotatedFromKeyID: &rotatedFrom,
		}
		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}

		result = &apikeydomain.SecretResponse{KeyID: next.KeyID, APIKey: plain}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Revoke(ctx context.Context, keyID string) error {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return apikeydomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, trimmed)
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}

	now := s.clock.Now().UTC()
	key.IsActive = false
	key.UpdatedAt = now
	if key.ExpiresAt == nil || key.ExpiresAt.After(now) {
		key.ExpiresAt = &now
	}
	if err := s.repo.Update(ctx, s.db, key); err != nil {
		return err
	}
	// Cached principals for this key expire within principalCacheTTL; drop
	// what this process holds right away.
	s.forgetKey(trimmed)
	s.log.Info("apikey.revoked", zap.String("key_id", trimmed))
	return nil
}

func (s *Service) Authenticate(ctx context.Context, raw string) (*apikeydomain.Principal, error) {
	raw = strings.TrimSpace(raw)
	keyID, secret, err := parseAPIKey(raw)
	if err != nil {
		return nil, err
	}

	cacheKey := hashAPIKey(raw)
	if p, ok := s.principals.Get(cacheKey); ok {
		return &p, nil
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, keyID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if !key.Usable(now) {
		return nil, apikeydomain.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return nil, apikeydomain.ErrUnauthorized
	}

	if err := s.repo.TouchLastUsed(ctx, s.db, key.KeyID, now); err != nil {
		s.log.Warn("apikey.touch_failed", zap.String("key_id", key.KeyID), zap.Error(err))
	}

	principal := apikeydomain.Principal{KeyID: key.KeyID, Name: key.Name, Role: key.Role}
	ttl := principalCacheTTL
	if key.ExpiresAt != nil && key.ExpiresAt.Sub(now) < ttl {
		ttl = key.ExpiresAt.Sub(now)
	}
	s.principals.Set(cacheKey, principal, ttl)
	s.rememberKey(key.KeyID, cacheKey)
	return &principal, nil
}

func (s *Service) rememberKey(keyID, cacheKey string) {
	s.mu.Lock()
	s.cachedBy[keyID] = cacheKey
	s.mu.Unlock()
}

func (s *Service) forgetKey(keyID string) {
	s.mu.Lock()
	cacheKey, ok := s.cachedBy[keyID]
	delete(s.cachedBy, keyID)
	s.mu.Unlock()
	if ok {
		s.principals.Delete(cacheKey)
	}
}

func (s *Service) generateAPIKey(keyID string) (string, string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	secretPart := hex.EncodeToString(secret)
	hash, err := bcrypt.GenerateFromPassword([]byte(secretPart), s.cost)
	if err != nil {
		return "", "", err
	}
	plain := fmt.Sprintf("%s%s.%s", apiKeyPrefix, keyID, secretPart)
	return plain, string(hash), nil
}

// parseAPIKey splits "mlk_<key id>.<secret>".
func parseAPIKey(raw string) (string, string, error) {
	if !strings.HasPrefix(raw, apiKeyPrefix) {
		return "", "", apikeydomain.ErrMalformedKey
	}
	keyID, secret, ok := strings.Cut(strings.TrimPrefix(raw, apiKeyPrefix), ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", apikeydomain.ErrMalformedKey
	}
	return keyID, secret, nil
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newKeyID(id snowflake.ID) string {
	return strings.ToUpper(strconv.FormatInt(int64(id), 36))
}

func toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		KeyID:            key.KeyID,
		Name:             key.Name,
		Role:             key.Role,
		IsActive:         key.IsActive,
		CreatedAt:        key.CreatedAt,
		LastUsedAt:       key.LastUsedAt,
		ExpiresAt:        key.ExpiresAt,
		RotatedFromKeyID: key.RotatedFromKeyID,
	}
}

func ptrTime(value time.Time) *time.Time {
	return &value
}
