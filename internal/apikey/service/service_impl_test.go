package service

import (
	"context"
	"strings"
	"testing"
	"time"

	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	"github.com/smallbiznis/meterledger/internal/apikey/repository"
	"github.com/smallbiznis/meterledger/internal/balance/balancetest"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	db := balancetest.OpenDB(t, repository.Models()...)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := newService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: balancetest.Node(t),
		Repo:  repository.Provide(),
		Clock: clk,
	})
	svc.cost = bcrypt.MinCost
	return svc, clk
}

func TestCreateAndAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "inference-gateway", Role: "Service"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.APIKey, "mlk_"+created.KeyID+"."))

	p, err := svc.Authenticate(ctx, created.APIKey)
	require.NoError(t, err)
	assert.Equal(t, apikeydomain.RoleService, p.Role)
	assert.Equal(t, "inference-gateway", p.Name)
	assert.Equal(t, "api_key:"+created.KeyID, p.Subject())

	keys, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "billing", Role: apikeydomain.RoleBilling})
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "mlk_"+created.KeyID+".deadbeef")
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)

	_, err = svc.Authenticate(ctx, "Bearer nonsense")
	assert.ErrorIs(t, err, apikeydomain.ErrMalformedKey)

	_, err = svc.Authenticate(ctx, "mlk_UNKNOWN.abc")
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)
}

func TestRevokeTakesEffectImmediately(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "ops", Role: apikeydomain.RoleOperator})
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, created.APIKey)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, created.KeyID))
	_, err = svc.Authenticate(ctx, created.APIKey)
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)

	assert.ErrorIs(t, svc.Revoke(ctx, "missing"), apikeydomain.ErrNotFound)
}

func TestRotateKeepsOldKeyForGracePeriod(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	old, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "gateway", Role: apikeydomain.RoleService})
	require.NoError(t, err)

	rotated, err := svc.Rotate(ctx, old.KeyID)
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, rotated.KeyID)

	_, err = svc.Authenticate(ctx, old.APIKey)
	require.NoError(t, err)

	clk.Advance(apiKeyRotationGracePeriod + time.Minute)
	_, err = svc.Authenticate(ctx, old.APIKey)
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)

	p, err := svc.Authenticate(ctx, rotated.APIKey)
	require.NoError(t, err)
	assert.Equal(t, apikeydomain.RoleService, p.Role)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), apikeydomain.CreateRequest{Name: " ", Role: apikeydomain.RoleService})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidName)
	_, err = svc.Create(context.Background(), apikeydomain.CreateRequest{Name: "x", Role: "admin"})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidRole)
}
