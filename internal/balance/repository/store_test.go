package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/meterledger/internal/balance/balancetest"
	"github.com/smallbiznis/meterledger/internal/balance/domain"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var storeNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(storeNow)
	store := NewStore(Params{
		DB:    balancetest.OpenDB(t, Models()...),
		Log:   zap.NewNop(),
		GenID: balancetest.Node(t),
		Clock: clk,
		Config: config.Config{Ledger: config.LedgerConfig{
			LockTimeout:   50 * time.Millisecond,
			RolloverGrace: 72 * time.Hour,
		}},
	})
	return store, clk
}

func creditPackage(t *testing.T, store *Store, accountID string, seconds int64) {
	t.Helper()
	ctx := context.Background()
	_, err := store.EnsureAccount(ctx, accountID, "free")
	require.NoError(t, err)

	err = store.Update(ctx, accountID, func(sess domain.Session) error {
		state := sess.State()
		now := store.clock.Now()
		expires := now.Add(30 * 24 * time.Hour)
		bucket := state.AddBucket(store.genID.Generate(), domain.SourcePackage, seconds, &expires, now)
		state.Recompute(now, store.rolloverGrace)
		return sess.Commit(ctx, state, []domain.Event{{
			Type:         domain.EventPackageCredit,
			DeltaSeconds: seconds,
			Allocations:  []domain.Allocation{{BucketID: bucket.ID, Source: bucket.Source, Seconds: seconds, ExpiresAt: bucket.ExpiresAt}},
		}})
	})
	require.NoError(t, err)
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.EnsureAccount(ctx, "acct-1", "free")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.EnsureAccount(ctx, "acct-1", "pro")
	require.NoError(t, err)
	assert.False(t, created)

	state, err := store.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "free", state.PlanKey)
	assert.Empty(t, state.Buckets)
	assert.Zero(t, state.Version)
}

func TestGetUnknownAccount(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = store.LoadForUpdate(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestCommitPersistsStateAndEvents(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	creditPackage(t, store, "acct-1", 3600)

	state, err := store.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), state.TotalPaidSeconds)
	assert.Equal(t, int64(1), state.Version)
	require.Len(t, state.Buckets, 1)
	assert.Equal(t, domain.SourcePackage, state.Buckets[0].Source)
	require.NotNil(t, state.NextExpiryAt)
	assert.True(t, state.NextExpiryAt.Equal(storeNow.Add(30*24*time.Hour)))
	require.NoError(t, state.Validate())

	events, err := store.ListEvents(ctx, domain.EventFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotZero(t, events[0].ID)
	assert.Equal(t, domain.EventPackageCredit, events[0].Type)
	assert.Equal(t, int64(3600), events[0].DeltaSeconds)
	require.Len(t, events[0].Allocations, 1)
	assert.Equal(t, state.Buckets[0].ID, events[0].Allocations[0].BucketID)
}

func TestCommitRejectsBrokenInvariant(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	creditPackage(t, store, "acct-1", 600)

	err := store.Update(ctx, "acct-1", func(sess domain.Session) error {
		state := sess.State()
		state.Buckets[0].ConsumedSeconds = 900
		return sess.Commit(ctx, state, []domain.Event{{Type: domain.EventConsumption, DeltaSeconds: -900}})
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIntegrityViolation)

	state, err := store.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), state.TotalPaidSeconds)
	assert.Equal(t, int64(1), state.Version)

	events, err := store.ListEvents(ctx, domain.EventFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestUpdateWithoutCommitRollsBack(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	creditPackage(t, store, "acct-1", 600)

	sentinel := errors.New("boom")
	err := store.Update(ctx, "acct-1", func(sess domain.Session) error {
		ok, err := sess.RecordExternalEvent(ctx, "evt-1")
		require.NoError(t, err)
		require.True(t, ok)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	processed, err := store.ExternalEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRecordExternalEventOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.EnsureAccount(ctx, "acct-1", "free")
	require.NoError(t, err)

	record := func() bool {
		var recorded bool
		err := store.Update(ctx, "acct-1", func(sess domain.Session) error {
			ok, err := sess.RecordExternalEvent(ctx, "evt-1")
			if err != nil {
				return err
			}
			recorded = ok
			state := sess.State()
			state.Recompute(store.clock.Now(), store.rolloverGrace)
			return sess.Commit(ctx, state, nil)
		})
		require.NoError(t, err)
		return recorded
	}

	assert.True(t, record())
	assert.False(t, record())

	processed, err := store.ExternalEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestSecondSessionTimesOutWhileLockHeld(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.EnsureAccount(ctx, "acct-1", "free")
	require.NoError(t, err)

	held, err := store.LoadForUpdate(ctx, "acct-1")
	require.NoError(t, err)

	_, err = store.LoadForUpdate(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.True(t, domain.IsRetryable(err))

	require.NoError(t, held.Rollback())

	again, err := store.LoadForUpdate(ctx, "acct-1")
	require.NoError(t, err)
	require.NoError(t, again.Rollback())
}

func TestSessionClosedAfterCommit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.EnsureAccount(ctx, "acct-1", "free")
	require.NoError(t, err)

	sess, err := store.LoadForUpdate(ctx, "acct-1")
	require.NoError(t, err)
	state := sess.State()
	state.Recompute(store.clock.Now(), store.rolloverGrace)
	require.NoError(t, sess.Commit(ctx, state, nil))

	assert.ErrorIs(t, sess.Commit(ctx, state, nil), domain.ErrSessionClosed)
	assert.NoError(t, sess.Rollback())
}

func TestAccountsDueForSweepPagesByAccount(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		creditPackage(t, store, id, 60)
	}
	_, err := store.EnsureAccount(ctx, "d", "free")
	require.NoError(t, err)

	due, err := store.AccountsDueForSweep(ctx, clk.Now(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	later := clk.Now().Add(31 * 24 * time.Hour)
	first, err := store.AccountsDueForSweep(ctx, later, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, first)

	rest, err := store.AccountsDueForSweep(ctx, later, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, rest)
}

func TestListEventsNewestFirstWithFilters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	creditPackage(t, store, "acct-1", 600)
	creditPackage(t, store, "acct-1", 300)

	err := store.Update(ctx, "acct-1", func(sess domain.Session) error {
		state := sess.State()
		now := store.clock.Now()
		allocs, err := state.Allocate(100, now)
		if err != nil {
			return err
		}
		state.Recompute(now, store.rolloverGrace)
		return sess.Commit(ctx, state, []domain.Event{{
			Type:          domain.EventConsumption,
			DeltaSeconds:  -100,
			OperationType: "video_generation",
			Allocations:   allocs,
		}})
	})
	require.NoError(t, err)

	all, err := store.ListEvents(ctx, domain.EventFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.EventConsumption, all[0].Type)
	assert.Greater(t, int64(all[0].ID), int64(all[1].ID))

	credits, err := store.ListEvents(ctx, domain.EventFilter{
		AccountID: "acct-1",
		Types:     []domain.EventType{domain.EventPackageCredit},
	})
	require.NoError(t, err)
	assert.Len(t, credits, 2)

	older, err := store.ListEvents(ctx, domain.EventFilter{AccountID: "acct-1", BeforeID: all[0].ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, all[1].ID, older[0].ID)
}
