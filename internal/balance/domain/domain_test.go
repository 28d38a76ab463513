package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}

func newAccount(buckets ...Bucket) *AccountBalance {
	a := &AccountBalance{AccountID: "acct_1", Buckets: buckets}
	a.Recompute(testNow, 72*time.Hour)
	return a
}

func TestAllocateFollowsConsumptionOrder(t *testing.T) {
	a := newAccount(
		Bucket{ID: 3, Source: SourceSubscription, GrantedSeconds: 1000, ExpiresAt: at(30 * 24 * time.Hour)},
		Bucket{ID: 2, Source: SourceRollover, GrantedSeconds: 200, ExpiresAt: at(5 * 24 * time.Hour)},
		Bucket{ID: 1, Source: SourceDailyBonus, GrantedSeconds: 500, ExpiresAt: at(12 * time.Hour)},
	)

	allocs, err := a.Allocate(600, testNow)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations, got %+v", allocs)
	}
	if allocs[0].Source != SourceDailyBonus || allocs[0].Seconds != 500 {
		t.Fatalf("expected bonus drawn first, got %+v", allocs[0])
	}
	if allocs[1].Source != SourceRollover || allocs[1].Seconds != 100 {
		t.Fatalf("expected 100 from rollover, got %+v", allocs[1])
	}

	for _, b := range a.Buckets {
		switch b.Source {
		case SourceRollover:
			if b.Remaining() != 100 {
				t.Fatalf("expected rollover to keep 100, got %d", b.Remaining())
			}
		case SourceSubscription:
			if b.Remaining() != 1000 {
				t.Fatalf("expected subscription untouched, got %d", b.Remaining())
			}
		case SourceDailyBonus:
			if b.Remaining() != 0 {
				t.Fatalf("expected bonus exhausted, got %d", b.Remaining())
			}
		}
	}
}

func TestConsumptionOrderNeverExpiringLastAndSmallestFirst(t *testing.T) {
	buckets := []Bucket{
		{ID: 1, Source: SourcePackage, GrantedSeconds: 50},
		{ID: 2, Source: SourcePackage, GrantedSeconds: 300, ExpiresAt: at(48 * time.Hour)},
		{ID: 3, Source: SourceSubscription, GrantedSeconds: 100, ExpiresAt: at(48 * time.Hour)},
		{ID: 4, Source: SourcePackage, GrantedSeconds: 10, ExpiresAt: at(-time.Hour)},
		{ID: 5, Source: SourcePackage, GrantedSeconds: 10, ConsumedSeconds: 10},
	}
	order := ConsumptionOrder(buckets, testNow)
	got := make([]snowflake.ID, 0, len(order))
	for _, i := range order {
		got = append(got, buckets[i].ID)
	}
	want := []snowflake.ID{3, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestAllocateIsAllOrNothing(t *testing.T) {
	a := newAccount(
		Bucket{ID: 1, Source: SourceDailyBonus, GrantedSeconds: 100, ExpiresAt: at(time.Hour)},
		Bucket{ID: 2, Source: SourcePackage, GrantedSeconds: 200},
	)
	_, err := a.Allocate(301, testNow)
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected error to match sentinel")
	}
	if insufficient.Available != 300 || insufficient.Breakdown.BonusSeconds != 100 || insufficient.Breakdown.PaidSeconds != 200 {
		t.Fatalf("unexpected breakdown: %+v", insufficient)
	}
	if insufficient.Shortfall() != 1 {
		t.Fatalf("expected shortfall 1, got %d", insufficient.Shortfall())
	}
	for _, b := range a.Buckets {
		if b.ConsumedSeconds != 0 {
			t.Fatalf("expected no bucket to be touched, got %+v", b)
		}
	}
}

func TestDebitToZeroKeepsBucketsUntilSweep(t *testing.T) {
	a := newAccount(Bucket{ID: 1, Source: SourcePackage, GrantedSeconds: 1000})
	if _, err := a.Allocate(1000, testNow); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Recompute(testNow, 72*time.Hour)
	if a.Available(testNow) != 0 || len(a.Buckets) != 1 {
		t.Fatalf("expected zero balance with bucket kept, got %d / %d buckets", a.Available(testNow), len(a.Buckets))
	}
	if a.NextSweepAt == nil || !a.NextSweepAt.Equal(testNow) {
		t.Fatalf("expected exhausted bucket to be due for sweep now, got %v", a.NextSweepAt)
	}

	result := a.Sweep(testNow)
	if result.RemovedBuckets != 1 || len(a.Buckets) != 0 || len(result.Expired) != 0 {
		t.Fatalf("unexpected sweep result %+v, buckets %v", result, a.Buckets)
	}
}

func TestDailyBonusMonthlyCap(t *testing.T) {
	policy := BonusPolicy{DailySeconds: 900, MonthlyCapSeconds: 18000}
	a := newAccount()
	day := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		now := day.AddDate(0, 0, i)
		if _, ok := a.GrantDailyBonus(now, policy, snowflake.ID(i+1)); !ok {
			t.Fatalf("expected grant on day %d", i+1)
		}
	}
	if a.BonusUsedThisPeriod != 18000 {
		t.Fatalf("expected 18000 used, got %d", a.BonusUsedThisPeriod)
	}

	bucketsBefore := len(a.Buckets)
	if _, ok := a.GrantDailyBonus(day.AddDate(0, 0, 20), policy, 99); ok {
		t.Fatalf("expected 21st grant to be refused")
	}
	if len(a.Buckets) != bucketsBefore || a.BonusUsedThisPeriod != 18000 {
		t.Fatalf("expected refused grant to leave state unchanged")
	}

	april := time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)
	bucket, ok := a.GrantDailyBonus(april, policy, 100)
	if !ok {
		t.Fatalf("expected new period to reset the cap")
	}
	if a.BonusUsedThisPeriod != 900 || a.BonusPeriodKey != "2026-04" {
		t.Fatalf("unexpected period state: %d %s", a.BonusUsedThisPeriod, a.BonusPeriodKey)
	}
	if !bucket.ExpiresAt.Equal(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected bonus to expire at next midnight, got %v", bucket.ExpiresAt)
	}
}

func TestDailyBonusOncePerDay(t *testing.T) {
	policy := BonusPolicy{DailySeconds: 900, MonthlyCapSeconds: 18000}
	a := newAccount()
	if _, ok := a.GrantDailyBonus(testNow, policy, 1); !ok {
		t.Fatalf("expected first grant")
	}
	if a.PendingDailyBonus(testNow.Add(time.Hour), policy) != 0 {
		t.Fatalf("expected no pending bonus later the same day")
	}
	if a.PendingDailyBonus(NextMidnight(testNow), policy) != 900 {
		t.Fatalf("expected bonus to be pending again tomorrow")
	}
}

func TestRollOverCapsAndDiscards(t *testing.T) {
	a := newAccount(
		Bucket{ID: 1, Source: SourceSubscription, GrantedSeconds: 36000, ConsumedSeconds: 1000, ExpiresAt: at(0)},
		Bucket{ID: 2, Source: SourcePackage, GrantedSeconds: 500},
	)
	newExpiry := testNow.AddDate(0, 0, 30)

	result := a.RollOver(testNow, 72*time.Hour, 30000, &newExpiry, 10)
	if result.CarriedSeconds != 30000 || result.DiscardedSeconds != 5000 {
		t.Fatalf("expected 30000 carried / 5000 discarded, got %+v", result)
	}
	if result.Bucket == nil || result.Bucket.Source != SourceRollover || !result.Bucket.ExpiresAt.Equal(newExpiry) {
		t.Fatalf("unexpected rollover bucket %+v", result.Bucket)
	}
	for _, b := range a.Buckets {
		if b.Source == SourceSubscription {
			t.Fatalf("expected old subscription bucket to be removed")
		}
	}
	if len(a.Buckets) != 2 {
		t.Fatalf("expected package and rollover buckets, got %d", len(a.Buckets))
	}
}

func TestRollOverIgnoresSubscriptionsPastGrace(t *testing.T) {
	a := newAccount(
		Bucket{ID: 1, Source: SourceSubscription, GrantedSeconds: 1000, ExpiresAt: at(-100 * time.Hour)},
	)
	newExpiry := testNow.AddDate(0, 0, 30)
	result := a.RollOver(testNow, 72*time.Hour, 30000, &newExpiry, 10)
	if result.CarriedSeconds != 0 || result.Bucket != nil {
		t.Fatalf("expected nothing carried from a lapsed cycle, got %+v", result)
	}

	lapsed := a.SettleLapsed(testNow, 72*time.Hour)
	if len(lapsed) != 1 || lapsed[0].Seconds != 1000 || len(a.Buckets) != 0 {
		t.Fatalf("expected lapsed bucket settled, got %+v", lapsed)
	}
}

func TestSweepExpiresPaidAndBonus(t *testing.T) {
	a := newAccount(
		Bucket{ID: 1, Source: SourceDailyBonus, GrantedSeconds: 900, ConsumedSeconds: 100, ExpiresAt: at(-time.Minute)},
		Bucket{ID: 2, Source: SourcePackage, GrantedSeconds: 300, ExpiresAt: at(-time.Minute)},
		Bucket{ID: 3, Source: SourceSubscription, GrantedSeconds: 300, ExpiresAt: at(-time.Minute)},
		Bucket{ID: 4, Source: SourceRollover, GrantedSeconds: 300, ExpiresAt: at(time.Hour)},
	)
	result := a.Sweep(testNow)
	if result.RemovedBuckets != 2 {
		t.Fatalf("expected 2 removed buckets, got %d", result.RemovedBuckets)
	}
	if !result.BonusUsed {
		t.Fatalf("expected bonus activity to be reported")
	}
	if len(result.Expired) != 1 || result.Expired[0].Seconds != 300 || result.Expired[0].Source != SourcePackage {
		t.Fatalf("unexpected expired allocations %+v", result.Expired)
	}
	if len(a.Buckets) != 2 {
		t.Fatalf("expected subscription and rollover to remain, got %+v", a.Buckets)
	}
}

func TestRestoreRecreatesSweptBucket(t *testing.T) {
	a := newAccount(
		Bucket{ID: 1, Source: SourceDailyBonus, GrantedSeconds: 100, ExpiresAt: at(time.Hour)},
		Bucket{ID: 2, Source: SourcePackage, GrantedSeconds: 500, ExpiresAt: at(48 * time.Hour)},
	)
	allocs, err := a.Allocate(300, testNow)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Sweep(testNow)
	if len(a.Buckets) != 1 {
		t.Fatalf("expected exhausted bonus bucket to be swept")
	}

	restored := a.Restore(allocs, 300, testNow)
	if SumAllocations(restored) != 300 {
		t.Fatalf("expected full restore, got %+v", restored)
	}
	if a.Available(testNow) != 600 {
		t.Fatalf("expected 600 available after restore, got %d", a.Available(testNow))
	}

	a.Recompute(testNow, 72*time.Hour)
	if err := a.Validate(); err != nil {
		t.Fatalf("expected valid state after restore: %v", err)
	}
}

func TestRestoreForfeitsExpiredBuckets(t *testing.T) {
	a := newAccount(Bucket{ID: 1, Source: SourceDailyBonus, GrantedSeconds: 100, ExpiresAt: at(time.Hour)})
	allocs, err := a.Allocate(100, testNow)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	later := testNow.Add(2 * time.Hour)
	if restored := a.Restore(allocs, 100, later); len(restored) != 0 {
		t.Fatalf("expected nothing restored into an expired bucket, got %+v", restored)
	}
}

func TestValidateDetectsBrokenInvariants(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(a *AccountBalance)
	}{
		{"overconsumed", func(a *AccountBalance) { a.Buckets[0].ConsumedSeconds = 2000 }},
		{"stale paid total", func(a *AccountBalance) { a.TotalPaidSeconds += 1 }},
		{"duplicate id", func(a *AccountBalance) { a.Buckets = append(a.Buckets, a.Buckets[0]) }},
		{"unknown source", func(a *AccountBalance) { a.Buckets[0].Source = "promo" }},
		{"never computed", func(a *AccountBalance) { a.AsOf = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newAccount(Bucket{ID: 1, Source: SourcePackage, GrantedSeconds: 1000})
			tc.mutate(a)
			err := a.Validate()
			if !errors.Is(err, ErrIntegrityViolation) {
				t.Fatalf("expected integrity violation, got %v", err)
			}
		})
	}

	ok := newAccount(Bucket{ID: 1, Source: SourcePackage, GrantedSeconds: 1000, ExpiresAt: at(time.Hour)})
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid account, got %v", err)
	}
}
