package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// BonusPolicy is the plan's daily bonus allowance.
type BonusPolicy struct {
	DailySeconds      int64
	MonthlyCapSeconds int64
}

// PeriodKey is the bonus cap period containing now: the UTC calendar month.
func PeriodKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// DayKey is the UTC calendar date containing now.
func DayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// NextMidnight is the start of the UTC day after now.
func NextMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// BonusUsed is the bonus granted so far in the period containing now.
func (a *AccountBalance) BonusUsed(now time.Time) int64 {
	if a.BonusPeriodKey != PeriodKey(now) {
		return 0
	}
	return a.BonusUsedThisPeriod
}

// PendingDailyBonus is what GrantDailyBonus would grant at now, or zero when
// today's bonus was already granted or the grant would exceed the monthly cap.
func (a *AccountBalance) PendingDailyBonus(now time.Time, policy BonusPolicy) int64 {
	if policy.DailySeconds <= 0 {
		return 0
	}
	if a.LastBonusGrantDate == DayKey(now) {
		return 0
	}
	if a.BonusUsed(now)+policy.DailySeconds > policy.MonthlyCapSeconds {
		return 0
	}
	return policy.DailySeconds
}

// GrantDailyBonus adds today's bonus bucket, expiring at the next UTC
// midnight, when PendingDailyBonus allows it. It reports whether a grant
// happened; when it did not, the balance is unchanged.
func (a *AccountBalance) GrantDailyBonus(now time.Time, policy BonusPolicy, id snowflake.ID) (Bucket, bool) {
	seconds := a.PendingDailyBonus(now, policy)
	if seconds == 0 {
		return Bucket{}, false
	}

	period := PeriodKey(now)
	if a.BonusPeriodKey != period {
		a.BonusPeriodKey = period
		a.BonusUsedThisPeriod = 0
	}
	a.BonusUsedThisPeriod += seconds
	a.LastBonusGrantDate = DayKey(now)

	expiresAt := NextMidnight(now)
	bucket := a.AddBucket(id, SourceDailyBonus, seconds, &expiresAt, now)
	return *bucket, true
}

// BonusCreditEvent is the log entry for a granted daily bonus bucket.
func BonusCreditEvent(b Bucket) Event {
	return Event{
		Type:         EventDailyBonusCredit,
		DeltaSeconds: b.GrantedSeconds,
		Reason:       ReasonDailyBonus,
		Allocations: []Allocation{{
			BucketID:  b.ID,
			Source:    b.Source,
			Seconds:   b.GrantedSeconds,
			ExpiresAt: cloneTime(b.ExpiresAt),
		}},
		OccurredAt: b.CreatedAt,
	}
}
