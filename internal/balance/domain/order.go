package domain

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
)

// consumesBefore orders buckets for debiting: the daily bonus first, then the
// bucket expiring soonest (no expiry sorts last), then the smallest remainder.
// Creation time and id only break remaining ties so the order is total.
func consumesBefore(a, b Bucket) bool {
	aBonus, bBonus := a.Source == SourceDailyBonus, b.Source == SourceDailyBonus
	if aBonus != bBonus {
		return aBonus
	}

	switch {
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}

	if a.Remaining() != b.Remaining() {
		return a.Remaining() < b.Remaining()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ConsumptionOrder returns indexes into buckets of every live bucket in the
// order a debit draws from them.
func ConsumptionOrder(buckets []Bucket, now time.Time) []int {
	idx := make([]int, 0, len(buckets))
	for i, b := range buckets {
		if b.Live(now) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return consumesBefore(buckets[idx[i]], buckets[idx[j]])
	})
	return idx
}

// Allocate debits seconds across live buckets in consumption order. It is
// all-or-nothing: when the account cannot cover the request the buckets are
// left untouched and an *InsufficientBalanceError is returned.
func (a *AccountBalance) Allocate(seconds int64, now time.Time) ([]Allocation, error) {
	if seconds <= 0 {
		return nil, ErrInvalidSeconds
	}
	breakdown := a.Breakdown(now)
	if breakdown.Total() < seconds {
		return nil, &InsufficientBalanceError{
			AccountID: a.AccountID,
			Requested: seconds,
			Available: breakdown.Total(),
			Breakdown: breakdown,
		}
	}

	remaining := seconds
	allocations := make([]Allocation, 0, 2)
	for _, i := range ConsumptionOrder(a.Buckets, now) {
		if remaining == 0 {
			break
		}
		b := &a.Buckets[i]
		take := min(b.Remaining(), remaining)
		b.ConsumedSeconds += take
		remaining -= take
		allocations = append(allocations, Allocation{
			BucketID:  b.ID,
			Source:    b.Source,
			Seconds:   take,
			ExpiresAt: cloneTime(b.ExpiresAt),
		})
	}
	return allocations, nil
}

// Restore gives back up to seconds previously taken by allocations, undoing
// the most recently drawn buckets first. A bucket that was swept away is
// re-created with its original id and expiry. Seconds belonging to a bucket
// that has since expired are forfeited. The returned allocations describe
// what was actually restored.
func (a *AccountBalance) Restore(allocations []Allocation, seconds int64, now time.Time) []Allocation {
	if seconds <= 0 {
		return nil
	}
	remaining := seconds
	restored := make([]Allocation, 0, len(allocations))
	for i := len(allocations) - 1; i >= 0 && remaining > 0; i-- {
		alloc := allocations[i]
		give := min(alloc.Seconds, remaining)
		if give <= 0 {
			continue
		}
		remaining -= give

		if alloc.ExpiresAt != nil && !now.Before(*alloc.ExpiresAt) {
			continue
		}

		if idx := a.bucketIndex(alloc.BucketID); idx >= 0 {
			b := &a.Buckets[idx]
			give = min(give, b.ConsumedSeconds)
			if give == 0 {
				continue
			}
			b.ConsumedSeconds -= give
		} else {
			a.Buckets = append(a.Buckets, Bucket{
				ID:             alloc.BucketID,
				Source:         alloc.Source,
				GrantedSeconds: give,
				ExpiresAt:      cloneTime(alloc.ExpiresAt),
				CreatedAt:      now,
			})
		}
		restored = append(restored, Allocation{
			BucketID:  alloc.BucketID,
			Source:    alloc.Source,
			Seconds:   give,
			ExpiresAt: cloneTime(alloc.ExpiresAt),
		})
	}
	return restored
}

// SumAllocations totals the seconds across allocations.
func SumAllocations(allocations []Allocation) int64 {
	var total int64
	for _, a := range allocations {
		total += a.Seconds
	}
	return total
}

// AddBucket appends a new grant. Zero-second grants are ignored.
func (a *AccountBalance) AddBucket(id snowflake.ID, source Source, seconds int64, expiresAt *time.Time, now time.Time) *Bucket {
	if seconds <= 0 {
		return nil
	}
	a.Buckets = append(a.Buckets, Bucket{
		ID:             id,
		Source:         source,
		GrantedSeconds: seconds,
		ExpiresAt:      cloneTime(expiresAt),
		CreatedAt:      now,
	})
	return &a.Buckets[len(a.Buckets)-1]
}
