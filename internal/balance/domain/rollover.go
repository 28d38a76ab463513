package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RolloverResult describes what a renewal did with the previous cycle.
type RolloverResult struct {
	CarriedSeconds   int64
	DiscardedSeconds int64
	Bucket           *Bucket
	Closed           []Allocation
}

// rollable reports whether a subscription bucket still belongs to the cycle
// being renewed: unexpired, or expired less than grace ago.
func rollable(b Bucket, now time.Time, grace time.Duration) bool {
	if b.Source != SourceSubscription {
		return false
	}
	if b.ExpiresAt == nil {
		return true
	}
	return now.Before(b.ExpiresAt.Add(grace))
}

// RollOver closes the previous subscription cycle ahead of a renewal. Unused
// seconds up to capSeconds move into one rollover bucket expiring with the new
// cycle; the excess is discarded. Old subscription buckets are removed.
func (a *AccountBalance) RollOver(now time.Time, grace time.Duration, capSeconds int64, newCycleExpiry *time.Time, id snowflake.ID) RolloverResult {
	var result RolloverResult
	kept := a.Buckets[:0:0]
	var unused int64
	for _, b := range a.Buckets {
		if !rollable(b, now, grace) {
			kept = append(kept, b)
			continue
		}
		if rem := b.Remaining(); rem > 0 {
			unused += rem
			result.Closed = append(result.Closed, Allocation{
				BucketID:  b.ID,
				Source:    b.Source,
				Seconds:   rem,
				ExpiresAt: cloneTime(b.ExpiresAt),
			})
		}
	}
	a.Buckets = kept

	if capSeconds < 0 {
		capSeconds = 0
	}
	result.CarriedSeconds = min(unused, capSeconds)
	result.DiscardedSeconds = unused - result.CarriedSeconds
	if result.CarriedSeconds > 0 {
		bucket := a.AddBucket(id, SourceRollover, result.CarriedSeconds, newCycleExpiry, now)
		copied := *bucket
		result.Bucket = &copied
	}
	return result
}

// SettleLapsed removes subscription buckets whose grace window has passed
// without a renewal and reports the seconds that were still unused.
func (a *AccountBalance) SettleLapsed(now time.Time, grace time.Duration) []Allocation {
	var discarded []Allocation
	kept := a.Buckets[:0:0]
	for _, b := range a.Buckets {
		if b.Source != SourceSubscription || b.ExpiresAt == nil || now.Before(b.ExpiresAt.Add(grace)) {
			kept = append(kept, b)
			continue
		}
		if rem := b.Remaining(); rem > 0 {
			discarded = append(discarded, Allocation{
				BucketID:  b.ID,
				Source:    b.Source,
				Seconds:   rem,
				ExpiresAt: cloneTime(b.ExpiresAt),
			})
		}
	}
	a.Buckets = kept
	return discarded
}
