package domain

import "time"

// SweepResult summarises one maintenance pass over an account.
type SweepResult struct {
	RemovedBuckets int
	// Expired lists paid seconds that expired unused.
	Expired []Allocation
	// BonusUsed is true when the expired daily bonus bucket was drawn from,
	// which marks the account as active for the next bonus grant.
	BonusUsed bool
}

func (r SweepResult) Changed() bool {
	return r.RemovedBuckets > 0
}

// Sweep drops buckets that can no longer contribute: expired daily bonus
// buckets, fully consumed buckets of any source, and expired package and
// rollover buckets. Expired subscription buckets are left for the rollover
// settlement since a renewal may still roll them over.
func (a *AccountBalance) Sweep(now time.Time) SweepResult {
	var result SweepResult
	kept := a.Buckets[:0:0]
	for _, b := range a.Buckets {
		expired := b.Expired(now)
		switch {
		case b.Remaining() == 0:
			if b.Source == SourceDailyBonus && expired && b.ConsumedSeconds > 0 {
				result.BonusUsed = true
			}
		case b.Source == SourceDailyBonus && expired:
			if b.ConsumedSeconds > 0 {
				result.BonusUsed = true
			}
		case (b.Source == SourcePackage || b.Source == SourceRollover) && expired:
			result.Expired = append(result.Expired, Allocation{
				BucketID:  b.ID,
				Source:    b.Source,
				Seconds:   b.Remaining(),
				ExpiresAt: cloneTime(b.ExpiresAt),
			})
		default:
			kept = append(kept, b)
			continue
		}
		result.RemovedBuckets++
	}
	a.Buckets = kept
	return result
}
