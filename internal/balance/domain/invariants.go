package domain

import (
	"fmt"
	"time"
)

type cachedTotals struct {
	paid       int64
	bonus      int64
	nextExpiry *time.Time
}

func computeTotals(buckets []Bucket, now time.Time) cachedTotals {
	var out cachedTotals
	for _, b := range buckets {
		if !b.Live(now) {
			continue
		}
		if b.Source.IsBonus() {
			out.bonus += b.Remaining()
		} else {
			out.paid += b.Remaining()
		}
		if b.ExpiresAt != nil && (out.nextExpiry == nil || b.ExpiresAt.Before(*out.nextExpiry)) {
			out.nextExpiry = cloneTime(b.ExpiresAt)
		}
	}
	return out
}

// Recompute refreshes every cached field from the buckets as of now.
// rolloverGrace is how long an expired subscription bucket is kept so a late
// renewal can still roll it over.
func (a *AccountBalance) Recompute(now time.Time, rolloverGrace time.Duration) {
	totals := computeTotals(a.Buckets, now)
	a.TotalPaidSeconds = totals.paid
	a.TotalBonusSeconds = totals.bonus
	a.NextExpiryAt = totals.nextExpiry
	a.NextSweepAt = nextSweep(a.Buckets, now, rolloverGrace)
	a.AsOf = now
}

// nextSweep is the earliest instant a maintenance pass has something to
// remove from this account.
func nextSweep(buckets []Bucket, now time.Time, rolloverGrace time.Duration) *time.Time {
	var next *time.Time
	consider := func(t time.Time) {
		if next == nil || t.Before(*next) {
			v := t
			next = &v
		}
	}
	for _, b := range buckets {
		if b.Remaining() == 0 {
			consider(now)
			continue
		}
		if b.ExpiresAt == nil {
			continue
		}
		if b.Source == SourceSubscription {
			consider(b.ExpiresAt.Add(rolloverGrace))
			continue
		}
		consider(*b.ExpiresAt)
	}
	return next
}

// Validate checks the balance invariants against the instant the caches were
// computed for. A failure is returned as *IntegrityError.
func (a *AccountBalance) Validate() error {
	if a.AccountID == "" {
		return &IntegrityError{AccountID: a.AccountID, Reason: "missing account id"}
	}
	if a.AsOf.IsZero() {
		return &IntegrityError{AccountID: a.AccountID, Reason: "cached totals were never computed"}
	}

	seen := make(map[string]struct{}, len(a.Buckets))
	for _, b := range a.Buckets {
		key := b.ID.String()
		if b.ID == 0 {
			return &IntegrityError{AccountID: a.AccountID, Reason: "bucket without id"}
		}
		if _, dup := seen[key]; dup {
			return &IntegrityError{AccountID: a.AccountID, Reason: fmt.Sprintf("duplicate bucket %s", key)}
		}
		seen[key] = struct{}{}

		if !b.Source.Valid() {
			return &IntegrityError{AccountID: a.AccountID, Reason: fmt.Sprintf("bucket %s has unknown source %q", key, b.Source)}
		}
		if b.GrantedSeconds < 0 || b.ConsumedSeconds < 0 {
			return &IntegrityError{AccountID: a.AccountID, Reason: fmt.Sprintf("bucket %s has negative seconds", key)}
		}
		if b.ConsumedSeconds > b.GrantedSeconds {
			return &IntegrityError{AccountID: a.AccountID, Reason: fmt.Sprintf("bucket %s consumed %d of %d", key, b.ConsumedSeconds, b.GrantedSeconds)}
		}
	}

	if a.BonusUsedThisPeriod < 0 {
		return &IntegrityError{AccountID: a.AccountID, Reason: "negative bonus usage"}
	}

	totals := computeTotals(a.Buckets, a.AsOf)
	if totals.paid != a.TotalPaidSeconds {
		return &IntegrityError{AccountID: a.AccountID, Reason: fmt.Sprintf("paid total %d != bucket sum %d", a.TotalPaidSeconds, totals.paid)}
	}
	if totals.bonus != a.TotalBonusSeconds {
		return &IntegrityError{AccountID: a.AccountID, Reason: fmt.Sprintf("bonus total %d != bucket sum %d", a.TotalBonusSeconds, totals.bonus)}
	}
	if !sameInstant(totals.nextExpiry, a.NextExpiryAt) {
		return &IntegrityError{AccountID: a.AccountID, Reason: "next expiry does not match buckets"}
	}
	return nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
