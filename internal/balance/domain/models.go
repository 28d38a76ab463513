package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Source identifies where the seconds in a bucket came from.
type Source string

const (
	SourceDailyBonus   Source = "daily_bonus"
	SourceSubscription Source = "subscription"
	SourceRollover     Source = "rollover"
	SourcePackage      Source = "package"
)

func (s Source) Valid() bool {
	switch s {
	case SourceDailyBonus, SourceSubscription, SourceRollover, SourcePackage:
		return true
	default:
		return false
	}
}

// IsBonus reports whether seconds from this source count as bonus rather than paid.
func (s Source) IsBonus() bool {
	return s == SourceDailyBonus
}

// Bucket is a single grant of seconds. Buckets are never merged.
type Bucket struct {
	ID              snowflake.ID `json:"id"`
	Source          Source       `json:"source"`
	GrantedSeconds  int64        `json:"granted_seconds"`
	ConsumedSeconds int64        `json:"consumed_seconds"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	ExternalEventID string       `json:"external_event_id,omitempty"`
	PlanKey         string       `json:"plan_key,omitempty"`
}

func (b Bucket) Remaining() int64 {
	return b.GrantedSeconds - b.ConsumedSeconds
}

// Expired reports whether the bucket can no longer be drawn from at now.
// A bucket expiring exactly at now is already expired.
func (b Bucket) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// Live reports whether the bucket still holds spendable seconds at now.
func (b Bucket) Live(now time.Time) bool {
	return !b.Expired(now) && b.Remaining() > 0
}

// Breakdown splits an available balance into bonus and paid seconds.
type Breakdown struct {
	BonusSeconds int64 `json:"bonus"`
	PaidSeconds  int64 `json:"paid"`
}

func (b Breakdown) Total() int64 {
	return b.BonusSeconds + b.PaidSeconds
}

// AccountBalance is the per-account aggregate guarded by the account lock.
// Totals and expiry fields are caches over Buckets; Recompute refreshes them
// and the store refuses to commit a state whose caches disagree.
type AccountBalance struct {
	AccountID             string
	PlanKey               string
	Buckets               []Bucket
	TotalPaidSeconds      int64
	TotalBonusSeconds     int64
	NextExpiryAt          *time.Time
	NextSweepAt           *time.Time
	BonusUsedThisPeriod   int64
	BonusPeriodKey        string
	LastBonusGrantDate    string
	PricingCatalogVersion string
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time

	// AsOf is the instant the caches were last recomputed for.
	AsOf time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing the loaded state.
func (a *AccountBalance) Clone() *AccountBalance {
	if a == nil {
		return nil
	}
	out := *a
	out.Buckets = make([]Bucket, len(a.Buckets))
	for i, b := range a.Buckets {
		out.Buckets[i] = b
		out.Buckets[i].ExpiresAt = cloneTime(b.ExpiresAt)
	}
	out.NextExpiryAt = cloneTime(a.NextExpiryAt)
	out.NextSweepAt = cloneTime(a.NextSweepAt)
	return &out
}

// Breakdown sums live buckets at now.
func (a *AccountBalance) Breakdown(now time.Time) Breakdown {
	var out Breakdown
	for _, b := range a.Buckets {
		if !b.Live(now) {
			continue
		}
		if b.Source.IsBonus() {
			out.BonusSeconds += b.Remaining()
		} else {
			out.PaidSeconds += b.Remaining()
		}
	}
	return out
}

// Available is the number of seconds a debit at now could draw.
func (a *AccountBalance) Available(now time.Time) int64 {
	return a.Breakdown(now).Total()
}

func (a *AccountBalance) bucketIndex(id snowflake.ID) int {
	for i, b := range a.Buckets {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// EventType names an entry in the append-only account event log.
type EventType string

const (
	EventSubscriptionCredit EventType = "subscription_credit"
	EventPackageCredit      EventType = "package_credit"
	EventDailyBonusCredit   EventType = "daily_bonus_credit"
	EventConsumption        EventType = "consumption"
	EventRolloverCreated    EventType = "rollover_created"
	EventRolloverDiscarded  EventType = "rollover_discarded"
	EventAdjustment         EventType = "adjustment"
)

// Allocation records how many seconds an event took from, or returned to, one bucket.
type Allocation struct {
	BucketID  snowflake.ID `json:"bucket_id"`
	Source    Source       `json:"source"`
	Seconds   int64        `json:"seconds"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

// Event is immutable once committed.
type Event struct {
	ID              snowflake.ID
	AccountID       string
	Type            EventType
	DeltaSeconds    int64
	Reason          string
	OperationType   string
	ExternalEventID string
	ReservationID   snowflake.ID
	Allocations     []Allocation
	OccurredAt      time.Time
}

// EventFilter narrows an event listing. BeforeID pages backwards through
// the log, which is ordered by id.
type EventFilter struct {
	AccountID string
	Types     []EventType
	Since     *time.Time
	Until     *time.Time
	BeforeID  snowflake.ID
	Limit     int
}

// Event reasons written by the ledger itself.
const (
	ReasonExpired             = "expired"
	ReasonSubscriptionLapsed  = "subscription_lapsed"
	ReasonRolloverCapExceeded = "rollover_cap_exceeded"
	ReasonRolloverCarried     = "rollover_carried"
	ReasonReservationRefund   = "reservation_refund"
	ReasonReservationCancel   = "reservation_cancelled"
	ReasonReservationOverrun  = "reservation_overrun"
	ReasonGhostRefund         = "ghost_operation_refund"
	ReasonDailyBonus          = "daily_bonus"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
