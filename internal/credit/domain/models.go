package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
)

// GrantType is the kind of paid grant an external event carries.
type GrantType string

const (
	GrantSubscription GrantType = "subscription"
	GrantPackage      GrantType = "package"
)

func (g GrantType) Valid() bool {
	return g == GrantSubscription || g == GrantPackage
}

func (g GrantType) Source() balancedomain.Source {
	if g == GrantSubscription {
		return balancedomain.SourceSubscription
	}
	return balancedomain.SourcePackage
}

func (g GrantType) EventType() balancedomain.EventType {
	if g == GrantSubscription {
		return balancedomain.EventSubscriptionCredit
	}
	return balancedomain.EventPackageCredit
}

// ExternalCreditRequest is a payment event delivered by the billing
// provider. Seconds may be zero when PlanKey or PackageKey names a catalog
// entry to take the amount from.
type ExternalCreditRequest struct {
	ExternalEventID string
	AccountID       string
	GrantType       GrantType
	Seconds         int64
	ExpiresAt       *time.Time
	PlanKey         string
	PackageKey      string
}

type RolloverSummary struct {
	CarriedSeconds   int64 `json:"carried_seconds"`
	DiscardedSeconds int64 `json:"discarded_seconds"`
}

type CreditResult struct {
	Duplicate      bool             `json:"duplicate"`
	EventID        snowflake.ID     `json:"event_id,omitempty"`
	BucketID       snowflake.ID     `json:"bucket_id,omitempty"`
	GrantedSeconds int64            `json:"granted_seconds"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	Rollover       *RolloverSummary `json:"rollover,omitempty"`
	BalanceSeconds int64            `json:"balance_seconds"`
}

type BonusResult struct {
	Granted             bool       `json:"granted"`
	Seconds             int64      `json:"seconds"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	BonusUsedThisPeriod int64      `json:"bonus_used_this_period"`
	MonthlyCapSeconds   int64      `json:"monthly_cap_seconds"`
	PeriodKey           string     `json:"period_key"`
}

type Service interface {
	ApplyExternalCredit(ctx context.Context, req ExternalCreditRequest) (CreditResult, error)
	GrantDailyBonus(ctx context.Context, accountID string) (BonusResult, error)
}
