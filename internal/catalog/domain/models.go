package domain

import (
	"context"
	"errors"
	"time"

	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
)

var (
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrPackageNotFound = errors.New("package_not_found")
)

type Plan struct {
	Key                    string
	GrantedSeconds         int64
	RolloverCapSeconds     int64
	DailyBonusSeconds      int64
	MonthlyBonusCapSeconds int64
	ValidityDays           int
}

func (p Plan) BonusPolicy() balancedomain.BonusPolicy {
	return balancedomain.BonusPolicy{
		DailySeconds:      p.DailyBonusSeconds,
		MonthlyCapSeconds: p.MonthlyBonusCapSeconds,
	}
}

// Validity is how long a subscription grant on this plan lasts.
func (p Plan) Validity() time.Duration {
	return time.Duration(p.ValidityDays) * 24 * time.Hour
}

type Package struct {
	Key            string
	Label          string
	GrantedSeconds int64
	ValidityDays   int
}

func (p Package) Validity() time.Duration {
	return time.Duration(p.ValidityDays) * 24 * time.Hour
}

// SuggestionKind tells a client how it could cover a shortfall.
type SuggestionKind string

const (
	SuggestionPackage    SuggestionKind = "package"
	SuggestionDailyBonus SuggestionKind = "daily_bonus"
)

type Suggestion struct {
	Kind         SuggestionKind `json:"kind"`
	Key          string         `json:"key,omitempty"`
	Label        string         `json:"label,omitempty"`
	Seconds      int64          `json:"seconds"`
	CoversNeeded bool           `json:"covers_shortfall"`
	AvailableAt  *time.Time     `json:"available_at,omitempty"`
}

// Service is a read-only view over the current pricing catalog.
type Service interface {
	Version() string
	Plan(ctx context.Context, key string) (Plan, error)
	// PlanOrDefault resolves key and falls back to the default plan when key
	// is no longer in the catalog.
	PlanOrDefault(ctx context.Context, key string) Plan
	Package(ctx context.Context, key string) (Package, error)
	Packages(ctx context.Context) []Package
	Suggest(ctx context.Context, shortfall int64, nextBonus int64, nextBonusAt *time.Time) []Suggestion
}
