package domain

import (
	"context"
	"errors"
	"time"

	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	"github.com/smallbiznis/meterledger/pkg/db/pagination"
)

var (
	ErrInvalidPeriod    = errors.New("invalid_period")
	ErrInvalidPageToken = pagination.ErrInvalidPageToken
)

const MaxUsageDays = 90

type BucketView struct {
	ID               string               `json:"id"`
	Source           balancedomain.Source `json:"source"`
	RemainingSeconds int64                `json:"remaining_seconds"`
	GrantedSeconds   int64                `json:"granted_seconds"`
	ExpiresAt        *time.Time           `json:"expires_at,omitempty"`
}

type BonusView struct {
	UsedThisPeriod    int64  `json:"used_this_period"`
	MonthlyCapSeconds int64  `json:"monthly_cap"`
	PeriodKey         string `json:"period_key"`
	DailySeconds      int64  `json:"daily_seconds"`
	PendingToday      int64  `json:"pending_today"`
}

type Balance struct {
	AccountID      string                         `json:"account_id"`
	PlanKey        string                         `json:"plan_key"`
	TotalSeconds   int64                          `json:"total_seconds"`
	Breakdown      balancedomain.Breakdown        `json:"breakdown"`
	ByCategory     map[balancedomain.Source]int64 `json:"by_category"`
	Buckets        []BucketView                   `json:"buckets"`
	NextExpiryAt   *time.Time                     `json:"next_expiry_at,omitempty"`
	Bonus          BonusView                      `json:"bonus"`
	CatalogVersion string                         `json:"catalog_version"`
	AsOf           time.Time                      `json:"as_of"`
	Version        int64                          `json:"version"`
}

// Period selects the usage window: day, week, month, or the last Days days.
type Period struct {
	Name string
	Days int
}

type DailyUsage struct {
	Date    string `json:"date"`
	Seconds int64  `json:"seconds"`
}

type Usage struct {
	AccountID       string           `json:"account_id"`
	Period          string           `json:"period"`
	From            time.Time        `json:"from"`
	To              time.Time        `json:"to"`
	TotalSeconds    int64            `json:"total_seconds"`
	ByOperationType map[string]int64 `json:"by_operation_type"`
	DailyTrend      []DailyUsage     `json:"daily_trend"`
}

type EventView struct {
	ID              string                     `json:"id"`
	Type            balancedomain.EventType    `json:"type"`
	DeltaSeconds    int64                      `json:"delta_seconds"`
	Reason          string                     `json:"reason,omitempty"`
	OperationType   string                     `json:"operation_type,omitempty"`
	ExternalEventID string                     `json:"external_event_id,omitempty"`
	ReservationID   string                     `json:"reservation_id,omitempty"`
	Allocations     []balancedomain.Allocation `json:"allocations"`
	OccurredAt      time.Time                  `json:"occurred_at"`
}

type ListEventsRequest struct {
	AccountID string
	Types     []balancedomain.EventType
	pagination.Pagination
}

type EventPage struct {
	Events   []EventView          `json:"events"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type Service interface {
	GetBalance(ctx context.Context, accountID string) (*Balance, error)
	GetUsage(ctx context.Context, accountID string, period Period) (*Usage, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (*EventPage, error)
	// RenderStatement returns a PDF usage statement for the period.
	RenderStatement(ctx context.Context, accountID string, period Period) ([]byte, error)
}
