package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
)

// UnspecifiedOperationType labels debits made without an operation type.
const UnspecifiedOperationType = "unspecified"

type CheckResult struct {
	Sufficient               bool                    `json:"sufficient"`
	RequestedSeconds         int64                   `json:"requested_seconds"`
	AvailableSeconds         int64                   `json:"available_seconds"`
	Breakdown                balancedomain.Breakdown `json:"breakdown"`
	PendingDailyBonusSeconds int64                   `json:"pending_daily_bonus_seconds"`
}

type DebitRequest struct {
	AccountID     string
	Seconds       int64
	Reason        string
	OperationType string
}

type DebitResult struct {
	EventID          snowflake.ID               `json:"event_id"`
	RemainingSeconds int64                      `json:"remaining_seconds"`
	Allocations      []balancedomain.Allocation `json:"allocations"`
	BonusGranted     bool                       `json:"bonus_granted"`
}

type ReservationStatus string

const (
	ReservationPending       ReservationStatus = "pending"
	ReservationCompleted     ReservationStatus = "completed"
	ReservationCancelled     ReservationStatus = "cancelled"
	ReservationGhostRefunded ReservationStatus = "ghost_refunded"
)

// Reservation holds seconds debited up front for an operation whose final
// duration is not yet known.
type Reservation struct {
	ID              snowflake.ID               `json:"id"`
	AccountID       string                     `json:"account_id"`
	OperationType   string                     `json:"operation_type"`
	OperationID     string                     `json:"operation_id"`
	ReservedSeconds int64                      `json:"reserved_seconds"`
	ActualSeconds   int64                      `json:"actual_seconds"`
	UnpaidSeconds   int64                      `json:"unpaid_seconds"`
	Status          ReservationStatus          `json:"status"`
	Allocations     []balancedomain.Allocation `json:"allocations"`
	DebitEventID    snowflake.ID               `json:"debit_event_id"`
	ExpiresAt       time.Time                  `json:"expires_at"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

type ReserveRequest struct {
	AccountID     string
	Seconds       int64
	OperationType string
	OperationID   string
}

type ReserveResult struct {
	Reservation      Reservation `json:"reservation"`
	RemainingSeconds int64       `json:"remaining_seconds"`
	Existing         bool        `json:"existing"`
}

type CompleteResult struct {
	Reservation      Reservation `json:"reservation"`
	RefundedSeconds  int64       `json:"refunded_seconds"`
	ExtraSeconds     int64       `json:"extra_seconds"`
	RemainingSeconds int64       `json:"remaining_seconds"`
}

type Service interface {
	CheckSufficient(ctx context.Context, accountID string, seconds int64) (CheckResult, error)
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)
	Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error)
	Complete(ctx context.Context, reservationID snowflake.ID, actualSeconds int64) (CompleteResult, error)
	Cancel(ctx context.Context, reservationID snowflake.ID) (CompleteResult, error)
	// SweepGhosts refunds pending reservations that outlived their expiry
	// and returns how many were refunded.
	SweepGhosts(ctx context.Context, now time.Time, limit int) (int, error)
}
