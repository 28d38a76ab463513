package repository

import (
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	"github.com/smallbiznis/meterledger/internal/consumption/domain"
	"gorm.io/datatypes"
)

type reservationRow struct {
	ID              int64                                          `gorm:"column:id;primaryKey;autoIncrement:false"`
	AccountID       string                                         `gorm:"column:account_id;size:128;uniqueIndex:ux_reservations_operation,priority:1"`
	OperationType   string                                         `gorm:"column:operation_type;size:64"`
	OperationID     string                                         `gorm:"column:operation_id;size:128;uniqueIndex:ux_reservations_operation,priority:2"`
	ReservedSeconds int64                                          `gorm:"column:reserved_seconds"`
	ActualSeconds   int64                                          `gorm:"column:actual_seconds"`
	UnpaidSeconds   int64                                          `gorm:"column:unpaid_seconds"`
	Status          string                                         `gorm:"column:status;size:32;index:idx_reservations_status_expires,priority:1"`
	Allocations     datatypes.JSONType[[]balancedomain.Allocation] `gorm:"column:allocations"`
	DebitEventID    int64                                          `gorm:"column:debit_event_id"`
	ExpiresAt       time.Time                                      `gorm:"column:expires_at;index:idx_reservations_status_expires,priority:2"`
	CreatedAt       time.Time                                      `gorm:"column:created_at"`
	UpdatedAt       time.Time                                      `gorm:"column:updated_at"`
}

func (reservationRow) TableName() string { return "reservations" }

// Models lists the tables owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&reservationRow{}}
}

func toRow(r *domain.Reservation) reservationRow {
	return reservationRow{
		ID:              int64(r.ID),
		AccountID:       r.AccountID,
		OperationType:   r.OperationType,
		OperationID:     r.OperationID,
		ReservedSeconds: r.ReservedSeconds,
		ActualSeconds:   r.ActualSeconds,
		UnpaidSeconds:   r.UnpaidSeconds,
		Status:          string(r.Status),
		Allocations:     datatypes.NewJSONType(r.Allocations),
		DebitEventID:    int64(r.DebitEventID),
		ExpiresAt:       r.ExpiresAt.UTC(),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func toDomain(row reservationRow) *domain.Reservation {
	return &domain.Reservation{
		ID:              snowflake.ID(row.ID),
		AccountID:       row.AccountID,
		OperationType:   row.OperationType,
		OperationID:     row.OperationID,
		ReservedSeconds: row.ReservedSeconds,
		ActualSeconds:   row.ActualSeconds,
		UnpaidSeconds:   row.UnpaidSeconds,
		Status:          domain.ReservationStatus(row.Status),
		Allocations:     row.Allocations.Data(),
		DebitEventID:    snowflake.ID(row.DebitEventID),
		ExpiresAt:       row.ExpiresAt.UTC(),
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
}
