package repository

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/internal/balance/domain"
	"gorm.io/datatypes"
)

type accountBalanceRow struct {
	AccountID             string                              `gorm:"column:account_id;primaryKey;size:128"`
	PlanKey               string                              `gorm:"column:plan_key;size:64"`
	Buckets               datatypes.JSONType[[]domain.Bucket] `gorm:"column:buckets"`
	TotalPaidSeconds      int64                               `gorm:"column:total_paid_seconds;not null;default:0"`
	TotalBonusSeconds     int64                               `gorm:"column:total_bonus_seconds;not null;default:0"`
	NextExpiryAt          *time.Time                          `gorm:"column:next_expiry_at"`
	NextSweepAt           *time.Time                          `gorm:"column:next_sweep_at;index"`
	BonusUsedThisPeriod   int64                               `gorm:"column:bonus_used_this_period;not null;default:0"`
	BonusPeriodKey        string                              `gorm:"column:bonus_period_key;size:7"`
	LastBonusGrantDate    string                              `gorm:"column:last_bonus_grant_date;size:10"`
	PricingCatalogVersion string                              `gorm:"column:pricing_catalog_version;size:64"`
	Version               int64                               `gorm:"column:version;not null;default:0"`
	AsOf                  time.Time                           `gorm:"column:as_of"`
	CreatedAt             time.Time                           `gorm:"column:created_at"`
	UpdatedAt             time.Time                           `gorm:"column:updated_at"`
}

func (accountBalanceRow) TableName() string { return "account_balances" }

type balanceEventRow struct {
	ID              int64                                   `gorm:"column:id;primaryKey;autoIncrement:false"`
	AccountID       string                                  `gorm:"column:account_id;size:128;index:idx_balance_events_account_id,priority:1"`
	Type            string                                  `gorm:"column:type;size:32;index"`
	DeltaSeconds    int64                                   `gorm:"column:delta_seconds"`
	Reason          string                                  `gorm:"column:reason;size:64"`
	OperationType   string                                  `gorm:"column:operation_type;size:64"`
	ExternalEventID string                                  `gorm:"column:external_event_id;size:128"`
	ReservationID   int64                                   `gorm:"column:reservation_id"`
	Allocations     datatypes.JSONType[[]domain.Allocation] `gorm:"column:allocations"`
	OccurredAt      time.Time                               `gorm:"column:occurred_at;index"`
}

func (balanceEventRow) TableName() string { return "balance_events" }

type externalEventReceiptRow struct {
	ExternalEventID string    `gorm:"column:external_event_id;primaryKey;size:128"`
	AccountID       string    `gorm:"column:account_id;size:128"`
	ReceivedAt      time.Time `gorm:"column:received_at"`
}

func (externalEventReceiptRow) TableName() string { return "external_event_receipts" }

// Models lists the tables owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&accountBalanceRow{}, &balanceEventRow{}, &externalEventReceiptRow{}}
}

func toDomainBalance(row accountBalanceRow) *domain.AccountBalance {
	buckets := row.Buckets.Data()
	if buckets == nil {
		buckets = []domain.Bucket{}
	}
	return &domain.AccountBalance{
		AccountID:             row.AccountID,
		PlanKey:               row.PlanKey,
		Buckets:               buckets,
		TotalPaidSeconds:      row.TotalPaidSeconds,
		TotalBonusSeconds:     row.TotalBonusSeconds,
		NextExpiryAt:          utcPtr(row.NextExpiryAt),
		NextSweepAt:           utcPtr(row.NextSweepAt),
		BonusUsedThisPeriod:   row.BonusUsedThisPeriod,
		BonusPeriodKey:        row.BonusPeriodKey,
		LastBonusGrantDate:    row.LastBonusGrantDate,
		PricingCatalogVersion: row.PricingCatalogVersion,
		Version:               row.Version,
		AsOf:                  row.AsOf.UTC(),
		CreatedAt:             row.CreatedAt.UTC(),
		UpdatedAt:             row.UpdatedAt.UTC(),
	}
}

func toEventRow(e domain.Event) balanceEventRow {
	return balanceEventRow{
		ID:              int64(e.ID),
		AccountID:       e.AccountID,
		Type:            string(e.Type),
		DeltaSeconds:    e.DeltaSeconds,
		Reason:          e.Reason,
		OperationType:   e.OperationType,
		ExternalEventID: e.ExternalEventID,
		ReservationID:   int64(e.ReservationID),
		Allocations:     datatypes.NewJSONType(e.Allocations),
		OccurredAt:      e.OccurredAt.UTC(),
	}
}

func toDomainEvent(row balanceEventRow) domain.Event {
	return domain.Event{
		ID:              snowflake.ID(row.ID),
		AccountID:       row.AccountID,
		Type:            domain.EventType(row.Type),
		DeltaSeconds:    row.DeltaSeconds,
		Reason:          row.Reason,
		OperationType:   row.OperationType,
		ExternalEventID: row.ExternalEventID,
		ReservationID:   snowflake.ID(row.ReservationID),
		Allocations:     row.Allocations.Data(),
		OccurredAt:      row.OccurredAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
