package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/internal/consumption/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, res *domain.Reservation) error {
	row := toRow(res)
	return tx.WithContext(ctx).Create(&row).Error
}

func (r *repo) Get(ctx context.Context, id snowflake.ID) (*domain.Reservation, error) {
	return r.take(r.db.WithContext(ctx).Where("id = ?", int64(id)))
}

func (r *repo) GetTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Reservation, error) {
	return r.take(tx.WithContext(ctx).Where("id = ?", int64(id)))
}

func (r *repo) FindByOperation(ctx context.Context, tx *gorm.DB, accountID, operationID string) (*domain.Reservation, error) {
	return r.take(tx.WithContext(ctx).Where("account_id = ? AND operation_id = ?", accountID, operationID))
}

func (r *repo) take(query *gorm.DB) (*domain.Reservation, error) {
	var row reservationRow
	if err := query.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, err
	}
	return toDomain(row), nil
}

// Update persists the mutable fields of a reservation that is still pending
// in the database. A row closed by someone else is reported as
// ErrReservationClosed.
func (r *repo) Update(ctx context.Context, tx *gorm.DB, res *domain.Reservation) error {
	row := toRow(res)
	result := tx.WithContext(ctx).
		Model(&reservationRow{}).
		Where("id = ? AND status = ?", row.ID, string(domain.ReservationPending)).
		Updates(map[string]any{
			"actual_seconds": row.ActualSeconds,
			"unpaid_seconds": row.UnpaidSeconds,
			"status":         row.Status,
			"allocations":    row.Allocations,
			"updated_at":     row.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrReservationClosed
	}
	return nil
}

func (r *repo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []reservationRow
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", string(domain.ReservationPending), now.UTC()).
		Order("expires_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]domain.Reservation, 0, len(rows))
	for _, row := range rows {
		out = append(out, *toDomain(row))
	}
	return out, nil
}
