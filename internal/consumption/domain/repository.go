package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists reservations. Methods taking a tx must be called with
// the account session's transaction so reservation rows commit with the
// balance.
type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, r *Reservation) error
	Get(ctx context.Context, id snowflake.ID) (*Reservation, error)
	GetTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Reservation, error)
	FindByOperation(ctx context.Context, tx *gorm.DB, accountID, operationID string) (*Reservation, error)
	Update(ctx context.Context, tx *gorm.DB, r *Reservation) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}
