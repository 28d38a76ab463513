package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/meterledger/internal/balance/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type session struct {
	store   *Store
	tx      *gorm.DB
	loaded  *domain.AccountBalance
	state   *domain.AccountBalance
	release func()
	closed  bool
}

func (s *session) State() *domain.AccountBalance {
	return s.state
}

func (s *session) Tx() *gorm.DB {
	return s.tx
}

func (s *session) RecordExternalEvent(ctx context.Context, externalEventID string) (bool, error) {
	if s.closed {
		return false, domain.ErrSessionClosed
	}
	externalEventID = strings.TrimSpace(externalEventID)
	if externalEventID == "" {
		return false, domain.ErrInvalidExternalEvent
	}

	result := s.tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_event_id"}}, DoNothing: true}).
		Create(&externalEventReceiptRow{
			ExternalEventID: externalEventID,
			AccountID:       s.loaded.AccountID,
			ReceivedAt:      s.store.clock.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *session) Commit(ctx context.Context, state *domain.AccountBalance, events []domain.Event) error {
	if s.closed {
		return domain.ErrSessionClosed
	}
	if state == nil {
		state = s.state
	}
	if state.AccountID != s.loaded.AccountID {
		s.Rollback()
		return &domain.IntegrityError{AccountID: s.loaded.AccountID, Reason: "state belongs to account " + state.AccountID}
	}

	if err := state.Validate(); err != nil {
		s.store.log.Error("balance.integrity.violation",
			zap.String("account_id", state.AccountID),
			zap.Error(err),
		)
		if s.store.metrics != nil {
			s.store.metrics.IncIntegrityViolation()
		}
		s.Rollback()
		return err
	}

	now := s.store.clock.Now()
	tx := s.tx.WithContext(ctx)

	result := tx.Model(&accountBalanceRow{}).
		Where("account_id = ? AND version = ?", s.loaded.AccountID, s.loaded.Version).
		Updates(map[string]any{
			"plan_key":                state.PlanKey,
			"buckets":                 datatypes.NewJSONType(state.Buckets),
			"total_paid_seconds":      state.TotalPaidSeconds,
			"total_bonus_seconds":     state.TotalBonusSeconds,
			"next_expiry_at":          state.NextExpiryAt,
			"next_sweep_at":           state.NextSweepAt,
			"bonus_used_this_period":  state.BonusUsedThisPeriod,
			"bonus_period_key":        state.BonusPeriodKey,
			"last_bonus_grant_date":   state.LastBonusGrantDate,
			"pricing_catalog_version": state.PricingCatalogVersion,
			"version":                 s.loaded.Version + 1,
			"as_of":                   state.AsOf.UTC(),
			"updated_at":              now,
		})
	if result.Error != nil {
		s.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.Rollback()
		return domain.ErrConcurrentModification
	}

	if len(events) > 0 {
		rows := make([]balanceEventRow, 0, len(events))
		for i := range events {
			if events[i].ID == 0 {
				events[i].ID = s.store.genID.Generate()
			}
			events[i].AccountID = s.loaded.AccountID
			if events[i].OccurredAt.IsZero() {
				events[i].OccurredAt = now
			}
			rows = append(rows, toEventRow(events[i]))
		}
		if err := tx.Create(&rows).Error; err != nil {
			s.Rollback()
			return err
		}
	}

	if err := tx.Commit().Error; err != nil {
		s.closed = true
		s.release()
		return err
	}
	s.closed = true
	s.release()

	state.Version = s.loaded.Version + 1
	state.UpdatedAt = now
	return nil
}

func (s *session) Rollback() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.release()

	err := s.tx.Rollback().Error
	if errors.Is(err, gorm.ErrInvalidTransaction) {
		return nil
	}
	return err
}

var _ domain.Session = (*session)(nil)
