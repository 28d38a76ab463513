package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	"github.com/smallbiznis/meterledger/internal/consumption/domain"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"go.uber.org/zap"
)

// Reserve debits seconds up front for an operation identified by
// operationID. Repeating the call for the same operation returns the
// reservation created the first time.
func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest) (domain.ReserveResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return domain.ReserveResult{}, balancedomain.ErrInvalidAccount
	}
	if req.Seconds <= 0 {
		return domain.ReserveResult{}, balancedomain.ErrInvalidSeconds
	}
	opType, err := operationType(req.OperationType)
	if err != nil {
		return domain.ReserveResult{}, err
	}
	opID := strings.TrimSpace(req.OperationID)
	if opID == "" {
		return domain.ReserveResult{}, domain.ErrInvalidOperationID
	}

	var result domain.ReserveResult
	var bonus *balancedomain.Bucket
	err = s.store.Update(ctx, accountID, func(sess balancedomain.Session) error {
		state := sess.State()
		now := s.clock.Now()

		existing, err := s.repo.FindByOperation(ctx, sess.Tx(), accountID, opID)
		switch {
		case err == nil:
			result = domain.ReserveResult{
				Reservation:      *existing,
				RemainingSeconds: state.Available(now),
				Existing:         true,
			}
			return nil
		case !errors.Is(err, domain.ErrReservationNotFound):
			return err
		}

		allocations, events, granted, err := s.draw(ctx, state, now, req.Seconds)
		if err != nil {
			return err
		}

		reservation := domain.Reservation{
			ID:              s.genID.Generate(),
			AccountID:       accountID,
			OperationType:   opType,
			OperationID:     opID,
			ReservedSeconds: req.Seconds,
			Status:          domain.ReservationPending,
			Allocations:     allocations,
			DebitEventID:    s.genID.Generate(),
			ExpiresAt:       now.Add(s.ghostTimeout),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		events = append(events, balancedomain.Event{
			ID:            reservation.DebitEventID,
			Type:          balancedomain.EventConsumption,
			DeltaSeconds:  -req.Seconds,
			Reason:        "reservation",
			OperationType: opType,
			ReservationID: reservation.ID,
			Allocations:   allocations,
			OccurredAt:    now,
		})

		if err := s.repo.Insert(ctx, sess.Tx(), &reservation); err != nil {
			return err
		}
		state.Recompute(now, s.rolloverGrace)
		if err := sess.Commit(ctx, state, events); err != nil {
			return err
		}

		bonus = granted
		result = domain.ReserveResult{
			Reservation:      reservation,
			RemainingSeconds: state.TotalPaidSeconds + state.TotalBonusSeconds,
		}
		return nil
	})
	if err != nil {
		s.observeDebitFailure(ctx, accountID, opType, req.Seconds, err)
		return domain.ReserveResult{}, err
	}
	if result.Existing {
		return result, nil
	}

	s.observeBonus(ctx, bonus)
	s.observeDebit(ctx, opType, result.Reservation.Allocations)
	s.log.Info("consumption.reservation.created",
		zap.String("account_id", accountID),
		zap.String("reservation_id", result.Reservation.ID.String()),
		zap.String("operation_type", opType),
		zap.Int64("seconds", req.Seconds),
	)
	return result, nil
}

// Complete settles a reservation against the seconds the operation really
// used. Unused seconds go back to the buckets they came from; an overrun is
// debited when the balance allows it and recorded as unpaid otherwise.
func (s *Service) Complete(ctx context.Context, reservationID snowflake.ID, actualSeconds int64) (domain.CompleteResult, error) {
	if actualSeconds < 0 {
		return domain.CompleteResult{}, balancedomain.ErrInvalidSeconds
	}
	return s.settle(ctx, reservationID, actualSeconds, domain.ReservationCompleted, balancedomain.ReasonReservationRefund)
}

// Cancel refunds a reservation in full.
func (s *Service) Cancel(ctx context.Context, reservationID snowflake.ID) (domain.CompleteResult, error) {
	return s.settle(ctx, reservationID, 0, domain.ReservationCancelled, balancedomain.ReasonReservationCancel)
}

// SweepGhosts refunds every pending reservation whose operation never
// reported back before the ghost timeout.
func (s *Service) SweepGhosts(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := s.repo.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	var (
		refunded int
		errs     []error
	)
	for _, r := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.settle(ctx, r.ID, 0, domain.ReservationGhostRefunded, balancedomain.ReasonGhostRefund)
		if err != nil {
			if errors.Is(err, domain.ErrReservationClosed) {
				continue
			}
			s.log.Warn("consumption.ghost.refund_failed",
				zap.String("reservation_id", r.ID.String()),
				zap.String("account_id", r.AccountID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		refunded++
		s.ledgerMetrics.AddGhostRefund(res.RefundedSeconds)
		s.log.Info("consumption.ghost.refunded",
			zap.String("reservation_id", r.ID.String()),
			zap.String("account_id", r.AccountID),
			zap.Int64("refunded_seconds", res.RefundedSeconds),
		)
	}
	return refunded, errors.Join(errs...)
}

func (s *Service) settle(ctx context.Context, reservationID snowflake.ID, actualSeconds int64, status domain.ReservationStatus, refundReason string) (domain.CompleteResult, error) {
	if reservationID == 0 {
		return domain.CompleteResult{}, domain.ErrInvalidReservation
	}

	peek, err := s.repo.Get(ctx, reservationID)
	if err != nil {
		return domain.CompleteResult{}, err
	}
	if peek.Status != domain.ReservationPending {
		return domain.CompleteResult{}, domain.ErrReservationClosed
	}

	var result domain.CompleteResult
	var bonus *balancedomain.Bucket
	err = s.store.Update(ctx, peek.AccountID, func(sess balancedomain.Session) error {
		reservation, err := s.repo.GetTx(ctx, sess.Tx(), reservationID)
		if err != nil {
			return err
		}
		if reservation.Status != domain.ReservationPending {
			return domain.ErrReservationClosed
		}

		state := sess.State()
		now := s.clock.Now()
		var events []balancedomain.Event

		switch diff := actualSeconds - reservation.ReservedSeconds; {
		case diff < 0:
			restored := state.Restore(reservation.Allocations, -diff, now)
			result.RefundedSeconds = balancedomain.SumAllocations(restored)
			if result.RefundedSeconds > 0 {
				events = append(events, balancedomain.Event{
					Type:          balancedomain.EventAdjustment,
					DeltaSeconds:  result.RefundedSeconds,
					Reason:        refundReason,
					OperationType: reservation.OperationType,
					ReservationID: reservation.ID,
					Allocations:   restored,
					OccurredAt:    now,
				})
			}
			if forfeited := -diff - result.RefundedSeconds; forfeited > 0 {
				s.log.Info("consumption.reservation.refund_forfeited",
					zap.String("reservation_id", reservation.ID.String()),
					zap.Int64("forfeited_seconds", forfeited),
				)
			}
		case diff > 0:
			work := state.Clone()
			allocations, drawEvents, granted, err := s.draw(ctx, work, now, diff)
			var insufficient *balancedomain.InsufficientBalanceError
			switch {
			case errors.As(err, &insufficient):
				reservation.UnpaidSeconds = diff
				s.log.Warn("consumption.reservation.overrun_unpaid",
					zap.String("account_id", reservation.AccountID),
					zap.String("reservation_id", reservation.ID.String()),
					zap.Int64("unpaid_seconds", diff),
					zap.Int64("available_seconds", insufficient.Available),
				)
			case err != nil:
				return err
			default:
				*state = *work
				bonus = granted
				result.ExtraSeconds = diff
				reservation.Allocations = append(reservation.Allocations, allocations...)
				events = append(events, drawEvents...)
				events = append(events, balancedomain.Event{
					Type:          balancedomain.EventConsumption,
					DeltaSeconds:  -diff,
					Reason:        balancedomain.ReasonReservationOverrun,
					OperationType: reservation.OperationType,
					ReservationID: reservation.ID,
					Allocations:   allocations,
					OccurredAt:    now,
				})
			}
		}

		reservation.ActualSeconds = actualSeconds
		reservation.Status = status
		reservation.UpdatedAt = now
		if err := s.repo.Update(ctx, sess.Tx(), reservation); err != nil {
			return err
		}

		state.Recompute(now, s.rolloverGrace)
		if err := sess.Commit(ctx, state, events); err != nil {
			return err
		}

		result.Reservation = *reservation
		result.RemainingSeconds = state.TotalPaidSeconds + state.TotalBonusSeconds
		return nil
	})
	if err != nil {
		return domain.CompleteResult{}, err
	}

	s.observeBonus(ctx, bonus)
	if result.ExtraSeconds > 0 {
		s.ledgerMetrics.IncDebit(obsmetrics.DebitOutcomeOK)
		s.metrics.RecordDebit(ctx, result.Reservation.OperationType, obsmetrics.DebitOutcomeOK, result.ExtraSeconds)
	}
	s.log.Info("consumption.reservation.settled",
		zap.String("reservation_id", reservationID.String()),
		zap.String("status", string(status)),
		zap.Int64("actual_seconds", actualSeconds),
		zap.Int64("refunded_seconds", result.RefundedSeconds),
		zap.Int64("extra_seconds", result.ExtraSeconds),
	)
	return result, nil
}
