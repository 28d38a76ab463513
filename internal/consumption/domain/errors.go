package domain

import "errors"

var (
	ErrInvalidOperationType = errors.New("invalid_operation_type")
	ErrInvalidOperationID   = errors.New("invalid_operation_id")
	ErrInvalidReservation   = errors.New("invalid_reservation")
	ErrReservationNotFound  = errors.New("reservation_not_found")
	ErrReservationClosed    = errors.New("reservation_closed")
)
