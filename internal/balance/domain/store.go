package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Store persists account balances, the event log and idempotency records.
// Every mutation goes through a Session, which holds the account's exclusive
// lock from LoadForUpdate until Commit or Rollback.
type Store interface {
	// EnsureAccount creates an empty balance when none exists and reports
	// whether it did.
	EnsureAccount(ctx context.Context, accountID, planKey string) (bool, error)
	LoadForUpdate(ctx context.Context, accountID string) (Session, error)
	// Update runs fn inside a session. The session is rolled back when fn
	// returns an error or returns without committing.
	Update(ctx context.Context, accountID string, fn func(Session) error) error
	// Get reads the last committed state without taking the lock.
	Get(ctx context.Context, accountID string) (*AccountBalance, error)
	ExternalEventProcessed(ctx context.Context, externalEventID string) (bool, error)
	AccountsDueForSweep(ctx context.Context, now time.Time, afterAccountID string, limit int) ([]string, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// Session is one locked read-modify-write cycle on a single account.
type Session interface {
	// State is a private copy of the locked balance; mutate it freely.
	State() *AccountBalance
	// Tx is the open transaction, for rows that must commit atomically with
	// the balance.
	Tx() *gorm.DB
	// RecordExternalEvent stores the idempotency record for an external
	// credit. It returns false when the id was already recorded.
	RecordExternalEvent(ctx context.Context, externalEventID string) (bool, error)
	// Commit validates state, persists it together with events and releases
	// the lock. Events get ids assigned in place.
	Commit(ctx context.Context, state *AccountBalance, events []Event) error
	Rollback() error
}
