package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/internal/balance/domain"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"github.com/smallbiznis/meterledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLockTimeout = 3 * time.Second
	defaultEventLimit  = 100
	maxEventLimit      = 1000
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Metrics *obsmetrics.LedgerMetrics `optional:"true"`
}

// Store is the gorm-backed balance store. Exclusive access to an account is
// an in-process key lock followed by a row lock inside the transaction.
type Store struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	metrics       *obsmetrics.LedgerMetrics
	locks         *keyLocks
	lockTimeout   time.Duration
	rolloverGrace time.Duration
}

func NewStore(p Params) *Store {
	lockTimeout := p.Config.Ledger.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		db:            p.DB,
		log:           p.Log.Named("balance.store"),
		genID:         p.GenID,
		clock:         clk,
		metrics:       p.Metrics,
		locks:         newKeyLocks(),
		lockTimeout:   lockTimeout,
		rolloverGrace: p.Config.Ledger.RolloverGrace,
	}
}

func (s *Store) EnsureAccount(ctx context.Context, accountID, planKey string) (bool, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return false, domain.ErrInvalidAccount
	}

	now := s.clock.Now()
	row := accountBalanceRow{
		AccountID: accountID,
		PlanKey:   strings.TrimSpace(planKey),
		Buckets:   datatypes.NewJSONType([]domain.Bucket{}),
		AsOf:      now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	created := result.RowsAffected > 0
	if created {
		s.log.Info("balance.account.created", zap.String("account_id", accountID), zap.String("plan_key", row.PlanKey))
	}
	return created, nil
}

func (s *Store) LoadForUpdate(ctx context.Context, accountID string) (domain.Session, error) {
	return s.loadForUpdate(ctx, accountID)
}

func (s *Store) loadForUpdate(ctx context.Context, accountID string) (*session, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccount
	}

	waitStart := time.Now()
	release, err := s.locks.acquire(ctx, accountID, s.lockTimeout)
	if err != nil {
		if errors.Is(err, domain.ErrLockTimeout) {
			s.lockTimedOut(accountID, time.Since(waitStart))
		}
		return nil, err
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		release()
		return nil, tx.Error
	}

	fail := func(err error) (*session, error) {
		tx.Rollback()
		release()
		return nil, err
	}

	if err := s.setLockTimeout(tx); err != nil {
		return fail(err)
	}

	var row accountBalanceRow
	query := tx.Where("account_id = ?", accountID)
	if db.SupportsRowLocks(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := query.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fail(domain.ErrAccountNotFound)
		}
		if db.IsLockTimeoutErr(err) {
			s.lockTimedOut(accountID, time.Since(waitStart))
			return fail(domain.ErrLockTimeout)
		}
		return fail(err)
	}

	if s.metrics != nil {
		s.metrics.ObserveLockWait(time.Since(waitStart))
	}

	loaded := toDomainBalance(row)
	return &session{
		store:   s,
		tx:      tx,
		loaded:  loaded,
		state:   loaded.Clone(),
		release: release,
	}, nil
}

func (s *Store) setLockTimeout(tx *gorm.DB) error {
	ms := s.lockTimeout.Milliseconds()
	switch tx.Dialector.Name() {
	case db.DialectPostgres:
		return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)).Error
	case db.DialectMySQL:
		secs := (ms + 999) / 1000
		return tx.Exec(fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs)).Error
	default:
		return nil
	}
}

func (s *Store) lockTimedOut(accountID string, waited time.Duration) {
	s.log.Warn("balance.lock.timeout",
		zap.String("account_id", accountID),
		zap.Duration("waited", waited),
	)
	if s.metrics != nil {
		s.metrics.IncLockTimeout()
	}
}

func (s *Store) Update(ctx context.Context, accountID string, fn func(domain.Session) error) error {
	sess, err := s.loadForUpdate(ctx, accountID)
	if err != nil {
		return err
	}
	defer sess.Rollback()

	return fn(sess)
}

func (s *Store) Get(ctx context.Context, accountID string) (*domain.AccountBalance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccount
	}

	var row accountBalanceRow
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return toDomainBalance(row), nil
}

func (s *Store) ExternalEventProcessed(ctx context.Context, externalEventID string) (bool, error) {
	externalEventID = strings.TrimSpace(externalEventID)
	if externalEventID == "" {
		return false, domain.ErrInvalidExternalEvent
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&externalEventReceiptRow{}).
		Where("external_event_id = ?", externalEventID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// AccountsDueForSweep pages through accounts whose next sweep is at or
// before now, ordered by account id.
func (s *Store) AccountsDueForSweep(ctx context.Context, now time.Time, afterAccountID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	var ids []string
	err := s.db.WithContext(ctx).
		Model(&accountBalanceRow{}).
		Where("next_sweep_at IS NOT NULL AND next_sweep_at <= ? AND account_id > ?", now.UTC(), afterAccountID).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	accountID := strings.TrimSpace(filter.AccountID)
	if accountID == "" {
		return nil, domain.ErrInvalidAccount
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	query := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		query = query.Where("type IN ?", types)
	}
	if filter.Since != nil {
		query = query.Where("occurred_at >= ?", filter.Since.UTC())
	}
	if filter.Until != nil {
		query = query.Where("occurred_at < ?", filter.Until.UTC())
	}
	if filter.BeforeID != 0 {
		query = query.Where("id < ?", int64(filter.BeforeID))
	}

	var rows []balanceEventRow
	if err := query.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainEvent(row))
	}
	return out, nil
}

var _ domain.Store = (*Store)(nil)
