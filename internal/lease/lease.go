// Package lease gives a maintenance run (job, run key) to exactly one
// instance. The job_leases row is the source of truth; an optional Redis
// lock in front keeps losers off the database.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"github.com/smallbiznis/meterledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrLeaseHeld        = errors.New("lease_held")
	ErrAlreadyCompleted = errors.New("lease_completed")
	ErrLeaseLost        = errors.New("lease_lost")
)

const defaultTTL = 30 * time.Minute

type Lease struct {
	Job       string
	RunKey    string
	Owner     string
	Attempt   int
	ExpiresAt time.Time

	lock *ratelimit.Lock
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Locker *ratelimit.Locker `optional:"true"`
	Clock  clock.Clock
	Log    *zap.Logger
	Config config.Config
}

type Manager struct {
	db     *gorm.DB
	locker *ratelimit.Locker
	clock  clock.Clock
	log    *zap.Logger
	ttl    time.Duration
	owner  string
}

func NewManager(p Params) *Manager {
	ttl := p.Config.Scheduler.LeaseTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		db:     p.DB,
		locker: p.Locker,
		clock:  p.Clock,
		log:    p.Log.Named("lease"),
		ttl:    ttl,
		owner:  newOwner(),
	}
}

func newOwner() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	return host + "/" + ulid.Make().String()
}

// Owner identifies this process in job_leases.owner.
func (m *Manager) Owner() string { return m.owner }

// Claim takes the run for this instance. It returns ErrLeaseHeld while
// another owner holds an unexpired lease and ErrAlreadyCompleted once the
// run has finished anywhere.
func (m *Manager) Claim(ctx context.Context, job, runKey string) (*Lease, error) {
	job = strings.TrimSpace(job)
	runKey = strings.TrimSpace(runKey)
	if job == "" || runKey == "" {
		return nil, fmt.Errorf("lease job and run key are required")
	}

	l := &Lease{Job: job, RunKey: runKey, Owner: m.owner}

	if m.locker != nil {
		lock, err := m.locker.Acquire(ctx, "lease:"+job+":"+runKey, m.ttl)
		switch {
		case errors.Is(err, ratelimit.ErrLockBusy):
			m.observe(job, obsmetrics.LeaseOutcomeHeld)
			return nil, ErrLeaseHeld
		case err != nil:
			// The table still decides without Redis.
			m.log.Warn("lease.redis.unavailable", zap.String("job", job), zap.Error(err))
		default:
			l.lock = lock
		}
	}

	claimed, err := m.claimRow(ctx, l)
	if err != nil || !claimed {
		m.releaseLock(ctx, l)
		if err == nil {
			err = m.heldReason(ctx, job, runKey)
		}
		if errors.Is(err, ErrLeaseHeld) || errors.Is(err, ErrAlreadyCompleted) {
			m.observe(job, obsmetrics.LeaseOutcomeHeld)
		}
		return nil, err
	}

	m.observe(job, obsmetrics.LeaseOutcomeClaimed)
	m.log.Info("lease.claimed",
		zap.String("job", job),
		zap.String("run_key", runKey),
		zap.Int("attempt", l.Attempt),
	)
	return l, nil
}

func (m *Manager) claimRow(ctx context.Context, l *Lease) (bool, error) {
	now := m.clock.Now().UTC()
	expires := now.Add(m.ttl)

	row := jobLeaseRow{
		Job:       l.Job,
		RunKey:    l.RunKey,
		Owner:     l.Owner,
		Attempts:  1,
		ClaimedAt: now,
		ExpiresAt: expires,
	}
	res := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		l.Attempt = 1
		l.ExpiresAt = expires
		return true, nil
	}

	res = m.db.WithContext(ctx).Exec(
		`UPDATE job_leases
		 SET owner = ?, claimed_at = ?, expires_at = ?, attempts = attempts + 1
		 WHERE job = ? AND run_key = ? AND completed_at IS NULL AND expires_at <= ?`,
		l.Owner, now, expires, l.Job, l.RunKey, now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	var current jobLeaseRow
	if err := m.db.WithContext(ctx).
		Where("job = ? AND run_key = ?", l.Job, l.RunKey).
		Take(&current).Error; err != nil {
		return false, err
	}
	l.Attempt = current.Attempts
	l.ExpiresAt = expires
	m.log.Info("lease.takeover", zap.String("job", l.Job), zap.String("run_key", l.RunKey))
	return true, nil
}

func (m *Manager) heldReason(ctx context.Context, job, runKey string) error {
	var current jobLeaseRow
	err := m.db.WithContext(ctx).
		Where("job = ? AND run_key = ?", job, runKey).
		Take(&current).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrLeaseHeld
		}
		return err
	}
	if current.CompletedAt != nil {
		return ErrAlreadyCompleted
	}
	return ErrLeaseHeld
}

// Complete marks the run finished. Later claims for the same run key fail
// with ErrAlreadyCompleted.
func (m *Manager) Complete(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	defer m.releaseLock(ctx, l)

	now := m.clock.Now().UTC()
	res := m.db.WithContext(ctx).Exec(
		`UPDATE job_leases SET completed_at = ?
		 WHERE job = ? AND run_key = ? AND owner = ? AND completed_at IS NULL`,
		now, l.Job, l.RunKey, l.Owner,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	m.observe(l.Job, obsmetrics.LeaseOutcomeCompleted)
	return nil
}

// Abandon expires the lease immediately so the next tick can retry the run.
func (m *Manager) Abandon(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	defer m.releaseLock(ctx, l)

	now := m.clock.Now().UTC()
	res := m.db.WithContext(ctx).Exec(
		`UPDATE job_leases SET expires_at = ?
		 WHERE job = ? AND run_key = ? AND owner = ? AND completed_at IS NULL`,
		now, l.Job, l.RunKey, l.Owner,
	)
	if res.Error != nil {
		return res.Error
	}
	m.observe(l.Job, obsmetrics.LeaseOutcomeAbandoned)
	return nil
}

func (m *Manager) releaseLock(ctx context.Context, l *Lease) {
	if l.lock == nil {
		return
	}
	if err := l.lock.Release(context.WithoutCancel(ctx)); err != nil {
		m.log.Warn("lease.redis.release_failed", zap.String("job", l.Job), zap.Error(err))
	}
	l.lock = nil
}

func (m *Manager) observe(job, outcome string) {
	obsmetrics.Scheduler().IncLeaseOutcome(job, outcome)
}
