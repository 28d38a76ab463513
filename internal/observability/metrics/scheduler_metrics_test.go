package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "account_lock_timeout",
			err:  fmt.Errorf("sweep acct_1: %w", balancedomain.ErrLockTimeout),
			want: SchedulerJobReasonAccountLockTimeout,
		},
		{
			name: "integrity_violation",
			err:  &balancedomain.IntegrityError{AccountID: "acct_1", Reason: "totals drift"},
			want: SchedulerJobReasonIntegrityViolation,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSchedulerRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(balancedomain.ErrLockTimeout) {
		t.Fatalf("expected lock timeout to be retryable")
	}
	if IsSchedulerErrorRetryable(balancedomain.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance not to be retryable")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "meterledger",
		Environment: "test",
	})

	metrics.AddBatchProcessed("daily_reset", "accounts", 3)
	metrics.IncLeaseOutcome("daily_reset", LeaseOutcomeHeld)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("daily_reset", "accounts"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if held := testutil.ToFloat64(metrics.leaseOutcomes.WithLabelValues("daily_reset", LeaseOutcomeHeld)); held != 1 {
		t.Fatalf("expected one held lease, got %v", held)
	}
}
