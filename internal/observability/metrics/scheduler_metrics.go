package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeLedger           = "ledger"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded       = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout          = "db_lock_timeout"
	SchedulerJobReasonAccountLockTimeout     = "account_lock_timeout"
	SchedulerJobReasonConcurrentModification = "concurrent_modification"
	SchedulerJobReasonIntegrityViolation     = "integrity_violation"
	SchedulerJobReasonSerializationFailure   = "serialization_failure"
	SchedulerJobReasonUniqueViolation        = "unique_violation"
	SchedulerJobReasonUnknown                = "unknown"

	SchedulerBatchDeferredReasonLeaseHeld = "lease_held"
	SchedulerBatchDeferredReasonEmpty     = "empty"
)

const (
	LeaseOutcomeClaimed   = "claimed"
	LeaseOutcomeHeld      = "held"
	LeaseOutcomeCompleted = "completed"
	LeaseOutcomeAbandoned = "abandoned"
)

// SchedulerMetrics captures maintenance job health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	leaseOutcomes  *prometheus.CounterVec
	runLoopLag     prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "meterledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterledger_scheduler_job_runs_total",
		Help:        "Maintenance job runs by name.",
		ConstLabels: labels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "meterledger_scheduler_job_duration_seconds",
		Help:        "Maintenance job latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: labels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterledger_scheduler_job_timeouts_total",
		Help:        "Maintenance jobs cut short by their timeout.",
		ConstLabels: labels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterledger_scheduler_job_errors_total",
		Help:        "Maintenance job errors by low-cardinality reason.",
		ConstLabels: labels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterledger_scheduler_batch_processed_total",
		Help:        "Items processed by maintenance jobs.",
		ConstLabels: labels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterledger_scheduler_batch_deferred_total",
		Help:        "Maintenance runs skipped, by reason.",
		ConstLabels: labels,
	}, []string{"job", "reason"})
	leaseOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "meterledger_scheduler_lease_outcomes_total",
		Help:        "Job lease claims by outcome.",
		ConstLabels: labels,
	}, []string{"job", "outcome"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "meterledger_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: labels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		leaseOutcomes,
		runLoopLag,
	)

	return &SchedulerMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobTimeouts:    jobTimeouts,
		jobErrors:      jobErrors,
		batchProcessed: batchProcessed,
		batchDeferred:  batchDeferred,
		leaseOutcomes:  leaseOutcomes,
		runLoopLag:     runLoopLag,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a job and reason.
func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

func (m *SchedulerMetrics) IncLeaseOutcome(job, outcome string) {
	if m == nil {
		return
	}
	m.leaseOutcomes.WithLabelValues(job, outcome).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return SchedulerErrorTypeDeadlineExceeded
	case isLedgerError(err):
		return SchedulerErrorTypeLedger
	case isDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable reports whether the scheduler error should be retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if balancedomain.IsRetryable(err) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, balancedomain.ErrLockTimeout):
		return SchedulerJobReasonAccountLockTimeout
	case errors.Is(err, balancedomain.ErrConcurrentModification):
		return SchedulerJobReasonConcurrentModification
	case errors.Is(err, balancedomain.ErrIntegrityViolation):
		return SchedulerJobReasonIntegrityViolation
	case hasPGCode(err, "55P03"):
		return SchedulerJobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return SchedulerJobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return SchedulerJobReasonUniqueViolation
	default:
		return SchedulerJobReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isLedgerError(err error) bool {
	return errors.Is(err, balancedomain.ErrLockTimeout) ||
		errors.Is(err, balancedomain.ErrConcurrentModification) ||
		errors.Is(err, balancedomain.ErrIntegrityViolation)
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
