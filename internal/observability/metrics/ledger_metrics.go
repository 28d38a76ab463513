package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DebitOutcomeOK           = "ok"
	DebitOutcomeInsufficient = "insufficient"
	DebitOutcomeLockTimeout  = "lock_timeout"
	DebitOutcomeError        = "error"

	CreditOutcomeApplied   = "applied"
	CreditOutcomeDuplicate = "duplicate"

	BonusOutcomeGranted = "granted"
	BonusOutcomeCapped  = "capped"
	BonusOutcomeAlready = "already_granted"
)

// LedgerMetrics are the operational counters scraped from /metrics.
type LedgerMetrics struct {
	debits              *prometheus.CounterVec
	debitedSeconds      *prometheus.CounterVec
	credits             *prometheus.CounterVec
	creditedSeconds     *prometheus.CounterVec
	bonusGrants         *prometheus.CounterVec
	rolloverSeconds     *prometheus.CounterVec
	ghostRefunds        prometheus.Counter
	ghostRefundSeconds  prometheus.Counter
	integrityViolations prometheus.Counter
	lockWait            prometheus.Histogram
	lockTimeouts        prometheus.Counter
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = NewLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the ledger metrics singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func NewLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &LedgerMetrics{
		debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_ledger_debits_total",
			Help:        "Debit attempts by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		debitedSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_ledger_debited_seconds_total",
			Help:        "Seconds consumed, by funding source.",
			ConstLabels: labels,
		}, []string{"source"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_ledger_credits_total",
			Help:        "External credit deliveries by grant type and outcome.",
			ConstLabels: labels,
		}, []string{"grant_type", "outcome"}),
		creditedSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_ledger_credited_seconds_total",
			Help:        "Seconds credited, by funding source.",
			ConstLabels: labels,
		}, []string{"source"}),
		bonusGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_ledger_bonus_grants_total",
			Help:        "Daily bonus grant attempts by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		rolloverSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterledger_ledger_rollover_seconds_total",
			Help:        "Unused subscription seconds carried or discarded at renewal.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ghostRefunds: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meterledger_ledger_ghost_refunds_total",
			Help:        "Reservations refunded after never completing.",
			ConstLabels: labels,
		}),
		ghostRefundSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meterledger_ledger_ghost_refund_seconds_total",
			Help:        "Seconds returned by the ghost operation sweep.",
			ConstLabels: labels,
		}),
		integrityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meterledger_ledger_integrity_violations_total",
			Help:        "Commits rejected by the balance integrity check.",
			ConstLabels: labels,
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "meterledger_ledger_lock_wait_seconds",
			Help:        "Time spent waiting for the per-account lock.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
			ConstLabels: labels,
		}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meterledger_ledger_lock_timeouts_total",
			Help:        "Account lock acquisitions that gave up.",
			ConstLabels: labels,
		}),
	}

	registerer.MustRegister(
		m.debits,
		m.debitedSeconds,
		m.credits,
		m.creditedSeconds,
		m.bonusGrants,
		m.rolloverSeconds,
		m.ghostRefunds,
		m.ghostRefundSeconds,
		m.integrityViolations,
		m.lockWait,
		m.lockTimeouts,
	)
	return m
}

func (m *LedgerMetrics) IncDebit(outcome string) {
	if m == nil {
		return
	}
	m.debits.WithLabelValues(outcome).Inc()
}

func (m *LedgerMetrics) AddDebitedSeconds(source string, seconds int64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.debitedSeconds.WithLabelValues(source).Add(float64(seconds))
}

func (m *LedgerMetrics) IncCredit(grantType, outcome string) {
	if m == nil {
		return
	}
	m.credits.WithLabelValues(grantType, outcome).Inc()
}

func (m *LedgerMetrics) AddCreditedSeconds(source string, seconds int64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.creditedSeconds.WithLabelValues(source).Add(float64(seconds))
}

func (m *LedgerMetrics) IncBonusGrant(outcome string) {
	if m == nil {
		return
	}
	m.bonusGrants.WithLabelValues(outcome).Inc()
}

func (m *LedgerMetrics) AddRollover(carried, discarded int64) {
	if m == nil {
		return
	}
	if carried > 0 {
		m.rolloverSeconds.WithLabelValues("carried").Add(float64(carried))
	}
	if discarded > 0 {
		m.rolloverSeconds.WithLabelValues("discarded").Add(float64(discarded))
	}
}

func (m *LedgerMetrics) AddGhostRefund(seconds int64) {
	if m == nil {
		return
	}
	m.ghostRefunds.Inc()
	if seconds > 0 {
		m.ghostRefundSeconds.Add(float64(seconds))
	}
}

func (m *LedgerMetrics) IncIntegrityViolation() {
	if m == nil {
		return
	}
	m.integrityViolations.Inc()
}

func (m *LedgerMetrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *LedgerMetrics) IncLockTimeout() {
	if m == nil {
		return
	}
	m.lockTimeouts.Inc()
}
