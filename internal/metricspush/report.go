package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// JobReport records the outcome of one job run and pushes it together with
// the process-wide metrics.
type JobReport struct {
	registry *prometheus.Registry
	lastRun  *prometheus.GaugeVec
	duration *prometheus.GaugeVec
	success  *prometheus.GaugeVec
}

func NewJobReport() *JobReport {
	r := &JobReport{
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterledger_job_last_run_timestamp_seconds",
			Help: "Unix time the job last finished.",
		}, []string{"job"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterledger_job_last_run_duration_seconds",
			Help: "Wall time of the last job run.",
		}, []string{"job"}),
		success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meterledger_job_last_run_success",
			Help: "1 when the last run succeeded, 0 otherwise.",
		}, []string{"job"}),
	}
	r.registry.MustRegister(r.lastRun, r.duration, r.success)
	return r
}

func (r *JobReport) Observe(job string, finishedAt time.Time, took time.Duration, err error) {
	r.lastRun.WithLabelValues(job).Set(float64(finishedAt.Unix()))
	r.duration.WithLabelValues(job).Set(took.Seconds())
	ok := 1.0
	if err != nil {
		ok = 0
	}
	r.success.WithLabelValues(job).Set(ok)
}

func (r *JobReport) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{prometheus.DefaultGatherer, r.registry}
}

// Flush pushes the report when a pusher is configured. Failures are logged.
func (r *JobReport) Flush(ctx context.Context, pusher Pusher, log *zap.Logger) {
	if pusher == nil {
		return
	}
	if err := pusher.Push(ctx, r.Gatherer()); err != nil && log != nil {
		log.Warn("metrics.push.failed", zap.Error(err))
	}
}
