package metricspush

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPusherHonoursConfig(t *testing.T) {
	log := zap.NewNop()
	assert.Nil(t, NewPusher(config.Config{}, log))

	cfg := config.Config{Metrics: config.MetricsPushConfig{Enabled: true, Exporter: ExporterRemoteWrite}}
	assert.Nil(t, NewPusher(cfg, log), "missing endpoint")

	cfg.Metrics.Endpoint = "http://prom:9090/api/v1/write"
	_, ok := NewPusher(cfg, log).(*RemoteWritePusher)
	assert.True(t, ok)

	cfg.Metrics.Exporter = ExporterPushgateway
	cfg.AppName = "meterledger"
	_, ok = NewPusher(cfg, log).(*PushgatewayPusher)
	assert.True(t, ok)

	cfg.Metrics.Exporter = "statsd"
	assert.Nil(t, NewPusher(cfg, log))
}

func TestRemoteWritePushesCountersAndGauges(t *testing.T) {
	var got prompb.WriteRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := got.Unmarshal(raw); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_runs_total"}, []string{"job"})
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_duration_seconds"})
	registry.MustRegister(counter, hist)
	counter.WithLabelValues("daily_reset").Add(3)
	hist.Observe(1)

	pusher := NewRemoteWritePusher(srv.URL, "token")
	pusher.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	require.NoError(t, pusher.Push(context.Background(), registry))

	assert.Equal(t, "Bearer token", auth)
	require.Len(t, got.Timeseries, 1)
	ts := got.Timeseries[0]
	labels := map[string]string{}
	for _, l := range ts.Labels {
		labels[l.Name] = l.Value
	}
	assert.Equal(t, map[string]string{"__name__": "test_runs_total", "job": "daily_reset"}, labels)
	assert.Equal(t, "__name__", ts.Labels[0].Name)
	require.Len(t, ts.Samples, 1)
	assert.Equal(t, 3.0, ts.Samples[0].Value)
	assert.Equal(t, int64(1_700_000_000_000), ts.Samples[0].Timestamp)
}

func TestRemoteWriteReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	registry.MustRegister(g)
	g.Set(1)

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), registry)
	require.Error(t, err)
}

func TestJobReportRecordsOutcome(t *testing.T) {
	report := NewJobReport()
	finished := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)
	report.Observe("daily_reset", finished, 2*time.Second, nil)
	report.Observe("ghost_sweep", finished, time.Second, errors.New("boom"))

	families, err := report.registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "meterledger_job_last_run_success" {
			continue
		}
		for _, m := range f.GetMetric() {
			values[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, values["daily_reset"])
	assert.Equal(t, 0.0, values["ghost_sweep"])
}

type recordingPusher struct {
	calls int
}

func (r *recordingPusher) Push(ctx context.Context, g prometheus.Gatherer) error {
	r.calls++
	_, err := g.Gather()
	return err
}

func TestJobReportFlush(t *testing.T) {
	report := NewJobReport()
	report.Flush(context.Background(), nil, zap.NewNop())

	p := &recordingPusher{}
	report.Observe("daily_reset", time.Now(), time.Millisecond, nil)
	report.Flush(context.Background(), p, zap.NewNop())
	assert.Equal(t, 1, p.calls)
}
