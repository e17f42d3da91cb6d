// Package observability records job lifecycle metrics through OpenTelemetry
// and keeps an in-process tally for the admin surface.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"sharepilot/internal/job"
)

const MeterName = "sharepilot"

// Metrics implements job.Observer and worker.Metrics.
type Metrics struct {
	queued   metric.Int64UpDownCounter
	inflight metric.Int64UpDownCounter
	success  metric.Int64Counter
	failure  metric.Int64Counter
	duration metric.Float64Histogram

	mu    sync.Mutex
	tally Snapshot
}

// Snapshot is the in-process view, keyed by job type.
type Snapshot struct {
	Queued     map[string]int64            `json:"queued"`
	Processing map[string]int64            `json:"processing"`
	Succeeded  map[string]int64            `json:"succeeded"`
	Failed     map[string]map[string]int64 `json:"failed"`
}

func newSnapshot() Snapshot {
	return Snapshot{
		Queued:     map[string]int64{},
		Processing: map[string]int64{},
		Succeeded:  map[string]int64{},
		Failed:     map[string]map[string]int64{},
	}
}

// NewMetrics registers instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)
	m := &Metrics{tally: newSnapshot()}

	var err error
	m.queued, err = meter.Int64UpDownCounter("share.jobs.queued",
		metric.WithDescription("Current number of queued share jobs"),
		metric.WithUnit("{job}"))
	if err != nil {
		m.queued, _ = meter.Int64UpDownCounter("share.jobs.queued")
	}
	m.inflight, err = meter.Int64UpDownCounter("share.jobs.processing",
		metric.WithDescription("Current number of share jobs being processed"),
		metric.WithUnit("{job}"))
	if err != nil {
		m.inflight, _ = meter.Int64UpDownCounter("share.jobs.processing")
	}
	m.success, err = meter.Int64Counter("share.jobs.success",
		metric.WithDescription("Share jobs processed successfully"),
		metric.WithUnit("{job}"))
	if err != nil {
		m.success, _ = meter.Int64Counter("share.jobs.success")
	}
	m.failure, err = meter.Int64Counter("share.jobs.failure",
		metric.WithDescription("Share jobs that failed or were rate limited at dispatch"),
		metric.WithUnit("{job}"))
	if err != nil {
		m.failure, _ = meter.Int64Counter("share.jobs.failure")
	}
	m.duration, err = meter.Float64Histogram("share.job.duration",
		metric.WithDescription("Duration of share job execution"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60))
	if err != nil {
		m.duration, _ = meter.Float64Histogram("share.job.duration")
	}
	return m
}

// NewNoopMetrics keeps the in-process tally but exports nothing.
func NewNoopMetrics() *Metrics { return NewMetrics(noop.NewMeterProvider()) }

func jobTypeAttr(j *job.Job) attribute.KeyValue { return attribute.String("job_type", j.Type()) }

// Transition adjusts the queued and processing gauges.
func (m *Metrics) Transition(j *job.Job, from, to job.Status) {
	ctx := context.Background()
	attrs := metric.WithAttributes(jobTypeAttr(j))
	jt := j.Type()

	m.mu.Lock()
	defer m.mu.Unlock()
	switch from {
	case job.StatusQueued:
		m.queued.Add(ctx, -1, attrs)
		m.tally.Queued[jt]--
	case job.StatusProcessing:
		m.inflight.Add(ctx, -1, attrs)
		m.tally.Processing[jt]--
	}
	switch to {
	case job.StatusQueued:
		m.queued.Add(ctx, 1, attrs)
		m.tally.Queued[jt]++
	case job.StatusProcessing:
		m.inflight.Add(ctx, 1, attrs)
		m.tally.Processing[jt]++
	}
}

func (m *Metrics) JobSucceeded(j *job.Job, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(jobTypeAttr(j))
	m.success.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)

	m.mu.Lock()
	m.tally.Succeeded[j.Type()]++
	m.mu.Unlock()
}

func (m *Metrics) JobFailed(j *job.Job, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.failure.Add(context.Background(), 1, metric.WithAttributes(jobTypeAttr(j), attribute.String("failure_reason", reason)))

	m.mu.Lock()
	byReason := m.tally.Failed[j.Type()]
	if byReason == nil {
		byReason = map[string]int64{}
		m.tally.Failed[j.Type()] = byReason
	}
	byReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := newSnapshot()
	for k, v := range m.tally.Queued {
		out.Queued[k] = v
	}
	for k, v := range m.tally.Processing {
		out.Processing[k] = v
	}
	for k, v := range m.tally.Succeeded {
		out.Succeeded[k] = v
	}
	for jt, reasons := range m.tally.Failed {
		cp := make(map[string]int64, len(reasons))
		for r, v := range reasons {
			cp[r] = v
		}
		out.Failed[jt] = cp
	}
	return out
}
