package observability

import (
	"testing"
	"time"

	"sharepilot/internal/job"
)

func TestMetricsFollowStoreTransitions(t *testing.T) {
	t.Parallel()
	m := NewNoopMetrics()
	s := job.NewStore(job.WithObserver(m))
	p := job.Payload{ListingIDs: []string{"a"}, Audience: job.AudienceParty, Rate: job.Rate{MinMs: 1, MaxMs: 1}}

	a := s.Create("u", p, nil, "")
	s.Create("u", p, map[string]any{"jobType": "relist"}, "")
	s.Next()

	snap := m.Snapshot()
	if snap.Queued["share"] != 0 || snap.Processing["share"] != 1 || snap.Queued["relist"] != 1 {
		t.Fatalf("gauges after dequeue: %+v", snap)
	}

	done, _ := s.MarkComplete(a.ID, 1, job.Result{})
	m.JobSucceeded(done, time.Second)
	// Requeue from a terminal state only touches the queued gauge.
	s.Requeue(a.ID)

	snap = m.Snapshot()
	if snap.Processing["share"] != 0 || snap.Queued["share"] != 1 || snap.Succeeded["share"] != 1 {
		t.Fatalf("gauges after settle+requeue: %+v", snap)
	}
}

func TestMetricsFailureReasons(t *testing.T) {
	t.Parallel()
	m := NewNoopMetrics()
	j := &job.Job{}
	m.JobFailed(j, "worker_hour_limit")
	m.JobFailed(j, "worker_hour_limit")
	m.JobFailed(j, "")

	got := m.Snapshot().Failed["share"]
	if got["worker_hour_limit"] != 2 || got["unknown"] != 1 {
		t.Fatalf("failed tally = %+v", got)
	}
}
