package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"sharepilot/internal/job"
	"sharepilot/internal/notifier"
	logx "sharepilot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		next time.Time
	}{
		{"*/5 * * * *", from.Add(5 * time.Minute)},
		{"@hourly", from.Add(time.Hour)},
		{"@every 10m", from.Add(10 * time.Minute)},
		{"10m", from.Add(10 * time.Minute)},
		{"every:01:30", from.Add(90 * time.Minute)},
		{"cron:0 12 * * *", from.Add(2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, err := ParseSchedule(tt.in)
			if err != nil {
				t.Fatalf("ParseSchedule: %v", err)
			}
			if got := s.Next(from); !got.Equal(tt.next) {
				t.Fatalf("Next = %v, want %v", got, tt.next)
			}
		})
	}
	for _, bad := range []string{"", "soon", "0s", "00:75", "cron:"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Errorf("ParseSchedule(%q) should fail", bad)
		}
	}
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (c *captureNotifier) Notify(_ context.Context, a notifier.Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return nil
}

func TestSweepReportsWithoutRequeue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	store := job.NewStore(job.WithClock(func() time.Time { return clock }))
	stuck := store.Create("u", job.Payload{ListingIDs: []string{"a"}}, nil, "corr")
	store.Next()
	clock = now.Add(14 * time.Minute)
	fresh := store.Create("u", job.Payload{ListingIDs: []string{"b"}}, nil, "")
	store.Next()

	n := &captureNotifier{}
	s := New(store, Config{Threshold: 15 * time.Minute}, n, logx.Nop())
	s.now = func() time.Time { return now.Add(20 * time.Minute) }

	rep := s.Sweep(context.Background())
	if len(rep.Jobs) != 1 || rep.Jobs[0].ID != stuck.ID {
		t.Fatalf("report = %+v", rep.Jobs)
	}
	if len(n.alerts) != 1 {
		t.Fatalf("alerts = %d", len(n.alerts))
	}
	for _, id := range []string{stuck.ID, fresh.ID} {
		if j, _ := store.Get(id); j.Status != job.StatusProcessing {
			t.Fatalf("job %s status = %s, sweep must not change it", id, j.Status)
		}
	}
	if last, runs := s.Last(); runs != 1 || len(last.Jobs) != 1 {
		t.Fatalf("Last = %+v runs=%d", last, runs)
	}
}

func TestRunSweepsOnSchedule(t *testing.T) {
	t.Parallel()
	sched, err := ParseSchedule("1s")
	if err != nil {
		t.Fatal(err)
	}
	s := New(job.NewStore(), Config{Threshold: time.Minute, Schedule: sched}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, runs := s.Last(); runs > 0 {
			cancel()
			<-done
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("scheduled sweep never ran")
}
