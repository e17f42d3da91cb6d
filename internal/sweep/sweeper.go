// Package sweep reports jobs stuck in processing on a schedule. It never
// requeues them; operators decide via the admin surface.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sharepilot/internal/job"
	"sharepilot/internal/notifier"
	logx "sharepilot/pkg/logx"
)

type Config struct {
	Threshold time.Duration
	Schedule  cron.Schedule // nil disables Run
	Location  *time.Location
}

type Report struct {
	At        time.Time  `json:"at"`
	Threshold string     `json:"threshold"`
	Jobs      []*job.Job `json:"jobs"`
}

type Sweeper struct {
	store  *job.Store
	notify notifier.Notifier
	log    logx.Logger
	cfg    Config
	now    func() time.Time

	mu   sync.Mutex
	last Report
	runs int
}

// New builds a sweeper. notify may be nil.
func New(store *job.Store, cfg Config, notify notifier.Notifier, log logx.Logger) *Sweeper {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Sweeper{
		store:  store,
		notify: notify,
		log:    log.With(logx.String("comp", "sweep")),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Sweep runs one stuck query, logs each stuck job and sends an alert.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	now := s.now()
	stuck := s.store.FindStuck(s.cfg.Threshold, now)
	rep := Report{At: now, Threshold: s.cfg.Threshold.String(), Jobs: stuck}

	for _, j := range stuck {
		var age time.Duration
		if j.StartedAt != nil {
			age = now.Sub(*j.StartedAt)
		}
		s.log.Warn("job stuck in processing",
			logx.String("job_id", j.ID), logx.String("owner", j.Owner),
			logx.String(logx.CorrelationField, j.CorrelationID), logx.Duration("age", age))
	}
	if len(stuck) > 0 && s.notify != nil {
		if a, ok := notifier.StuckAlert(stuck, s.cfg.Threshold, now); ok {
			if err := s.notify.Notify(ctx, a); err != nil {
				s.log.Debug("stuck alert not queued", logx.Err(err))
			}
		}
	}

	s.mu.Lock()
	s.last = rep
	s.runs++
	s.mu.Unlock()
	return rep
}

// Last returns the most recent report and how many sweeps have run.
func (s *Sweeper) Last() (Report, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}

// Run sweeps on the configured schedule until ctx is done. Overlapping
// runs are skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Schedule == nil {
		<-ctx.Done()
		return nil
	}
	cl := cronLogger{s.log}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(s.cfg.Schedule, cron.FuncJob(func() { s.Sweep(ctx) }))
	c.Start()
	s.log.Info("stuck sweep scheduled", logx.Duration("threshold", s.cfg.Threshold),
		logx.Time("next", s.cfg.Schedule.Next(s.now().In(s.cfg.Location))))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
