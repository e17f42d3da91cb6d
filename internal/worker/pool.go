// Package worker drains the admission queue with a bounded number of
// concurrent executions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sharepilot/internal/job"
	"sharepilot/internal/ratelimit"
	"sharepilot/internal/share"
	logx "sharepilot/pkg/logx"
)

var ErrDraining = errors.New("worker pool draining")

type Config struct {
	Concurrency  int           // default 2
	PollInterval time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Executor runs one dispatched job.
type Executor interface {
	Execute(ctx context.Context, j *job.Job, rec share.Recorder) (job.Result, error)
}

// Metrics receives job outcomes decided by the pool.
type Metrics interface {
	JobSucceeded(j *job.Job, d time.Duration)
	JobFailed(j *job.Job, reason string)
}

type nopMetrics struct{}

func (nopMetrics) JobSucceeded(*job.Job, time.Duration) {}
func (nopMetrics) JobFailed(*job.Job, string)           {}

// Pool starts up to Concurrency executions whenever the store signals new
// work, an execution finishes, or the poll ticker fires.
type Pool struct {
	store    *job.Store
	dispatch *ratelimit.Set
	exec     Executor
	metrics  Metrics
	log      logx.Logger
	now      func() time.Time

	limit    atomic.Int32
	interval atomic.Int64

	mu     sync.Mutex
	active int

	kick chan struct{}
	wg   sync.WaitGroup

	// Executions run under base, not the dispatch loop context, so a
	// shutdown can drain them before aborting.
	base  context.Context
	abort context.CancelFunc
}

type Option func(*Pool)

func WithMetrics(m Metrics) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func New(cfg Config, store *job.Store, dispatch *ratelimit.Set, exec Executor, log logx.Logger, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	base, abort := context.WithCancel(context.Background())
	p := &Pool{
		store:    store,
		dispatch: dispatch,
		exec:     exec,
		metrics:  nopMetrics{},
		log:      log.With(logx.String("comp", "worker")),
		now:      time.Now,
		kick:     make(chan struct{}, 1),
		base:     base,
		abort:    abort,
	}
	p.limit.Store(int32(cfg.Concurrency))
	p.interval.Store(int64(cfg.PollInterval))
	for _, o := range opts {
		o(p)
	}
	return p
}

// Apply updates concurrency and poll interval at runtime.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.limit.Store(int32(cfg.Concurrency))
	p.interval.Store(int64(cfg.PollInterval))
	p.wakeup()
}

// Active returns the number of executions in flight.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) Concurrency() int { return int(p.limit.Load()) }

// Run is the dispatch loop. It returns when ctx is done; in-flight
// executions keep running until Drain or Abort.
func (p *Pool) Run(ctx context.Context) error {
	interval := time.Duration(p.interval.Load())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info("worker pool started", logx.Int("concurrency", p.Concurrency()), logx.Duration("poll_interval", interval))
	p.fill()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.store.Wake():
		case <-p.kick:
		case <-ticker.C:
			if cur := time.Duration(p.interval.Load()); cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
		p.fill()
	}
}

// Drain waits for in-flight executions to finish or ctx to end.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d still running: %w", ErrDraining, p.Active(), ctx.Err())
	}
}

// Abort cancels every in-flight execution.
func (p *Pool) Abort() { p.abort() }

func (p *Pool) wakeup() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// fill starts executions until the ceiling is reached or the queue is empty.
func (p *Pool) fill() {
	for {
		if p.base.Err() != nil {
			return
		}
		p.mu.Lock()
		if p.active >= int(p.limit.Load()) {
			p.mu.Unlock()
			return
		}
		j, ok := p.store.Next()
		if !ok {
			p.mu.Unlock()
			return
		}
		if !p.admit(j) {
			p.mu.Unlock()
			continue
		}
		p.active++
		p.wg.Add(1)
		p.mu.Unlock()

		go p.handle(j)
	}
}

// admit applies the dispatch-scope limit. A denied job is parked as rate_limited.
func (p *Pool) admit(j *job.Job) bool {
	if p.dispatch == nil {
		return true
	}
	now := p.now()
	d := p.dispatch.TryConsume(j.Owner, 1, now)
	if d.Allowed {
		return true
	}
	den := d.Denial()
	if _, ok := p.store.MarkRateLimited(j.ID, j.Attempts, job.RateLimitDetail{Denial: den, At: now}); ok {
		p.metrics.JobFailed(j, fmt.Sprintf("worker_%s_limit", den.Scope))
	}
	p.log.Ctx(jobContext(context.Background(), j)).Warn("job skipped by dispatch rate limit",
		logx.String("job_id", j.ID), logx.String("owner", j.Owner),
		logx.String("scope", string(den.Scope)), logx.Int("limit", den.Limit), logx.Int64("reset_in_ms", den.ResetInMs))
	return false
}

func (p *Pool) handle(j *job.Job) {
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.wg.Done()
		p.wakeup()
	}()

	ctx := jobContext(p.base, j)
	log := p.log.Ctx(ctx).With(logx.String("job_id", j.ID), logx.String("owner", j.Owner))
	start := p.now()

	p.store.Append(j.ID, job.Event{Kind: job.EventStarted, Data: map[string]any{"attempt": j.Attempts}})
	log.Info("starting share job", logx.Int("listings", len(j.Payload.ListingIDs)), logx.Int("attempt", j.Attempts))

	res, err := p.run(ctx, j, log)
	if err != nil {
		code := share.CodeOf(err)
		if _, ok := p.store.MarkFailed(j.ID, j.Attempts, job.Failure{Code: code, Message: share.MessageOf(err)}); !ok {
			log.Warn("share job outcome discarded; job was requeued while running",
				logx.Int("attempt", j.Attempts), logx.String("code", code), logx.Err(err))
			return
		}
		p.metrics.JobFailed(j, code)
		log.Error("share job failed", logx.String("code", code), logx.Err(err))
		return
	}
	dur := p.now().Sub(start)
	if _, ok := p.store.MarkComplete(j.ID, j.Attempts, res); !ok {
		log.Warn("share job outcome discarded; job was requeued while running", logx.Int("attempt", j.Attempts))
		return
	}
	p.metrics.JobSucceeded(j, dur)
	log.Info("share job completed", logx.Duration("duration", dur), logx.Int("succeeded", res.Succeeded), logx.Int("failed", res.Failed))
}

// run calls the executor and converts a panic into an execution error.
func (p *Pool) run(ctx context.Context, j *job.Job, log logx.Logger) (res job.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("share job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = &share.Error{Code: share.CodeExecution, Msg: fmt.Sprintf("panic: %v", r)}
		}
	}()
	rec := func(kind job.EventKind, msg string, data map[string]any) {
		p.store.Append(j.ID, job.Event{Kind: kind, Message: msg, Data: data})
	}
	return p.exec.Execute(ctx, j, rec)
}

func jobContext(parent context.Context, j *job.Job) context.Context {
	id := j.CorrelationID
	if id == "" {
		id = j.ID
	}
	return logx.WithCorrelationID(parent, id)
}
