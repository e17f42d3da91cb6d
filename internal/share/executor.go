// Package share drives a browser session through authentication and the
// per-listing share loop for one job.
package share

import (
	"context"
	"math/rand"
	"time"

	"sharepilot/internal/job"
	logx "sharepilot/pkg/logx"
)

// Surface is what the session sees after landing on the authenticated feed.
type Surface struct {
	Challenge bool
	LoggedOut bool
	URL       string
}

// Session is one isolated browser context. It is never shared between jobs.
type Session interface {
	Landing(ctx context.Context) (Surface, error)
	ReplaceCookies(ctx context.Context, cookies []job.Cookie) error
	Reload(ctx context.Context) (Surface, error)
	// Share performs the audience-specific share action on one listing and
	// waits for confirmation.
	Share(ctx context.Context, listingID string, audience job.Audience) error
	Close() error
}

// Browser opens sessions seeded with a job's credentials.
type Browser interface {
	Open(ctx context.Context, cookies []job.Cookie) (Session, error)
}

// Refresher exchanges a job id for fresh credentials.
type Refresher interface {
	Refresh(ctx context.Context, endpoint, jobID string) ([]job.Cookie, error)
}

// Recorder appends a history entry for the running job.
type Recorder func(kind job.EventKind, msg string, data map[string]any)

type Config struct {
	NavigateTimeout time.Duration // landing and reload
	ShareTimeout    time.Duration // one listing, including confirmation
	RefreshTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.ShareTimeout <= 0 {
		c.ShareTimeout = 30 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 15 * time.Second
	}
	return c
}

type Executor struct {
	cfg       Config
	browser   Browser
	refresher Refresher
	log       logx.Logger

	intN  func(n int) int
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg Config, browser Browser, refresher Refresher, log logx.Logger) *Executor {
	return &Executor{
		cfg:       cfg.withDefaults(),
		browser:   browser,
		refresher: refresher,
		log:       log.With(logx.String("comp", "share")),
		intN:      rand.Intn,
		sleep:     sleepCtx,
	}
}

// Execute runs the protocol once: authenticate, then share each listing in
// order with pacing between listings. Per-listing failures are folded into
// the result; any returned error fails the job. The session is closed on
// every path.
func (e *Executor) Execute(ctx context.Context, j *job.Job, rec Recorder) (res job.Result, err error) {
	if rec == nil {
		rec = func(job.EventKind, string, map[string]any) {}
	}
	log := e.log.Ctx(ctx).With(logx.String("job_id", j.ID), logx.String("owner", j.Owner))

	sess, err := e.browser.Open(ctx, j.Payload.SessionCookies)
	if err != nil {
		return res, fail(CodeExecution, "open session", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("session close failed", logx.Err(cerr))
		}
	}()

	if err := e.authenticate(ctx, sess, j, rec, log); err != nil {
		return res, err
	}

	p := j.Payload
	res.Total = len(p.ListingIDs)
	for i, id := range p.ListingIDs {
		if i > 0 {
			d := Delay(p.Rate, e.intN)
			if err := e.sleep(ctx, d); err != nil {
				return res, fail(CodeExecution, "interrupted while pacing", err)
			}
		}

		rec(job.EventShareStarted, "sharing listing", map[string]any{"listingId": id})
		sctx, cancel := context.WithTimeout(ctx, e.cfg.ShareTimeout)
		serr := sess.Share(sctx, id, p.Audience)
		cancel()
		if serr != nil {
			res.Failed++
			res.Failures = append(res.Failures, job.ListingFailure{ListingID: id, Error: serr.Error()})
			rec(job.EventShareFailed, serr.Error(), map[string]any{"listingId": id})
			log.Warn("share failed", logx.String("listing_id", id), logx.Err(serr))
			continue
		}
		res.Succeeded++
		rec(job.EventShareSucceeded, "listing shared", map[string]any{"listingId": id})
	}
	log.Info("share loop finished", logx.Int("total", res.Total), logx.Int("succeeded", res.Succeeded), logx.Int("failed", res.Failed))
	return res, nil
}

func (e *Executor) authenticate(ctx context.Context, sess Session, j *job.Job, rec Recorder, log logx.Logger) error {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.NavigateTimeout)
	surf, err := sess.Landing(lctx)
	cancel()
	if err != nil {
		return fail(CodeExecution, "load landing surface", err)
	}
	if surf.Challenge {
		rec(job.EventChallengeDetected, ErrChallenge.Error(), map[string]any{"url": surf.URL})
		log.Warn("challenge detected", logx.String("url", surf.URL))
		return fail(CodeChallengeDetected, "", ErrChallenge)
	}
	if !surf.LoggedOut {
		return nil
	}

	rec(job.EventAuthRefresh, "session appears stale; attempting refresh", nil)
	endpoint := j.Payload.AuthRefreshURL
	if endpoint == "" || e.refresher == nil {
		return fail(CodeAuthRefreshUnavailable, "", ErrNoRefreshURL)
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RefreshTimeout)
	cookies, err := e.refresher.Refresh(rctx, endpoint, j.ID)
	cancel()
	if err != nil {
		if CodeOf(err) == CodeAuthRefreshFailed {
			return err
		}
		return fail(CodeAuthRefreshFailed, "", err)
	}
	if len(cookies) == 0 {
		return fail(CodeAuthRefreshFailed, "", ErrRefreshNoCookies)
	}
	if err := sess.ReplaceCookies(ctx, cookies); err != nil {
		return fail(CodeAuthRefreshFailed, "replace cookies", err)
	}

	nctx, cancel := context.WithTimeout(ctx, e.cfg.NavigateTimeout)
	surf, err = sess.Reload(nctx)
	cancel()
	if err != nil {
		return fail(CodeExecution, "reload after refresh", err)
	}
	if surf.Challenge {
		rec(job.EventChallengeDetected, ErrChallenge.Error(), map[string]any{"url": surf.URL})
		return fail(CodeChallengeDetected, "after refresh", ErrChallenge)
	}
	if surf.LoggedOut {
		return fail(CodeAuthRefreshUnsuccessful, "", ErrStillLoggedOut)
	}
	rec(job.EventAuthRefresh, "session cookies refreshed", map[string]any{"refreshedCookies": len(cookies)})
	log.Info("session refreshed", logx.Int("cookies", len(cookies)))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
