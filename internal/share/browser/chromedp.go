// Package browser implements share.Browser on top of headless Chrome via chromedp.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"sharepilot/internal/job"
	"sharepilot/internal/share"
	logx "sharepilot/pkg/logx"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

type Config struct {
	BaseURL     string // https://poshmark.com
	FeedPath    string // /feed
	ListingPath string // /listing/%s
	UserAgent   string
	Headless    bool
	ExecPath    string
	NoSandbox   bool // required when Chrome runs as root

	ChallengeMarkers []string
	LoginMarker      string
	ShareButton      string
	FollowersButton  string
	PartyButton      string
	ConfirmText      string

	ShareButtonTimeout time.Duration
	ConfirmTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://poshmark.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.FeedPath == "" {
		c.FeedPath = "/feed"
	}
	if c.ListingPath == "" {
		c.ListingPath = "/listing/%s"
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if len(c.ChallengeMarkers) == 0 {
		c.ChallengeMarkers = []string{"CAPTCHA", "verification code"}
	}
	if c.LoginMarker == "" {
		c.LoginMarker = "Log in"
	}
	if c.ShareButton == "" {
		c.ShareButton = "Share"
	}
	if c.FollowersButton == "" {
		c.FollowersButton = "To Followers"
	}
	if c.PartyButton == "" {
		c.PartyButton = "To Party"
	}
	if c.ConfirmText == "" {
		c.ConfirmText = "Shared!"
	}
	if c.ShareButtonTimeout <= 0 {
		c.ShareButtonTimeout = 10 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 15 * time.Second
	}
	return c
}

// Chrome owns the exec allocator. Every Open starts a separate browser
// instance so jobs never share cookies.
type Chrome struct {
	cfg    Config
	log    logx.Logger
	alloc  context.Context
	cancel context.CancelFunc
}

func NewChrome(parent context.Context, cfg Config, log logx.Logger) *Chrome {
	cfg = cfg.withDefaults()
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.Flag("headless", cfg.Headless),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	alloc, cancel := chromedp.NewExecAllocator(parent, opts...)
	return &Chrome{cfg: cfg, log: log.With(logx.String("comp", "chrome")), alloc: alloc, cancel: cancel}
}

// Close tears down the allocator and any browser still running.
func (c *Chrome) Close() { c.cancel() }

func (c *Chrome) Open(ctx context.Context, cookies []job.Cookie) (share.Session, error) {
	tab, cancel := chromedp.NewContext(c.alloc)
	s := &session{cfg: c.cfg, tab: tab, cancel: cancel, log: c.log}

	// The first Run allocates the browser process and binds it to the
	// context it is given, so it must run on the tab itself. A canceled
	// ctx still aborts the start through the tab's cancel.
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tab)
	stop()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	rctx, done := s.scoped(ctx)
	defer done()
	err = chromedp.Run(rctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return setCookies(ctx, cookies, c.cfg.BaseURL)
	}))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("seed cookies: %w", err)
	}
	return s, nil
}

type session struct {
	cfg    Config
	tab    context.Context
	cancel context.CancelFunc
	log    logx.Logger
}

// scoped derives a context from the tab that honours ctx's deadline and
// cancellation without tearing the tab down.
func (s *session) scoped(ctx context.Context) (context.Context, func()) {
	rctx, cancel := context.WithCancel(s.tab)
	if dl, ok := ctx.Deadline(); ok {
		cancel()
		rctx, cancel = context.WithDeadline(s.tab, dl)
	}
	stop := context.AfterFunc(ctx, cancel)
	return rctx, func() {
		stop()
		cancel()
	}
}

func (s *session) Landing(ctx context.Context) (share.Surface, error) {
	return s.inspect(ctx, chromedp.Navigate(s.cfg.BaseURL+s.cfg.FeedPath))
}

func (s *session) Reload(ctx context.Context) (share.Surface, error) {
	return s.inspect(ctx, chromedp.Reload())
}

func (s *session) inspect(ctx context.Context, nav chromedp.Action) (share.Surface, error) {
	rctx, done := s.scoped(ctx)
	defer done()

	var (
		surf      share.Surface
		challenge = make([]bool, len(s.cfg.ChallengeMarkers))
	)
	actions := []chromedp.Action{nav, chromedp.WaitReady("body", chromedp.ByQuery), chromedp.Location(&surf.URL)}
	for i, m := range s.cfg.ChallengeMarkers {
		actions = append(actions, chromedp.Evaluate(visibleTextScript(m), &challenge[i]))
	}
	actions = append(actions, chromedp.Evaluate(visibleTextScript(s.cfg.LoginMarker), &surf.LoggedOut))

	if err := chromedp.Run(rctx, actions...); err != nil {
		return surf, err
	}
	for _, c := range challenge {
		surf.Challenge = surf.Challenge || c
	}
	return surf, nil
}

func (s *session) ReplaceCookies(ctx context.Context, cookies []job.Cookie) error {
	rctx, done := s.scoped(ctx)
	defer done()
	return chromedp.Run(rctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.ClearBrowserCookies().Do(ctx); err != nil {
			return fmt.Errorf("clear cookies: %w", err)
		}
		return setCookies(ctx, cookies, s.cfg.BaseURL)
	}))
}

func (s *session) Share(ctx context.Context, listingID string, audience job.Audience) error {
	rctx, done := s.scoped(ctx)
	defer done()

	target := s.cfg.FollowersButton
	if audience == job.AudienceParty {
		target = s.cfg.PartyButton
	}
	shareBtn := buttonXPath(s.cfg.ShareButton)

	return chromedp.Run(rctx,
		chromedp.Navigate(s.cfg.BaseURL+fmt.Sprintf(s.cfg.ListingPath, listingID)),
		within(s.cfg.ShareButtonTimeout, "share button", chromedp.WaitVisible(shareBtn, chromedp.BySearch)),
		chromedp.Click(shareBtn, chromedp.BySearch),
		chromedp.Click(buttonXPath(target), chromedp.BySearch),
		within(s.cfg.ConfirmTimeout, "share confirmation", chromedp.WaitVisible(textXPath(s.cfg.ConfirmText), chromedp.BySearch)),
	)
}

func (s *session) Close() error {
	err := chromedp.Cancel(s.tab)
	s.cancel()
	return err
}

func within(d time.Duration, what string, a chromedp.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		c, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := a.Do(c); err != nil {
			return fmt.Errorf("waiting for %s: %w", what, err)
		}
		return nil
	})
}

func setCookies(ctx context.Context, cookies []job.Cookie, baseURL string) error {
	for _, c := range cookies {
		p := network.SetCookie(c.Name, c.Value).
			WithHTTPOnly(c.HTTPOnly).
			WithSecure(c.Secure)
		if c.Domain != "" {
			p = p.WithDomain(c.Domain)
		} else {
			p = p.WithURL(baseURL)
		}
		if c.Path != "" {
			p = p.WithPath(c.Path)
		}
		if c.Expires > 0 {
			sec := int64(c.Expires)
			exp := cdp.TimeSinceEpoch(time.Unix(sec, int64((c.Expires-float64(sec))*1e9)))
			p = p.WithExpires(&exp)
		}
		if ss, ok := sameSite(c.SameSite); ok {
			p = p.WithSameSite(ss)
		}
		if err := p.Do(ctx); err != nil {
			return fmt.Errorf("set cookie %s: %w", c.Name, err)
		}
	}
	return nil
}

func sameSite(v string) (network.CookieSameSite, bool) {
	switch v {
	case "Strict":
		return network.CookieSameSiteStrict, true
	case "Lax":
		return network.CookieSameSiteLax, true
	case "None":
		return network.CookieSameSiteNone, true
	}
	return "", false
}

// xpathLiteral quotes s for XPath 1.0, which has no escape syntax.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}

func buttonXPath(text string) string {
	return "//button[contains(normalize-space(.), " + xpathLiteral(text) + ")]"
}

func textXPath(text string) string {
	return "//*[contains(text(), " + xpathLiteral(text) + ")]"
}

// visibleTextScript evaluates to true when some rendered element contains needle.
func visibleTextScript(needle string) string {
	q, _ := json.Marshal(needle)
	return `(function(needle){
  const w = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
  while (w.nextNode()) {
    const n = w.currentNode;
    if (!n.textContent.includes(needle)) continue;
    const el = n.parentElement;
    if (el && el.offsetParent !== null) return true;
  }
  return false;
})(` + string(q) + `)`
}
