package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"sharepilot/internal/job"
	logx "sharepilot/pkg/logx"
)

func TestXPathLiteral(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Share":         "'Share'",
		"Don't":         `"Don't"`,
		`it's "quoted"`: `concat('it', "'", 's "quoted"')`,
	}
	for in, want := range cases {
		if got := xpathLiteral(in); got != want {
			t.Errorf("xpathLiteral(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSelectors(t *testing.T) {
	t.Parallel()
	if got := buttonXPath("To Party"); got != "//button[contains(normalize-space(.), 'To Party')]" {
		t.Fatalf("buttonXPath = %s", got)
	}
	if got := textXPath("Shared!"); got != "//*[contains(text(), 'Shared!')]" {
		t.Fatalf("textXPath = %s", got)
	}
	if s := visibleTextScript(`a "b"`); !strings.Contains(s, `("a \"b\"")`) {
		t.Fatalf("needle not JSON-quoted: %s", s)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{BaseURL: "https://example.test/"}.withDefaults()
	if c.BaseURL != "https://example.test" {
		t.Fatalf("BaseURL = %q", c.BaseURL)
	}
	if c.ShareButtonTimeout != 10*time.Second || c.ConfirmTimeout != 15*time.Second {
		t.Fatalf("timeouts = %v / %v", c.ShareButtonTimeout, c.ConfirmTimeout)
	}
	if len(c.ChallengeMarkers) != 2 || c.LoginMarker != "Log in" {
		t.Fatalf("markers = %v / %q", c.ChallengeMarkers, c.LoginMarker)
	}
	if _, ok := sameSite("Lax"); !ok {
		t.Fatal("Lax should map")
	}
	if _, ok := sameSite("bogus"); ok {
		t.Fatal("bogus should not map")
	}
}

func findChrome(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("SHAREPILOT_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome binary available")
	return ""
}

func TestSessionSurvivesOpen(t *testing.T) {
	execPath := findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if c, err := r.Cookie("sid"); err == nil && c.Value == "abc" {
			fmt.Fprint(w, "<html><body><p>Welcome back</p></body></html>")
			return
		}
		fmt.Fprint(w, "<html><body><p>Log in</p></body></html>")
	}))
	defer srv.Close()

	c := NewChrome(context.Background(), Config{
		BaseURL:   srv.URL,
		Headless:  true,
		ExecPath:  execPath,
		NoSandbox: true,
	}, logx.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess, err := c.Open(ctx, []job.Cookie{{Name: "sid", Value: "abc"}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// Each call runs on its own scoped context; the browser must outlive them.
	for i := 0; i < 2; i++ {
		surf, err := sess.Landing(ctx)
		if err != nil {
			t.Fatalf("Landing #%d: %v", i+1, err)
		}
		if surf.LoggedOut || surf.Challenge || !strings.HasSuffix(surf.URL, "/feed") {
			t.Fatalf("Landing #%d surface = %+v", i+1, surf)
		}
	}
	if err := sess.ReplaceCookies(ctx, nil); err != nil {
		t.Fatalf("ReplaceCookies: %v", err)
	}
	surf, err := sess.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !surf.LoggedOut {
		t.Fatalf("cleared cookies should log out, surface = %+v", surf)
	}
}

func TestOpenHonoursCanceledContext(t *testing.T) {
	execPath := findChrome(t)
	c := NewChrome(context.Background(), Config{Headless: true, ExecPath: execPath, NoSandbox: true}, logx.Nop())
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Open(ctx, nil); err == nil {
		t.Fatal("Open with a canceled context should fail")
	}
}
