package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sharepilot/internal/credentials"
	"sharepilot/internal/eventbus"
	"sharepilot/internal/job"
	"sharepilot/internal/ratelimit"
	logx "sharepilot/pkg/logx"
)

const testToken = "s3cret"

type fixture struct {
	srv   *httptest.Server
	jobs  *job.Store
	creds *credentials.Registry
	bus   eventbus.Bus
	clock *testClock
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, hourLimit int) *fixture {
	t.Helper()
	f := &fixture{bus: eventbus.New(), clock: &testClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}}
	f.jobs = job.NewStore(job.WithBus(f.bus), job.WithClock(f.clock.Now))
	f.creds = credentials.NewRegistry(f.bus, logx.Nop())
	h := NewRouter(Deps{
		Jobs:           f.jobs,
		Admission:      ratelimit.New(ratelimit.Config{Name: "admission", HourLimit: hourLimit, DayLimit: 100}),
		Credentials:    f.creds,
		Bus:            f.bus,
		AdminToken:     testToken,
		StuckThreshold: 15 * time.Minute,
		Log:            logx.Nop(),
		Now:            f.clock.Now,
	})
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, out
}

const validShare = `{"userId":"u1","payload":{"listingIds":["a","b"],"audience":"followers","rate":{"minMs":10,"maxMs":20}},"metadata":{"jobType":"share"}}`

func TestCreateShareAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	resp, body := f.do(t, http.MethodPost, "/v1/shares", validShare, map[string]string{HeaderCorrelationID: "corr-1"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body=%v", resp.StatusCode, body)
	}
	if body["correlationId"] != "corr-1" || body["status"] != "queued" {
		t.Fatalf("body = %v", body)
	}
	if got := resp.Header.Get(HeaderCorrelationID); got != "corr-1" {
		t.Fatalf("correlation header = %q", got)
	}
	j, ok := f.jobs.Get(body["jobId"].(string))
	if !ok || j.Owner != "u1" || j.CorrelationID != "corr-1" || len(j.Payload.ListingIDs) != 2 {
		t.Fatalf("stored job = %+v", j)
	}

	resp, got := f.do(t, http.MethodGet, "/v1/shares/"+j.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got["job"].(map[string]any)["id"] != j.ID {
		t.Fatalf("get body = %v", got)
	}
}

func TestCreateShareMintsCorrelationID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	resp, body := f.do(t, http.MethodPost, "/v1/shares", validShare, nil)
	id := resp.Header.Get(HeaderCorrelationID)
	if id == "" || body["correlationId"] != id {
		t.Fatalf("header %q body %v", id, body)
	}
}

func TestCreateShareRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	f.creds.Revoke("banned", "abuse", "test")

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing user", `{"payload":{}}`, http.StatusBadRequest, "userId_required"},
		{"bad json", `{`, http.StatusBadRequest, "invalid_json"},
		{"empty listings", `{"userId":"u1","payload":{"listingIds":[],"audience":"followers","rate":{"minMs":1,"maxMs":2}}}`, http.StatusBadRequest, "invalid_payload"},
		{"revoked", strings.Replace(validShare, `"u1"`, `"banned"`, 1), http.StatusForbidden, "credential_revoked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/shares", tt.body, nil)
			if resp.StatusCode != tt.status || body["error"] != tt.code {
				t.Fatalf("got %d %v, want %d %s", resp.StatusCode, body, tt.status, tt.code)
			}
		})
	}
	if st := f.jobs.Stats(); st.Total != 0 {
		t.Fatalf("rejected requests created jobs: %+v", st)
	}
}

func TestCreateShareRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	for i := 0; i < 2; i++ {
		if resp, _ := f.do(t, http.MethodPost, "/v1/shares", validShare, nil); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp, body := f.do(t, http.MethodPost, "/v1/shares", validShare, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["error"] != "rate_limit_exceeded" || body["scope"] != "hour" || body["limit"] != float64(2) || body["remaining"] != float64(0) {
		t.Fatalf("body = %v", body)
	}
	if body["resetInMs"].(float64) <= 0 || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("reset detail missing: %v %v", body, resp.Header)
	}
	if st := f.jobs.Stats(); st.Total != 2 {
		t.Fatalf("total = %d", st.Total)
	}
}

func TestGetShareNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	resp, body := f.do(t, http.MethodGet, "/v1/shares/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "job_not_found" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Fatalf("uptime missing: %v", body)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	for _, hdr := range []map[string]string{nil, {HeaderAdminToken: "wrong"}} {
		resp, body := f.do(t, http.MethodGet, "/admin/jobs", "", hdr)
		if resp.StatusCode != http.StatusUnauthorized || body["error"] != "unauthorized" {
			t.Fatalf("got %d %v", resp.StatusCode, body)
		}
	}
}

func TestAdminJobsAndRequeue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	auth := map[string]string{HeaderAdminToken: testToken}
	p := job.Payload{ListingIDs: []string{"a"}, Audience: job.AudienceFollowers, Rate: job.Rate{MinMs: 1, MaxMs: 1}}
	a := f.jobs.Create("u1", p, nil, "")
	f.clock.Advance(time.Second)
	b := f.jobs.Create("u2", p, nil, "")
	f.jobs.Next()
	f.jobs.MarkFailed(a.ID, 1, job.Failure{Code: "execution_error", Message: "boom"})

	_, body := f.do(t, http.MethodGet, "/admin/jobs", "", auth)
	list := body["jobs"].([]any)
	if len(list) != 2 || list[0].(map[string]any)["id"] != b.ID {
		t.Fatalf("jobs = %v", list)
	}
	_, body = f.do(t, http.MethodGet, "/admin/jobs?status=failed&userId=u1&limit=5", "", auth)
	if list := body["jobs"].([]any); len(list) != 1 || list[0].(map[string]any)["id"] != a.ID {
		t.Fatalf("filtered = %v", list)
	}
	if resp, _ := f.do(t, http.MethodGet, "/admin/jobs?status=bogus", "", auth); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus status = %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/admin/jobs/"+a.ID+"/requeue", "", auth)
	if resp.StatusCode != http.StatusOK || body["job"].(map[string]any)["status"] != "queued" {
		t.Fatalf("requeue = %d %v", resp.StatusCode, body)
	}
	if resp, body := f.do(t, http.MethodPost, "/admin/jobs/nope/requeue", "", auth); resp.StatusCode != http.StatusNotFound || body["error"] != "job_not_found" {
		t.Fatalf("unknown requeue = %d %v", resp.StatusCode, body)
	}
}

func TestAdminStuckAndDashboard(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	auth := map[string]string{HeaderAdminToken: testToken}
	p := job.Payload{ListingIDs: []string{"a"}, Audience: job.AudienceParty, Rate: job.Rate{MinMs: 1, MaxMs: 1}}
	stuck := f.jobs.Create("u1", p, nil, "")
	f.jobs.Next()
	f.clock.Advance(20 * time.Minute)
	f.jobs.Create("u2", p, nil, "")
	f.creds.Revoke("u3", "leak", "test")

	_, body := f.do(t, http.MethodGet, "/admin/jobs/stuck", "", auth)
	if list := body["jobs"].([]any); len(list) != 1 || list[0].(map[string]any)["id"] != stuck.ID {
		t.Fatalf("stuck = %v", body)
	}
	_, body = f.do(t, http.MethodGet, "/admin/jobs/stuck?threshold=30m", "", auth)
	if list := body["jobs"].([]any); len(list) != 0 {
		t.Fatalf("stuck with 30m = %v", list)
	}
	if resp, _ := f.do(t, http.MethodGet, "/admin/jobs/stuck?threshold=soon", "", auth); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad threshold = %d", resp.StatusCode)
	}

	_, body = f.do(t, http.MethodGet, "/admin/dashboard", "", auth)
	if n := len(body["stuckJobs"].([]any)); n != 1 {
		t.Fatalf("dashboard stuck = %d", n)
	}
	if n := len(body["recentJobs"].([]any)); n != 2 {
		t.Fatalf("dashboard recent = %d", n)
	}
	revoked := body["revokedCredentials"].([]any)
	if len(revoked) != 1 || revoked[0].(map[string]any)["userId"] != "u3" {
		t.Fatalf("dashboard revoked = %v", revoked)
	}
}

func TestAdminCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	auth := map[string]string{HeaderAdminToken: testToken, HeaderAdminActor: "ops"}

	if resp, body := f.do(t, http.MethodPost, "/admin/credentials/revoke", `{}`, auth); resp.StatusCode != http.StatusBadRequest || body["error"] != "userId_required" {
		t.Fatalf("missing user = %d %v", resp.StatusCode, body)
	}
	_, body := f.do(t, http.MethodPost, "/admin/credentials/revoke", `{"userId":"u1","reason":"leak"}`, auth)
	cred := body["credential"].(map[string]any)
	if cred["status"] != "revoked" || cred["actor"] != "ops" || cred["reason"] != "leak" {
		t.Fatalf("revoke = %v", cred)
	}
	if !f.creds.Revoked("u1") {
		t.Fatal("registry not updated")
	}

	// Form posts are accepted and the actor falls back to the default.
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/admin/credentials/restore",
		strings.NewReader(url.Values{"user_id": {"u1"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(HeaderAdminToken, testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || f.creds.Revoked("u1") {
		t.Fatalf("restore status = %d revoked=%v", resp.StatusCode, f.creds.Revoked("u1"))
	}
	if rec := f.creds.Get("u1"); rec.Actor != defaultActor {
		t.Fatalf("actor = %q", rec.Actor)
	}

	_, body = f.do(t, http.MethodGet, "/admin/credentials?status=active", "", auth)
	if list := body["credentials"].([]any); len(list) != 1 {
		t.Fatalf("active credentials = %v", list)
	}
}

func TestStreamReplaysAndFollowsUntilSettled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	p := job.Payload{ListingIDs: []string{"a"}, Audience: job.AudienceFollowers, Rate: job.Rate{MinMs: 1, MaxMs: 1}}
	j := f.jobs.Create("u1", p, nil, "")

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/shares/" + j.ID + "/events/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first streamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Event.Kind != job.EventQueued {
		t.Fatalf("first = %+v", first)
	}

	f.jobs.Next()
	f.jobs.MarkComplete(j.ID, 1, job.Result{Total: 1, Succeeded: 1})

	var kinds []job.EventKind
	for {
		var m streamMessage
		if err := conn.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		kinds = append(kinds, m.Event.Kind)
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != job.EventCompleted {
		t.Fatalf("streamed kinds = %v", kinds)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), logx.Nop())
	s.Start(context.Background())
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// lossyBus drops selected job changes, as a full subscriber buffer would.
type lossyBus struct {
	eventbus.Bus
	drop map[job.EventKind]bool
}

func (b lossyBus) Publish(e eventbus.Event) {
	if c, ok := e.Data.(job.Change); ok && b.drop[c.Event.Kind] {
		return
	}
	b.Bus.Publish(e)
}

func TestStreamReplaysEntriesMissedByTheBus(t *testing.T) {
	t.Parallel()
	bus := lossyBus{Bus: eventbus.New(), drop: map[job.EventKind]bool{job.EventDequeued: true, job.EventStarted: true}}
	jobs := job.NewStore(job.WithBus(bus))
	srv := httptest.NewServer(NewRouter(Deps{Jobs: jobs, Bus: bus, Log: logx.Nop()}))
	defer srv.Close()

	p := job.Payload{ListingIDs: []string{"a"}, Audience: job.AudienceFollowers, Rate: job.Rate{MinMs: 1, MaxMs: 1}}
	j := jobs.Create("u1", p, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/shares/"+j.ID+"/events/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first streamMessage
	if err := conn.ReadJSON(&first); err != nil || first.Event.Kind != job.EventQueued {
		t.Fatalf("first = %+v err=%v", first, err)
	}

	jobs.Next()
	jobs.Append(j.ID, job.Event{Kind: job.EventStarted})
	jobs.MarkComplete(j.ID, 1, job.Result{Total: 1, Succeeded: 1})

	var kinds []job.EventKind
	for {
		var m streamMessage
		if err := conn.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		kinds = append(kinds, m.Event.Kind)
	}
	want := []job.EventKind{job.EventDequeued, job.EventStarted, job.EventCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("streamed kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("streamed kinds = %v, want %v", kinds, want)
		}
	}
}
