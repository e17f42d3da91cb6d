package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sharepilot/internal/config"
	"sharepilot/internal/storage"
	logx "sharepilot/pkg/logx"
)

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	adm, dsp := mapLimiters(cfg)
	if adm.HourLimit != config.DefaultAdmissionHour || adm.DayLimit != config.DefaultAdmissionDay {
		t.Fatalf("admission = %+v", adm)
	}
	if dsp.HourLimit != config.DefaultDispatchHour || dsp.DayLimit != config.DefaultDispatchDay {
		t.Fatalf("dispatch = %+v", dsp)
	}
	wc, drain, err := mapWorkerConfig(cfg)
	if err != nil || wc.Concurrency != config.DefaultConcurrency || drain != config.DefaultDrainTimeout {
		t.Fatalf("worker = %+v drain=%v err=%v", wc, drain, err)
	}
	if _, enabled, err := mapStorageConfig(cfg); enabled || err != nil {
		t.Fatalf("storage enabled=%v err=%v", enabled, err)
	}
	if nc, _, err := mapNotifierConfig(cfg, false); nc.Enabled || err != nil {
		t.Fatalf("notifier = %+v err=%v", nc, err)
	}
	sc, err := mapSweepConfig(cfg)
	if err != nil || sc.Schedule != nil || sc.Threshold != config.DefaultStuckThreshold {
		t.Fatalf("sweep = %+v err=%v", sc, err)
	}
	ec, err := mapExecutorConfig(cfg)
	if err != nil || !ec.chrome.Headless {
		t.Fatalf("executor = %+v err=%v", ec, err)
	}
}

func TestMappingOverrides(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Limits:  config.LimitsConfig{Dispatch: config.LimitConfig{PerHour: 5, PerDay: -1}},
		Stuck:   config.StuckConfig{Threshold: "5m", Schedule: "@every 1m", Timezone: "UTC"},
		Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"},
		Alerts:  &config.AlertsConfig{Enabled: true, Token: "t", ChatID: -1, ThreadID: 3, DedupWindow: "1m"},
	}
	_, dsp := mapLimiters(cfg)
	if dsp.HourLimit != 5 || dsp.DayLimit != -1 {
		t.Fatalf("dispatch = %+v", dsp)
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled || sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("storage = %+v enabled=%v err=%v", sc, enabled, err)
	}
	nc, target, err := mapNotifierConfig(cfg, true)
	if err != nil || !nc.Enabled || !nc.PersistDedup || nc.DedupWindow != time.Minute || target.ThreadID != 3 {
		t.Fatalf("notifier = %+v %+v err=%v", nc, target, err)
	}
	sw, err := mapSweepConfig(cfg)
	if err != nil || sw.Schedule == nil || sw.Threshold != 5*time.Minute || sw.Location != time.UTC {
		t.Fatalf("sweep = %+v err=%v", sw, err)
	}
}

func TestValidateWiringRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Stuck: config.StuckConfig{Schedule: "whenever"}}
	err := validateWiring(cfg)
	if err == nil || !strings.Contains(err.Error(), "stuck.schedule") {
		t.Fatalf("err = %v", err)
	}
}

func TestAppServesAndPersistsCredentials(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := strings.Join([]string{
		"http:",
		"  addr: 127.0.0.1:0",
		"  admin_token: tok",
		"logging:",
		"  level: error",
		"worker:",
		"  concurrency: 1",
		"  drain_timeout: 1s",
		"storage:",
		"  driver: file",
		"  path: " + filepath.Join(dir, "data"),
		"",
	}, "\n")
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("http never became ready")
	}
	base := "http://" + a.Addr()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/admin/credentials/revoke", strings.NewReader(`{"userId":"u1","reason":"leak"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "tok")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(dir, "data")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	recs, err := st.LoadCredentials(context.Background())
	if err != nil || len(recs) != 1 || recs[0].UserID != "u1" {
		t.Fatalf("persisted credentials = %+v err=%v", recs, err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("worker:\n  concurrency: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfgPath); err == nil {
		t.Fatal("negative concurrency should fail")
	}
}

func TestSystemdNotifyIgnoresMissingSocket(t *testing.T) {
	t.Parallel()
	var states []string
	n := newNotifySystemd(logx.Nop())
	n.send = func(state string) (bool, error) {
		states = append(states, state)
		if state == "STOPPING=1" {
			return false, errors.New("no socket")
		}
		return false, nil
	}
	n.Ready()
	n.Stopping()
	if len(states) != 2 || states[0] != "READY=1" {
		t.Fatalf("states = %v", states)
	}
}
