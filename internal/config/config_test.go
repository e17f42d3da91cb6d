package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
http:
  addr: ":9090"
  admin_token: file-token
logging:
  level: debug
limits:
  admission: {per_hour: 10, per_day: -1}
worker:
  concurrency: 4
  poll_interval: 500ms
stuck:
  threshold: 20m
storage:
  driver: sqlite
  path: /tmp/jobs.db
`

func noEnv() (Overrides, error) { return Overrides{}, nil }

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.ListenAddr() != ":9090" || cfg.Worker.EffectiveConcurrency() != 4 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	hour, day := cfg.Limits.Admission.Limit(DefaultAdmissionHour, DefaultAdmissionDay)
	if hour != 10 || day != -1 {
		t.Fatalf("admission = %d/%d", hour, day)
	}
	hour, day = cfg.Limits.Dispatch.Limit(DefaultDispatchHour, DefaultDispatchDay)
	if hour != DefaultDispatchHour || day != DefaultDispatchDay {
		t.Fatalf("dispatch defaults = %d/%d", hour, day)
	}
	poll, drain, err := cfg.Worker.Durations()
	if err != nil || poll != 500*time.Millisecond || drain != DefaultDrainTimeout {
		t.Fatalf("worker durations = %v %v %v", poll, drain, err)
	}
	if th, _ := cfg.Stuck.ThresholdOrDefault(); th != 20*time.Minute {
		t.Fatalf("threshold = %v", th)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return committed config")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"http":{"addr":":1"},"bogus":1}`)); err == nil {
		t.Fatal("unknown field should fail")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data: %v", err)
	}
	if _, err := Decode("c.yml", []byte("")); err != nil {
		t.Fatalf("empty yaml should decode: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	o, err := LoadOverridesFrom(map[string]string{
		"SHAREPILOT_ADMIN_TOKEN":    "env-token",
		"SHAREPILOT_STORAGE_DSN":    "postgres://db/jobs",
		"SHAREPILOT_TELEGRAM_TOKEN": "tg",
		"SHAREPILOT_LOG_LEVEL":      "warn",
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{Storage: &StorageConfig{Driver: "postgres"}}
	o.Apply(cfg)
	if cfg.HTTP.AdminToken != "env-token" || cfg.Storage.DSN != "postgres://db/jobs" || cfg.Logging.Level != "warn" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Alerts != nil {
		t.Fatal("telegram token must not enable alerts on its own")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"zero value", Config{}, ""},
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"bad poll", Config{Worker: WorkerConfig{PollInterval: "soon"}}, "worker.poll_interval"},
		{"relative base url", Config{Executor: ExecutorConfig{BaseURL: "/feed"}}, "executor.base_url"},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"sqlite without path", Config{Storage: &StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"redis without dsn", Config{Storage: &StorageConfig{Driver: "redis"}}, "storage.dsn"},
		{"alerts without chat", Config{Alerts: &AlertsConfig{Enabled: true, Token: "x"}}, "alerts.chat_id"},
		{"bad timezone", Config{Stuck: StuckConfig{Timezone: "Mars/Olympus"}}, "stuck.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{HTTP: HTTPConfig{AdminToken: "one"}, Worker: WorkerConfig{Concurrency: 2}}
	b := &Config{HTTP: HTTPConfig{AdminToken: "two"}, Worker: WorkerConfig{Concurrency: 3}}
	changed, _ := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "http,worker" {
		t.Fatalf("changed = %v", changed)
	}
	if !NeedsRestart(changed) {
		t.Fatal("http change needs restart")
	}
	if NeedsRestart([]string{"logging", "worker"}) {
		t.Fatal("logging and worker are hot")
	}
}

func TestWatchPublishesValidChange(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"worker":{"concurrency":1}}`)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// The watcher may not be registered yet; keep rewriting until it sees one.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Worker.Concurrency != 5 {
				t.Fatalf("published concurrency = %d", cfg.Worker.Concurrency)
			}
			return
		case <-tick.C:
			_ = os.WriteFile(p, []byte(`{"worker":{"concurrency":5}}`), 0o600)
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}
