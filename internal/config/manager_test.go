package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
watcher:
  tick: 30s
  timezone: Asia/Ho_Chi_Minh
probe:
  timeout: 15s
  concurrency: 8
storage:
  driver: sqlite
  path: ./state.db
  busy_timeout: 2s
notify:
  rate_per_sec: 5
telegram:
  poll_timeout: 20s
  owner_user_ids: [111, 222]
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if tick, _ := cfg.WatcherTick(); tick != 30*time.Second {
		t.Fatalf("tick = %s", tick)
	}
	if cfg.Watcher.Timezone != "Asia/Ho_Chi_Minh" {
		t.Fatalf("timezone = %q", cfg.Watcher.Timezone)
	}
	if d, _ := cfg.ProbeTimeout(); d != 15*time.Second {
		t.Fatalf("probe timeout = %s", d)
	}
	if cfg.Probe.Concurrency != 8 {
		t.Fatalf("concurrency = %d", cfg.Probe.Concurrency)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "./state.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if d, _ := cfg.StorageBusyTimeout(); d != 2*time.Second {
		t.Fatalf("busy timeout = %s", d)
	}
	if cfg.Notify.RatePerSec != 5 {
		t.Fatalf("rate = %d", cfg.Notify.RatePerSec)
	}
	if d, _ := cfg.PollTimeout(); d != 20*time.Second {
		t.Fatalf("poll timeout = %s", d)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[0] != 111 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json",
		`{"logging":{"level":"warn","console":true,"file":{"enabled":false,"path":""}}}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadDefaultsWhenFieldsOmitted(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d, _ := cfg.PollTimeout(); d != 10*time.Second {
		t.Fatalf("poll timeout default = %s", d)
	}
	if d, _ := cfg.WatcherTick(); d != time.Minute {
		t.Fatalf("tick default = %s", d)
	}
	if d, _ := cfg.ProbeTimeout(); d != 20*time.Second {
		t.Fatalf("probe timeout default = %s", d)
	}
	if d, _ := cfg.StorageBusyTimeout(); d != 0 {
		t.Fatalf("busy timeout default = %s", d)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
speling_mistake: true
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
watcher:
  tick: "five minutes"
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("invalid duration must be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := m.Load(); !os.IsNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "  ", want: 0},
		{raw: "500ms", want: 500 * time.Millisecond},
		{raw: "2m", want: 2 * time.Minute},
		{raw: "-1s", wantErr: true},
		{raw: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("test.field", tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDurationField(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseDurationField(%q) = %s, %v; want %s", tt.raw, got, err, tt.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	got, err := ParseDurationOrDefault("f", "", 7*time.Second)
	if err != nil || got != 7*time.Second {
		t.Fatalf("empty = %s, %v", got, err)
	}
	got, err = ParseDurationOrDefault("f", "3s", 7*time.Second)
	if err != nil || got != 3*time.Second {
		t.Fatalf("explicit = %s, %v", got, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", "logging:\n  level: info\n  console: true\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	ch := m.Subscribe(1)
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(cfg)

	select {
	case got := <-ch:
		if got.Logging.Level != "debug" {
			t.Fatalf("published = %+v", got.Logging)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestPublishDropsOldestWhenSlow(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)

	first := &Config{Logging: LoggingConfig{Level: "one"}}
	second := &Config{Logging: LoggingConfig{Level: "two"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got.Logging.Level != "two" {
		t.Fatalf("kept %q, want latest", got.Logging.Level)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra config %+v", extra)
	default:
	}
}
