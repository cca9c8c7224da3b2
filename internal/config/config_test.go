package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
run:
  workers: 3
  inputs: ["jobs/a.json", "jobs/b.json"]
  ext_start_port: 5000
  restart_browser: true
queue:
  request_capacity: 8
  idle_delay: 2s
worker:
  watchdog_timeout: 1m
browser:
  kind: chrome
  headless: false
output:
  dom_dir: /data/dom
  visit_chain_dir: /data/chain
logging:
  development: false
  level: WARNING
notify:
  kafka_brokers: ["k1:9092"]
  kafka_topic: batches
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Run.Workers != 3 || cfg.Run.ExtStartPort != 5000 || !cfg.Run.RestartBrowser {
		t.Fatalf("expected run overrides to apply: %+v", cfg.Run)
	}
	if len(cfg.Run.Inputs) != 2 || cfg.Run.Inputs[1] != "jobs/b.json" {
		t.Fatalf("expected two inputs, got %v", cfg.Run.Inputs)
	}
	if cfg.Queue.IdleDelay != 2*time.Second || cfg.Worker.WatchdogTimeout != time.Minute {
		t.Fatalf("expected duration overrides, got %v / %v", cfg.Queue.IdleDelay, cfg.Worker.WatchdogTimeout)
	}
	if got := cfg.ResultCapacity(); got != 24 {
		t.Fatalf("expected result capacity 3x request, got %d", got)
	}
	if cfg.Browser.Kind != "chrome" || cfg.Browser.Headless {
		t.Fatalf("expected chrome without headless, got %+v", cfg.Browser)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected WARNING normalized to warn, got %q", cfg.Logging.Level)
	}
	if cfg.Output.DOMDir != "/data/dom" || cfg.Output.ScreenshotDir != "" {
		t.Fatalf("unexpected output dirs: %+v", cfg.Output)
	}
	if cfg.Notify.KafkaTopic != "batches" || len(cfg.Notify.KafkaBrokers) != 1 {
		t.Fatalf("expected kafka notifier config, got %+v", cfg.Notify)
	}
}

func TestLoadDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	flags.StringSlice("input-file", nil, "")
	if err := flags.Parse([]string{"--input-file", "backlog.json"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Run.Workers != 1 || cfg.Run.ExtStartPort != 4000 {
		t.Fatalf("unexpected run defaults: %+v", cfg.Run)
	}
	if cfg.Queue.RequestCapacity != 15 || cfg.ResultCapacity() != 45 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Worker.WatchdogTimeout != 15*time.Minute || cfg.Worker.MaxVisitsPerRestart != 50 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Browser.Kind != "firefox" || cfg.Browser.PortPlaceholder != "7055" {
		t.Fatalf("unexpected browser defaults: %+v", cfg.Browser)
	}
	if cfg.Output.Compressor != "pngnq" || cfg.Output.CompressorSuffix != "-nq8" {
		t.Fatalf("unexpected compressor defaults: %+v", cfg.Output)
	}

	opts := cfg.WireOptions(4001)
	if opts.Port != 4001 || opts.PageTimeout != 180*time.Second || opts.PollInterval != 5*time.Second {
		t.Fatalf("unexpected wire options: %+v", opts)
	}
}

func TestLoadFlagsAndEnvOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("run:\n  workers: 2\n  inputs: [from-file.json]\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("PAGEFLEET_PROXY_FILE", "/etc/proxies.json")

	flags := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	flags.IntP("num-browser", "n", 1, "")
	flags.StringP("verbosity", "v", "INFO", "")
	flags.String("unrelated", "", "")
	if err := flags.Parse([]string{"-n", "6", "-v", "DEBUG"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Run.Workers != 6 {
		t.Fatalf("expected flag to win over file, got %d workers", cfg.Run.Workers)
	}
	if cfg.Run.Inputs[0] != "from-file.json" {
		t.Fatalf("expected inputs from file, got %v", cfg.Run.Inputs)
	}
	if cfg.Proxy.File != "/etc/proxies.json" {
		t.Fatalf("expected env override, got %q", cfg.Proxy.File)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Run:     RunConfig{Workers: 1, Inputs: []string{"a.json"}, ExtStartPort: 4000},
		Queue:   QueueConfig{RequestCapacity: 15},
		Browser: BrowserConfig{Kind: "firefox"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name string
		cfg  func(c Config) Config
		want string
	}{
		{
			name: "no workers",
			cfg:  func(c Config) Config { c.Run.Workers = 0; return c },
			want: "run.workers",
		},
		{
			name: "no inputs",
			cfg:  func(c Config) Config { c.Run.Inputs = nil; return c },
			want: "run.inputs",
		},
		{
			name: "ports overflow",
			cfg:  func(c Config) Config { c.Run.ExtStartPort = 65535; c.Run.Workers = 2; return c },
			want: "run.ext_start_port",
		},
		{
			name: "empty request queue",
			cfg:  func(c Config) Config { c.Queue.RequestCapacity = 0; return c },
			want: "queue.request_capacity",
		},
		{
			name: "unknown browser",
			cfg:  func(c Config) Config { c.Browser.Kind = "lynx"; return c },
			want: "browser.kind",
		},
		{
			name: "unknown proxy scheme",
			cfg:  func(c Config) Config { c.Proxy.Scheme = "random"; return c },
			want: "proxy.scheme",
		},
		{
			name: "pubsub topic without project",
			cfg:  func(c Config) Config { c.Notify.PubSubTopic = "t"; return c },
			want: "notify.pubsub_project",
		},
		{
			name: "kafka brokers without topic",
			cfg:  func(c Config) Config { c.Notify.KafkaBrokers = []string{"k:9092"}; return c },
			want: "notify.kafka_brokers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg(base).Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
