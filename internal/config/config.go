// Package config loads and validates crawl configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/pagefleet/internal/browser"
	"github.com/JakeFAU/pagefleet/internal/logging"
	"github.com/JakeFAU/pagefleet/internal/proxy"
	"github.com/JakeFAU/pagefleet/internal/wire"
)

// EnvPrefix prefixes every environment override, e.g. PAGEFLEET_RUN_WORKERS.
const EnvPrefix = "PAGEFLEET"

// maxPort is the highest TCP port an engine may listen on.
const maxPort = 65535

// Config captures all crawl configuration knobs loaded via Viper.
type Config struct {
	Run     RunConfig     `mapstructure:"run"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Wire    WireConfig    `mapstructure:"wire"`
	Page    PageConfig    `mapstructure:"page"`
	Browser BrowserConfig `mapstructure:"browser"`
	Output  OutputConfig  `mapstructure:"output"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Tags    TagsConfig    `mapstructure:"tags"`
	Logging LoggingConfig `mapstructure:"logging"`
	Ops     OpsConfig     `mapstructure:"ops"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Index   IndexConfig   `mapstructure:"index"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

// RunConfig describes one crawl run.
type RunConfig struct {
	Workers int      `mapstructure:"workers"`
	Inputs  []string `mapstructure:"inputs"`
	// TmpDir holds in-flight captures and browser profiles. Empty creates a
	// fresh directory that is removed when the run ends.
	TmpDir         string `mapstructure:"tmp_dir"`
	ExtStartPort   int    `mapstructure:"ext_start_port"`
	RestartBrowser bool   `mapstructure:"restart_browser"`
}

// QueueConfig sizes the request and result queues.
type QueueConfig struct {
	RequestCapacity int `mapstructure:"request_capacity"`
	// ResultCapacity of zero means three times the request capacity.
	ResultCapacity int           `mapstructure:"result_capacity"`
	IdleDelay      time.Duration `mapstructure:"idle_delay"`
}

// WorkerConfig governs per-worker supervision.
type WorkerConfig struct {
	WatchdogTimeout     time.Duration `mapstructure:"watchdog_timeout"`
	MaxVisitsPerRestart int           `mapstructure:"max_visits_per_restart"`
}

// WireConfig controls the engine command socket client.
type WireConfig struct {
	Host          string        `mapstructure:"host"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryTimeout  time.Duration `mapstructure:"retry_timeout"`
}

// PageConfig bounds how long a navigation may take to load.
type PageConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// BrowserConfig selects and prepares the rendering engine.
type BrowserConfig struct {
	Kind            string `mapstructure:"kind"`
	Binary          string `mapstructure:"binary"`
	TemplateDir     string `mapstructure:"template_dir"`
	PortFile        string `mapstructure:"port_file"`
	PortPlaceholder string `mapstructure:"port_placeholder"`
	Headless        bool   `mapstructure:"headless"`
}

// OutputConfig names the per-feature output roots.
type OutputConfig struct {
	DOMDir           string `mapstructure:"dom_dir"`
	ScreenshotDir    string `mapstructure:"screenshot_dir"`
	VisitChainDir    string `mapstructure:"visit_chain_dir"`
	Compressor       string `mapstructure:"compressor"`
	CompressorSuffix string `mapstructure:"compressor_suffix"`
}

// ProxyConfig points at the upstream proxy list.
type ProxyConfig struct {
	File   string `mapstructure:"file"`
	Scheme string `mapstructure:"scheme"`
}

// TagsConfig points at the tag rules file.
type TagsConfig struct {
	File string `mapstructure:"file"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// OpsConfig enables the health and metrics endpoint.
type OpsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// MirrorConfig enables copying result files into GCS.
type MirrorConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	// GCSEndpoint overrides the storage API endpoint, e.g. for an emulator.
	GCSEndpoint string `mapstructure:"gcs_endpoint"`
}

// IndexConfig enables the Postgres visit index.
type IndexConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// NotifyConfig enables batch announcements.
type NotifyConfig struct {
	PubSubProject string   `mapstructure:"pubsub_project"`
	PubSubTopic   string   `mapstructure:"pubsub_topic"`
	KafkaBrokers  []string `mapstructure:"kafka_brokers"`
	KafkaTopic    string   `mapstructure:"kafka_topic"`
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"input-file":      "run.inputs",
	"num-browser":     "run.workers",
	"ext-start-port":  "run.ext_start_port",
	"restart-browser": "run.restart_browser",
	"browser":         "browser.kind",
	"screenshot-dir":  "output.screenshot_dir",
	"dom-dir":         "output.dom_dir",
	"visit-chain-dir": "output.visit_chain_dir",
	"proxy-file":      "proxy.file",
	"proxy-scheme":    "proxy.scheme",
	"tags-file":       "tags.file",
	"verbosity":       "logging.level",
	"ops-addr":        "ops.listen_addr",
}

// Load builds a Config from defaults, an optional file, the environment and
// flags, in increasing order of precedence. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Logging.Level = logging.NormalizeLevel(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.workers", 1)
	v.SetDefault("run.inputs", []string{})
	v.SetDefault("run.tmp_dir", "")
	v.SetDefault("run.ext_start_port", 4000)
	v.SetDefault("run.restart_browser", false)
	v.SetDefault("queue.request_capacity", 15)
	v.SetDefault("queue.result_capacity", 0)
	v.SetDefault("queue.idle_delay", 10*time.Second)
	v.SetDefault("worker.watchdog_timeout", 15*time.Minute)
	v.SetDefault("worker.max_visits_per_restart", 50)
	v.SetDefault("wire.host", "localhost")
	v.SetDefault("wire.call_timeout", 180*time.Second)
	v.SetDefault("wire.retry_interval", 10*time.Second)
	v.SetDefault("wire.retry_timeout", 180*time.Second)
	v.SetDefault("page.timeout", 180*time.Second)
	v.SetDefault("page.poll_interval", 5*time.Second)
	v.SetDefault("browser.kind", string(browser.Firefox))
	v.SetDefault("browser.binary", "")
	v.SetDefault("browser.template_dir", "firefox_template")
	v.SetDefault("browser.port_file", "extensions/trajlogger@cs.ucsd.edu/chrome/content/commandsocket.js")
	v.SetDefault("browser.port_placeholder", "7055")
	v.SetDefault("browser.headless", true)
	v.SetDefault("output.dom_dir", "")
	v.SetDefault("output.screenshot_dir", "")
	v.SetDefault("output.visit_chain_dir", "")
	v.SetDefault("output.compressor", "pngnq")
	v.SetDefault("output.compressor_suffix", "-nq8")
	v.SetDefault("proxy.file", "")
	v.SetDefault("proxy.scheme", string(proxy.RoundRobin))
	v.SetDefault("tags.file", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("ops.listen_addr", "")
	v.SetDefault("mirror.gcs_bucket", "")
	v.SetDefault("mirror.gcs_prefix", "")
	v.SetDefault("mirror.gcs_endpoint", "")
	v.SetDefault("index.postgres_dsn", "")
	v.SetDefault("index.table", "visits")
	v.SetDefault("index.max_conns", 4)
	v.SetDefault("notify.pubsub_project", "")
	v.SetDefault("notify.pubsub_topic", "")
	v.SetDefault("notify.kafka_brokers", []string{})
	v.SetDefault("notify.kafka_topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Run.Workers <= 0 {
		return errors.New("run.workers must be > 0")
	}
	if len(c.Run.Inputs) == 0 {
		return errors.New("run.inputs requires at least one input file or directory")
	}
	if c.Run.ExtStartPort <= 0 || c.Run.ExtStartPort+c.Run.Workers-1 > maxPort {
		return fmt.Errorf("run.ext_start_port %d leaves no room for %d workers", c.Run.ExtStartPort, c.Run.Workers)
	}
	if c.Queue.RequestCapacity <= 0 {
		return errors.New("queue.request_capacity must be > 0")
	}
	if c.Queue.ResultCapacity < 0 {
		return errors.New("queue.result_capacity must be >= 0")
	}
	if c.Page.Timeout < 0 {
		return errors.New("page.timeout must be >= 0")
	}
	if _, err := browser.ParseKind(c.Browser.Kind); err != nil {
		return fmt.Errorf("browser.kind: %w", err)
	}
	if _, err := proxy.ParseScheme(c.Proxy.Scheme); err != nil {
		return fmt.Errorf("proxy.scheme: %w", err)
	}
	if (c.Notify.PubSubProject == "") != (c.Notify.PubSubTopic == "") {
		return errors.New("notify.pubsub_project and notify.pubsub_topic must be set together")
	}
	if (len(c.Notify.KafkaBrokers) == 0) != (c.Notify.KafkaTopic == "") {
		return errors.New("notify.kafka_brokers and notify.kafka_topic must be set together")
	}
	return nil
}

// ResultCapacity returns the effective result queue size.
func (c Config) ResultCapacity() int {
	if c.Queue.ResultCapacity > 0 {
		return c.Queue.ResultCapacity
	}
	return 3 * c.Queue.RequestCapacity
}

// WireOptions returns client options for the engine on port.
func (c Config) WireOptions(port int) wire.Options {
	return wire.Options{
		Host:          c.Wire.Host,
		Port:          port,
		CallTimeout:   c.Wire.CallTimeout,
		RetryInterval: c.Wire.RetryInterval,
		RetryTimeout:  c.Wire.RetryTimeout,
		PollInterval:  c.Page.PollInterval,
		PageTimeout:   c.Page.Timeout,
	}
}
