package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"krakenbot/pkg/execution"
	"krakenbot/pkg/llm"
)

// Config is the full bot configuration. Credential fields expand environment
// references so the yaml can use ${KRAKEN_API_KEY} style placeholders;
// credentials left empty fall back to KRAKEN_API_KEY, KRAKEN_API_SECRET and
// OPENAI_API_KEY from the environment.
type Config struct {
	Pair string `yaml:"pair"`

	Kraken KrakenConfig `yaml:"kraken"`
	LLM    llm.Config   `yaml:"llm"`

	Execution execution.Config `yaml:"execution"`
	Events    EventsConfig     `yaml:"events"`

	PrimaryInterval      int           `yaml:"primary_interval"`
	BookDepth            int           `yaml:"book_depth"`
	EvalIntervalRaw      string        `yaml:"eval_interval"`
	EvalInterval         time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`
	HeartbeatInterval    time.Duration `yaml:"-"`
	SlippageNotional     float64       `yaml:"slippage_notional"`
	DryRun               bool          `yaml:"dry_run"`

	Journal  JournalConfig  `yaml:"journal"`
	DepthLog DepthLogConfig `yaml:"depth_log"`
}

// KrakenConfig carries exchange credentials and endpoint overrides.
type KrakenConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// EventsConfig tunes the event engine thresholds.
type EventsConfig struct {
	DebounceRaw       string        `yaml:"debounce"`
	Debounce          time.Duration `yaml:"-"`
	ConfluenceDelta   int           `yaml:"confluence_delta"`
	DrawdownGuardPct  float64       `yaml:"drawdown_guard_pct"`
	TimeStopBars      int           `yaml:"time_stop_bars"`
	SpikeWindowMs     int64         `yaml:"spike_window_ms"`
	SpikeThresholdPct float64       `yaml:"spike_threshold_pct"`
}

// JournalConfig names the decision audit sink.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// DepthLogConfig controls the ancillary L2 depth logger.
type DepthLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from disk.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()
	return LoadFromReader(file)
}

// LoadFromReader constructs a Config from an io.Reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Normalise(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Normalise()
	return cfg
}

// Normalise expands environment references, fills defaults and parses raw
// duration fields.
func (c *Config) Normalise() error {
	c.Pair = strings.TrimSpace(os.ExpandEnv(c.Pair))
	if c.Pair == "" {
		c.Pair = "DOGE/USD"
	}

	c.Kraken.APIKey = strings.TrimSpace(os.ExpandEnv(c.Kraken.APIKey))
	c.Kraken.APISecret = strings.TrimSpace(os.ExpandEnv(c.Kraken.APISecret))
	if c.Kraken.APIKey == "" {
		c.Kraken.APIKey = os.Getenv("KRAKEN_API_KEY")
	}
	if c.Kraken.APISecret == "" {
		c.Kraken.APISecret = os.Getenv("KRAKEN_API_SECRET")
	}

	c.LLM.APIKey = strings.TrimSpace(os.ExpandEnv(c.LLM.APIKey))
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := c.LLM.Normalise(); err != nil {
		return err
	}
	c.Execution.Normalise()

	if c.PrimaryInterval <= 0 {
		c.PrimaryInterval = 1
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 5
	}
	if c.SlippageNotional <= 0 {
		c.SlippageNotional = 500
	}

	var err error
	if c.EvalInterval, err = parseDurationDefault(c.EvalIntervalRaw, 5*time.Minute); err != nil {
		return fmt.Errorf("config: eval_interval: %w", err)
	}
	if c.HeartbeatInterval, err = parseDurationDefault(c.HeartbeatIntervalRaw, 30*time.Second); err != nil {
		return fmt.Errorf("config: heartbeat_interval: %w", err)
	}
	if c.Events.Debounce, err = parseDurationDefault(c.Events.DebounceRaw, 60*time.Second); err != nil {
		return fmt.Errorf("config: events.debounce: %w", err)
	}
	if c.Events.SpikeWindowMs <= 0 {
		c.Events.SpikeWindowMs = 60_000
	}
	if c.Events.SpikeThresholdPct <= 0 {
		c.Events.SpikeThresholdPct = 1.0
	}

	if c.Journal.Path == "" {
		c.Journal.Path = "decisions.csv"
	}
	if c.DepthLog.Enabled && c.DepthLog.Path == "" {
		c.DepthLog.Path = "depth.db"
	}
	return nil
}

// Validate checks the fields required for startup. Dry-run mode works
// without exchange credentials but still needs a pair.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Pair) == "" {
		return fmt.Errorf("config: pair is required")
	}
	if !c.DryRun {
		if c.Kraken.APIKey == "" || c.Kraken.APISecret == "" {
			return fmt.Errorf("config: KRAKEN_API_KEY and KRAKEN_API_SECRET are required for live trading")
		}
	}
	return nil
}

func parseDurationDefault(raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}
