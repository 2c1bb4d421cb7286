package llm

import (
	"errors"
	"strings"
	"time"
)

// Config controls the decision-model client.
type Config struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	ReasoningEffort string        `yaml:"reasoning_effort"` // minimal | low | medium | high
	Verbosity       string        `yaml:"verbosity"`        // low | medium | high
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	MaxRetries      int           `yaml:"max_retries"`
	LogLevel        string        `yaml:"log_level"`
	TimeoutRaw      string        `yaml:"timeout"`
	Timeout         time.Duration `yaml:"-"`
}

var validEfforts = map[string]bool{"minimal": true, "low": true, "medium": true, "high": true}

// Normalise fills defaults and parses raw duration fields.
func (c *Config) Normalise() error {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-5-mini"
	}
	if c.ReasoningEffort == "" {
		c.ReasoningEffort = "low"
	}
	if c.Verbosity == "" {
		c.Verbosity = "low"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.TimeoutRaw != "" {
		d, err := time.ParseDuration(c.TimeoutRaw)
		if err != nil {
			return errors.New("llm: invalid timeout " + c.TimeoutRaw)
		}
		c.Timeout = d
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return nil
}

// Validate checks required fields after Normalise.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("llm: api key is required")
	}
	if !validEfforts[strings.ToLower(c.ReasoningEffort)] {
		return errors.New("llm: reasoning_effort must be minimal, low, medium or high")
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	copied := *c
	return &copied
}
