package execution

import (
	"context"
	"time"

	"krakenbot/pkg/kraken"
)

// Config holds the hard risk constraints.
type Config struct {
	MaxTradeRiskPct  float64       `yaml:"max_trade_risk_pct"`
	MaxTotalRiskPct  float64       `yaml:"max_total_risk_pct"`
	DefaultSizePct   float64       `yaml:"default_size_pct"`
	MinNotional      float64       `yaml:"min_notional"`
	PauseAfterLosses int           `yaml:"pause_after_losses"`
	PauseMinutes     int           `yaml:"pause_minutes"`
	BalanceTTL       time.Duration `yaml:"-"`
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTradeRiskPct:  0.75,
		MaxTotalRiskPct:  1.5,
		DefaultSizePct:   25,
		MinNotional:      20,
		PauseAfterLosses: 2,
		PauseMinutes:     30,
		BalanceTTL:       30 * time.Second,
	}
}

// Normalise fills zero fields with the defaults.
func (c *Config) Normalise() {
	d := DefaultConfig()
	if c.MaxTradeRiskPct <= 0 {
		c.MaxTradeRiskPct = d.MaxTradeRiskPct
	}
	if c.MaxTotalRiskPct <= 0 {
		c.MaxTotalRiskPct = d.MaxTotalRiskPct
	}
	if c.DefaultSizePct <= 0 {
		c.DefaultSizePct = d.DefaultSizePct
	}
	if c.MinNotional <= 0 {
		c.MinNotional = d.MinNotional
	}
	if c.PauseAfterLosses <= 0 {
		c.PauseAfterLosses = d.PauseAfterLosses
	}
	if c.PauseMinutes <= 0 {
		c.PauseMinutes = d.PauseMinutes
	}
	if c.BalanceTTL <= 0 {
		c.BalanceTTL = d.BalanceTTL
	}
}

// Status labels the outcome of an execution attempt.
type Status string

const (
	StatusNoop      Status = "noop"
	StatusSubmitted Status = "submitted"
	StatusDryRun    Status = "dry_run"
	StatusPaused    Status = "paused"
	StatusRejected  Status = "rejected"
	StatusIgnored   Status = "ignored"
	StatusError     Status = "error"
)

// Result reports what the engine did with a decision. Expected control
// transitions (skips, rejections) travel here, not as errors.
type Result struct {
	Status       Status               `json:"status"`
	Reason       string               `json:"reason,omitempty"`
	PauseUntilMs int64                `json:"pause_until_ms,omitempty"`
	DryRun       bool                 `json:"dry_run,omitempty"`
	Payload      *kraken.OrderRequest `json:"payload,omitempty"`
	TxIDs        []string             `json:"txids,omitempty"`
}

// Trader is the REST surface the engine needs. The Kraken client satisfies
// it.
type Trader interface {
	AddOrder(ctx context.Context, order kraken.OrderRequest) (*kraken.AddOrderResponse, error)
	Ticker(ctx context.Context, pair string) (*kraken.Ticker, error)
	Balance(ctx context.Context) (map[string]float64, error)
}
