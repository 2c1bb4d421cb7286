package bot

import (
	"context"

	"krakenbot/pkg/decision"
	"krakenbot/pkg/execution"
	"krakenbot/pkg/kraken"
)

// Strategy is the capability interface for user-supplied behaviour. The
// orchestrator calls the hooks at fixed points; every method has a no-op
// default via BaseStrategy, so implementations embed it and override what
// they need. Hook failures are caught and logged, never propagated into the
// trading loop.
type Strategy interface {
	// OnInit runs once after subscriptions are in place, before the startup
	// evaluation. Returning an error aborts startup.
	OnInit(ctx context.Context) error
	// OnPriceUpdate fires for every candle tick on the primary feed.
	OnPriceUpdate(update kraken.OHLCUpdate)
	// OnDecision fires after each evaluation cycle that produced a decision.
	OnDecision(d *decision.Decision, res execution.Result)
	// OnError observes non-fatal runtime errors.
	OnError(err error)
}

// BaseStrategy provides no-op implementations of every hook.
type BaseStrategy struct{}

// OnInit implements Strategy.
func (BaseStrategy) OnInit(context.Context) error { return nil }

// OnPriceUpdate implements Strategy.
func (BaseStrategy) OnPriceUpdate(kraken.OHLCUpdate) {}

// OnDecision implements Strategy.
func (BaseStrategy) OnDecision(*decision.Decision, execution.Result) {}

// OnError implements Strategy.
func (BaseStrategy) OnError(error) {}
