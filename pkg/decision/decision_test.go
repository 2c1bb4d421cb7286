package decision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"krakenbot/pkg/features"
)

func TestNormalizeValidDecision(t *testing.T) {
	raw := `{"action":"OPEN_LONG","size_pct":25,"entry":{"type":"limit","offset_bps":-5},
		"stop_atr":1.5,"tp_atr":3,"followups":["watch 1h close"],"comment":"sweep reclaim"}`
	d := Normalize(raw)
	require.Equal(t, ActionOpenLong, d.Action)
	require.NotNil(t, d.SizePct)
	require.InDelta(t, 25, *d.SizePct, 1e-9)
	require.NotNil(t, d.Entry)
	require.Equal(t, "limit", d.Entry.Type)
	require.InDelta(t, -5, d.Entry.OffsetBps, 1e-9)
	require.InDelta(t, 1.5, *d.StopATR, 1e-9)
	require.Equal(t, []string{"watch 1h close"}, d.Followups)
	require.Equal(t, "sweep reclaim", d.Comment)
}

func TestNormalizeStripsCodeFences(t *testing.T) {
	raw := "```json\n{\"action\":\"HOLD\",\"comment\":\"nothing to do\"}\n```"
	d := Normalize(raw)
	require.Equal(t, ActionHold, d.Action)
	require.Equal(t, "nothing to do", d.Comment)
}

func TestNormalizeParseFailureHolds(t *testing.T) {
	d := Normalize("not json at all")
	require.Equal(t, ActionHold, d.Action)
	require.Contains(t, d.Comment, "unparseable")
}

func TestNormalizeUnknownActionHolds(t *testing.T) {
	d := Normalize(`{"action":"SHORT_EVERYTHING"}`)
	require.Equal(t, ActionHold, d.Action)
	require.Contains(t, d.Comment, "unknown action")
}

func TestNormalizeCoercions(t *testing.T) {
	d := Normalize(`{"action":"TRIM","size_pct":"50","stop_atr":"abc","followups":"not a list"}`)
	require.Equal(t, ActionTrim, d.Action)
	require.NotNil(t, d.SizePct)
	require.InDelta(t, 50, *d.SizePct, 1e-9)
	require.Nil(t, d.StopATR)
	require.Equal(t, []string{}, d.Followups)
}

func TestNormalizeNullFields(t *testing.T) {
	d := Normalize(`{"action":"HOLD","size_pct":null,"stop_atr":null,"tp_atr":null,"followups":null}`)
	require.Equal(t, ActionHold, d.Action)
	require.Nil(t, d.SizePct)
	require.Nil(t, d.StopATR)
	require.Nil(t, d.TPATR)
	require.Equal(t, []string{}, d.Followups)
}

func TestNormalizeInvalidEntryTypeDropped(t *testing.T) {
	d := Normalize(`{"action":"OPEN_LONG","entry":{"type":"stop_market"}}`)
	require.Equal(t, ActionOpenLong, d.Action)
	require.Nil(t, d.Entry)
}

func TestNormalizeCaseInsensitiveAction(t *testing.T) {
	d := Normalize(`{"action":"open_long"}`)
	require.Equal(t, ActionOpenLong, d.Action)
}

func TestStripFences(t *testing.T) {
	require.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, StripFences(`{"a":1}`))
}

func testInput(reasons []string) *Input {
	return &Input{
		Features: &features.Snapshot{Pair: "DOGE/USD"},
		Reasons:  reasons,
		Constraints: Constraints{
			MaxTradeRiskPct: 0.75,
			DefaultSizePct:  25,
			MinNotional:     20,
			LongOnly:        true,
		},
	}
}

func TestAdapterNoReasonsSkipsModel(t *testing.T) {
	called := false
	a := NewAdapter(nil, WithDecideFunc(func(ctx context.Context, prompt string) (string, error) {
		called = true
		return `{"action":"OPEN_LONG"}`, nil
	}))

	d := a.Decide(context.Background(), testInput(nil))
	require.Equal(t, ActionHold, d.Action)
	require.Equal(t, "No triggers", d.Comment)
	require.False(t, called)
}

func TestAdapterUsesDecideFunc(t *testing.T) {
	var gotPrompt string
	a := NewAdapter(nil, WithDecideFunc(func(ctx context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return `{"action":"OPEN_LONG","size_pct":25,"comment":"go"}`, nil
	}))

	d := a.Decide(context.Background(), testInput([]string{"TrendFlip-Up(15m)"}))
	require.Equal(t, ActionOpenLong, d.Action)
	require.True(t, strings.Contains(gotPrompt, "TrendFlip-Up(15m)"))
	require.True(t, strings.Contains(gotPrompt, "DOGE/USD"))
	require.True(t, strings.Contains(gotPrompt, "max_trade_risk_pct"))
}

func TestAdapterModelFailureHolds(t *testing.T) {
	a := NewAdapter(nil, WithDecideFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("upstream 500")
	}))
	d := a.Decide(context.Background(), testInput([]string{"Periodic"}))
	require.Equal(t, ActionHold, d.Action)
	require.Equal(t, "model unavailable", d.Comment)
}

func TestAdapterNoClientHolds(t *testing.T) {
	a := NewAdapter(nil)
	d := a.Decide(context.Background(), testInput([]string{"Periodic"}))
	require.Equal(t, ActionHold, d.Action)
}
