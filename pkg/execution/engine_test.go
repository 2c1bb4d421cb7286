package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"krakenbot/pkg/decision"
	"krakenbot/pkg/kraken"
)

type fakeTrader struct {
	mu           sync.Mutex
	balances     map[string]float64
	balanceCalls int
	balanceErr   error
	ticker       *kraken.Ticker
	orders       []kraken.OrderRequest
	orderErr     error
	nextTxID     string
}

func (f *fakeTrader) AddOrder(_ context.Context, order kraken.OrderRequest) (*kraken.AddOrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orders = append(f.orders, order)
	txid := f.nextTxID
	if txid == "" {
		txid = "OTX1"
	}
	return &kraken.AddOrderResponse{Description: "ok", TxIDs: []string{txid}}, nil
}

func (f *fakeTrader) Ticker(_ context.Context, _ string) (*kraken.Ticker, error) {
	if f.ticker == nil {
		return nil, errors.New("no ticker")
	}
	return f.ticker, nil
}

func (f *fakeTrader) Balance(_ context.Context) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balances, nil
}

func (f *fakeTrader) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

var testMeta = &kraken.PairMetadata{
	Altname:        "XDGUSD",
	WSName:         "DOGE/USD",
	Base:           "XDG",
	Quote:          "ZUSD",
	PriceDecimals:  7,
	VolumeDecimals: 8,
	OrderMin:       1,
	CostMin:        0.5,
}

type testEngine struct {
	*Engine
	trader *fakeTrader
	now    *time.Time
}

func newEngineForTest(t *testing.T, cfg Config, dryRun bool) *testEngine {
	t.Helper()
	trader := &fakeTrader{
		balances: map[string]float64{"ZUSD": 1000, "XDG": 0},
		ticker:   &kraken.Ticker{Ask: 1.001, Bid: 0.999, Last: 1.0},
	}
	now := time.UnixMilli(1700000000000)
	e := NewEngine(cfg, kraken.NormalizePair("DOGE/USD"), testMeta, trader,
		WithDryRun(dryRun),
		WithClock(func() time.Time { return now }),
	)
	return &testEngine{Engine: e, trader: trader, now: &now}
}

func openLong(sizePct float64) *decision.Decision {
	return &decision.Decision{
		Action:  decision.ActionOpenLong,
		SizePct: &sizePct,
		Entry:   &decision.Entry{Type: "limit", OffsetBps: 0},
	}
}

func TestHoldIsNoop(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)
	res := e.Execute(context.Background(), decision.Hold("nothing"))
	require.Equal(t, StatusNoop, res.Status)
	require.Zero(t, e.trader.orderCount())
}

func TestOpenLongDryRunSizing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNotional = 5
	e := newEngineForTest(t, cfg, true)
	e.UpdateMarketContext(1.0, 0.02)

	res := e.Execute(context.Background(), openLong(25))
	require.Equal(t, StatusDryRun, res.Status)
	require.True(t, res.DryRun)
	require.NotNil(t, res.Payload)

	// notional = min(1000*0.75/100, 1000*25/100) = 7.5 quote, volume 7.5.
	require.Equal(t, "buy", res.Payload.Side)
	require.Equal(t, "limit", res.Payload.OrderType)
	require.Equal(t, "7.50000000", res.Payload.Volume)
	require.Equal(t, "1.0000000", res.Payload.Price)

	// No REST order in dry-run; the synthetic fill opened the position.
	require.Zero(t, e.trader.orderCount())
	pos := e.PositionView()
	require.Equal(t, "LONG", pos.Side)
	require.InDelta(t, 7.5, pos.Size, 1e-9)
	require.InDelta(t, 1.0, pos.AvgPrice, 1e-9)
}

func TestOpenLongLimitOffset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNotional = 5
	e := newEngineForTest(t, cfg, true)
	e.UpdateMarketContext(1.0, 0.02)

	d := openLong(25)
	d.Entry.OffsetBps = -50 // 0.5% below reference
	res := e.Execute(context.Background(), d)
	require.Equal(t, StatusDryRun, res.Status)
	require.Equal(t, "0.9950000", res.Payload.Price)
}

func TestOpenLongBelowMinNotionalRejected(t *testing.T) {
	e := newEngineForTest(t, DefaultConfig(), true) // min notional 20 > 7.5
	e.UpdateMarketContext(1.0, 0.02)

	res := e.Execute(context.Background(), openLong(25))
	require.Equal(t, StatusRejected, res.Status)
	require.Contains(t, res.Reason, "below minimum")
	require.Equal(t, "FLAT", e.PositionView().Side)
}

func TestOpenLongBelowOrderMinRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNotional = 5
	e := newEngineForTest(t, cfg, true)
	// Order minimum is exactly the computed volume: accepted.
	e.UpdateMarketContext(7.5, 0.02) // volume = 7.5/7.5 = 1.0 == OrderMin
	res := e.Execute(context.Background(), openLong(25))
	require.Equal(t, StatusDryRun, res.Status)

	// One ULP below the minimum: rejected.
	e2 := newEngineForTest(t, cfg, true)
	e2.UpdateMarketContext(7.51, 0.02) // volume < 1
	res = e2.Execute(context.Background(), openLong(25))
	require.Equal(t, StatusRejected, res.Status)
	require.Contains(t, res.Reason, "pair minimum")
}

func TestTickerFallbackWhenNoContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNotional = 5
	e := newEngineForTest(t, cfg, true)

	res := e.Execute(context.Background(), openLong(25))
	require.Equal(t, StatusDryRun, res.Status)
	require.Equal(t, "1.0000000", res.Payload.Price)
}

func TestTrimWhileFlatRejected(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)
	sizePct := 50.0
	res := e.Execute(context.Background(), &decision.Decision{Action: decision.ActionTrim, SizePct: &sizePct})
	require.Equal(t, StatusRejected, res.Status)
}

func TestTrimAndCloseAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNotional = 5
	e := newEngineForTest(t, cfg, true)
	e.UpdateMarketContext(1.0, 0.02)
	e.Execute(context.Background(), openLong(25)) // size 7.5

	sizePct := 40.0
	res := e.Execute(context.Background(), &decision.Decision{Action: decision.ActionTrim, SizePct: &sizePct})
	require.Equal(t, StatusDryRun, res.Status)
	require.Equal(t, "sell", res.Payload.Side)
	require.Equal(t, "3.00000000", res.Payload.Volume)
	require.InDelta(t, 4.5, e.PositionView().Size, 1e-9)

	res = e.Execute(context.Background(), &decision.Decision{Action: decision.ActionCloseAll})
	require.Equal(t, StatusDryRun, res.Status)
	pos := e.PositionView()
	require.Equal(t, "FLAT", pos.Side)
	require.Zero(t, pos.Size)
	require.Zero(t, pos.AvgPrice)
}

func TestMoveStopIgnored(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)
	stop := 1.5
	res := e.Execute(context.Background(), &decision.Decision{Action: decision.ActionMoveStop, StopATR: &stop})
	require.Equal(t, StatusIgnored, res.Status)
}

func TestLossStreakCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNotional = 5
	e := newEngineForTest(t, cfg, true)

	// buy 100 @ 1.00, sell 100 @ 0.98: first loss.
	e.HandleFill(kraken.Execution{OrderID: "F1", Side: "buy", Price: 1.00, Qty: 100, ExecType: "trade"})
	e.HandleFill(kraken.Execution{OrderID: "F2", Side: "sell", Price: 0.98, Qty: 100, ExecType: "trade"})
	require.False(t, e.RiskView().Paused)

	// buy 100 @ 0.97, sell 100 @ 0.96: second loss trips the cooldown.
	e.HandleFill(kraken.Execution{OrderID: "F3", Side: "buy", Price: 0.97, Qty: 100, ExecType: "trade"})
	e.HandleFill(kraken.Execution{OrderID: "F4", Side: "sell", Price: 0.96, Qty: 100, ExecType: "trade"})

	risk := e.RiskView()
	require.True(t, risk.Paused)
	require.Equal(t, e.now.Add(30*time.Minute).UnixMilli(), risk.PauseUntilMs)

	// OPEN_LONG is rejected while paused.
	res := e.Execute(context.Background(), openLong(25))
	require.Equal(t, StatusPaused, res.Status)
	require.Equal(t, risk.PauseUntilMs, res.PauseUntilMs)

	// PAUSE still applies.
	res = e.Execute(context.Background(), &decision.Decision{Action: decision.ActionPause})
	require.NotEqual(t, StatusPaused, res.Status)
	require.NotZero(t, res.PauseUntilMs)

	// After the window passes, trading resumes.
	*e.now = e.now.Add(31 * time.Minute)
	e.UpdateMarketContext(1.0, 0.02)
	res = e.Execute(context.Background(), openLong(25))
	require.Equal(t, StatusDryRun, res.Status)
}

func TestProfitsDoNotTripCooldown(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)
	for i := 0; i < 4; i++ {
		e.HandleFill(kraken.Execution{OrderID: "B", Side: "buy", Price: 1.00, Qty: 100, ExecType: "trade"})
		e.HandleFill(kraken.Execution{OrderID: "S", Side: "sell", Price: 1.05, Qty: 100, ExecType: "trade"})
	}
	require.False(t, e.RiskView().Paused)
}

func TestFillLedgerIdentity(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)

	// Two buys at different prices, one partial sell.
	e.HandleFill(kraken.Execution{OrderID: "B1", Side: "buy", Price: 1.00, Qty: 100, ExecType: "trade"})
	e.HandleFill(kraken.Execution{OrderID: "B2", Side: "buy", Price: 1.10, Qty: 100, ExecType: "trade"})

	pos := e.PositionView()
	require.InDelta(t, 200, pos.Size, 1e-9)
	require.InDelta(t, 1.05, pos.AvgPrice, 1e-9)

	e.HandleFill(kraken.Execution{OrderID: "S1", Side: "sell", Price: 1.20, Qty: 50, ExecType: "trade"})
	risk := e.RiskView()
	require.InDelta(t, (1.20-1.05)*50, risk.RealizedPnlQuote, 1e-9)

	// Cash-flow identity: realized + size*avg == buys - sells.
	cashFlow := 1.00*100 + 1.10*100 - 1.20*50
	pos = e.PositionView()
	require.InDelta(t, cashFlow, pos.Size*pos.AvgPrice-risk.RealizedPnlQuote, 1e-9)
}

func TestLocalFillNotDoubleCounted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNotional = 5
	e := newEngineForTest(t, cfg, false) // live mode
	e.trader.nextTxID = "OLIVE1"
	e.UpdateMarketContext(1.0, 0.02)

	res := e.Execute(context.Background(), openLong(25))
	require.Equal(t, StatusSubmitted, res.Status)
	require.Equal(t, []string{"OLIVE1"}, res.TxIDs)
	require.InDelta(t, 7.5, e.PositionView().Size, 1e-9)

	// The live fill notification for the same order must not double count.
	e.HandleFill(kraken.Execution{OrderID: "OLIVE1", Side: "buy", Price: 1.0, Qty: 7.5, ExecType: "trade"})
	require.InDelta(t, 7.5, e.PositionView().Size, 1e-9)

	// A fill for an unknown order id applies normally.
	e.HandleFill(kraken.Execution{OrderID: "OTHER", Side: "buy", Price: 1.0, Qty: 2.5, ExecType: "trade"})
	require.InDelta(t, 10.0, e.PositionView().Size, 1e-9)
}

func TestPositionInvariant(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)
	pos := e.PositionView()
	require.Equal(t, "FLAT", pos.Side)
	require.Zero(t, pos.Size)
	require.Zero(t, pos.AvgPrice)

	e.HandleFill(kraken.Execution{OrderID: "B", Side: "buy", Price: 1.0, Qty: 10, ExecType: "trade"})
	pos = e.PositionView()
	require.Equal(t, "LONG", pos.Side)
	require.NotZero(t, pos.Size)
	require.NotZero(t, pos.AvgPrice)

	e.HandleFill(kraken.Execution{OrderID: "S", Side: "sell", Price: 1.0, Qty: 10, ExecType: "trade"})
	pos = e.PositionView()
	require.Equal(t, "FLAT", pos.Side)
	require.Zero(t, pos.Size)
	require.Zero(t, pos.AvgPrice)
}

func TestBalanceCacheTTL(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)

	_, err := e.Balances(context.Background(), false)
	require.NoError(t, err)
	_, err = e.Balances(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, e.trader.balanceCalls)

	// Forced refresh bypasses the cache.
	_, err = e.Balances(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 2, e.trader.balanceCalls)

	// TTL expiry refreshes.
	*e.now = e.now.Add(31 * time.Second)
	_, err = e.Balances(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 3, e.trader.balanceCalls)
}

func TestDailyPnlZeroStartBalance(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)
	e.HandleFill(kraken.Execution{OrderID: "B", Side: "buy", Price: 1.0, Qty: 10, ExecType: "trade"})
	e.HandleFill(kraken.Execution{OrderID: "S", Side: "sell", Price: 0.9, Qty: 10, ExecType: "trade"})

	// No balance snapshot was ever taken: the percentage stays at zero.
	risk := e.RiskView()
	require.NotZero(t, risk.RealizedPnlQuote)
	require.Zero(t, risk.DailyPnlPct)
}

func TestDailyPnlPct(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)
	_, err := e.Balances(context.Background(), false) // captures start balance 1000
	require.NoError(t, err)

	e.HandleFill(kraken.Execution{OrderID: "B", Side: "buy", Price: 1.0, Qty: 100, ExecType: "trade"})
	e.HandleFill(kraken.Execution{OrderID: "S", Side: "sell", Price: 0.9, Qty: 100, ExecType: "trade"})

	risk := e.RiskView()
	require.InDelta(t, -10, risk.RealizedPnlQuote, 1e-9)
	require.InDelta(t, -1.0, risk.DailyPnlPct, 1e-9)
}

func TestUnrealizedR(t *testing.T) {
	e := newEngineForTest(t, Config{}, true)
	e.UpdateMarketContext(1.0, 0.05)
	e.HandleFill(kraken.Execution{OrderID: "B", Side: "buy", Price: 1.0, Qty: 10, ExecType: "trade"})

	e.UpdateMarketContext(1.10, 0.05)
	pos := e.PositionView()
	require.InDelta(t, 2.0, pos.UnrealizedR, 1e-9) // 0.10 move / 0.05 ATR

	*e.now = e.now.Add(50 * time.Minute)
	pos = e.PositionView()
	require.Equal(t, 10, pos.BarsOpen5m)
}

func TestOrderSubmitErrorSurfaced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinNotional = 5
	e := newEngineForTest(t, cfg, false)
	e.trader.orderErr = errors.New("EService:Unavailable")
	e.UpdateMarketContext(1.0, 0.02)

	res := e.Execute(context.Background(), openLong(25))
	require.Equal(t, StatusError, res.Status)
	require.Contains(t, res.Reason, "Unavailable")
	require.Equal(t, "FLAT", e.PositionView().Side)
}
