package execution

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/singleflight"

	"krakenbot/pkg/decision"
	"krakenbot/pkg/features"
	"krakenbot/pkg/kraken"
)

const (
	positionEpsilon = 1e-12
	balanceEpsilon  = 1e-8
	lossWindowSize  = 5
)

// StatusReporter receives human-readable execution status lines. The
// orchestrator injects its reporter here so the engine never holds a
// back-reference to it.
type StatusReporter interface {
	ReportStatus(format string, args ...any)
}

type logxReporter struct{}

func (logxReporter) ReportStatus(format string, args ...any) {
	logx.Infof("execution: "+format, args...)
}

// Engine owns the position/risk ledger and turns decisions into
// precision-rounded orders. All state sits behind one mutex; the engine is
// driven from the orchestrator's serialized evaluation cycle plus the fills
// stream.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	pair   kraken.Pair
	meta   *kraken.PairMetadata
	trader Trader
	dryRun bool
	clock  func() time.Time
	status StatusReporter

	// Position state.
	side       string // "FLAT" or "LONG"
	size       float64
	avgPrice   float64
	openedAtMs int64
	entryATR   float64 // stop distance recorded at open

	// Risk ledger.
	dailyStartBalance float64
	realizedPnl       float64
	lossWindow        []bool // true = loss, bounded ring of the last 5 outcomes
	pauseUntil        time.Time

	// Market context refreshed each evaluation cycle.
	refPrice   float64 // latest 5m close
	currentATR float64 // latest 5m ATR

	// Fill reconciliation: order ids whose expected fill was applied
	// locally. A later live fill for the same order is ignored.
	locallyApplied map[string]bool
	syntheticSeq   int

	// Balance cache.
	balances      map[string]float64
	balancesAt    time.Time
	balanceFlight singleflight.Group
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithClock overrides the time source (primarily for testing).
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithStatusReporter injects the orchestrator's status reporter.
func WithStatusReporter(r StatusReporter) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.status = r
		}
	}
}

// WithDryRun toggles dry-run mode: orders are constructed and logged but
// never submitted, and a synthetic fill is applied locally.
func WithDryRun(enabled bool) EngineOption {
	return func(e *Engine) { e.dryRun = enabled }
}

// NewEngine constructs an execution engine for one pair.
func NewEngine(cfg Config, pair kraken.Pair, meta *kraken.PairMetadata, trader Trader, opts ...EngineOption) *Engine {
	cfg.Normalise()
	e := &Engine{
		cfg:            cfg,
		pair:           pair,
		meta:           meta,
		trader:         trader,
		clock:          time.Now,
		status:         logxReporter{},
		side:           "FLAT",
		locallyApplied: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetStatusReporter swaps the status reporter after construction; the
// orchestrator wires its own reporter in once it exists.
func (e *Engine) SetStatusReporter(r StatusReporter) {
	if r == nil {
		return
	}
	e.mu.Lock()
	e.status = r
	e.mu.Unlock()
}

// UpdateMarketContext refreshes the reference price and ATR used for sizing
// and unrealized-R computation.
func (e *Engine) UpdateMarketContext(refPrice, atr float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if refPrice > 0 {
		e.refPrice = refPrice
	}
	if atr > 0 {
		e.currentATR = atr
	}
}

// Execute applies a normalised decision. Expected skips and rejections come
// back as Result values; only transport-level faults are logged as errors.
func (e *Engine) Execute(ctx context.Context, d *decision.Decision) Result {
	if d == nil || d.Action == decision.ActionHold {
		return Result{Status: StatusNoop}
	}

	e.mu.Lock()
	paused := e.clock().Before(e.pauseUntil)
	pauseUntil := e.pauseUntil
	e.mu.Unlock()
	if paused && d.Action != decision.ActionPause {
		return Result{
			Status:       StatusPaused,
			Reason:       "cooldown active",
			PauseUntilMs: pauseUntil.UnixMilli(),
		}
	}

	switch d.Action {
	case decision.ActionOpenLong, decision.ActionAdd:
		return e.openLong(ctx, d)
	case decision.ActionTrim, decision.ActionClosePartial:
		return e.reduce(ctx, d, false)
	case decision.ActionCloseAll:
		return e.reduce(ctx, d, true)
	case decision.ActionMoveStop, decision.ActionSetTP:
		// Stop/TP orchestration is deferred: the instruction is recorded but
		// no live order is placed.
		e.status.ReportStatus("deferred %s stop_atr=%v tp_atr=%v", d.Action, fval(d.StopATR), fval(d.TPATR))
		return Result{Status: StatusIgnored, Reason: "stop/tp instructions are logged only"}
	case decision.ActionPause:
		return e.pause()
	default:
		return Result{Status: StatusRejected, Reason: fmt.Sprintf("unsupported action %s", d.Action)}
	}
}

func (e *Engine) pause() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseUntil = e.clock().Add(time.Duration(e.cfg.PauseMinutes) * time.Minute)
	e.status.ReportStatus("paused until %s", e.pauseUntil.Format(time.RFC3339))
	return Result{Status: StatusSubmitted, PauseUntilMs: e.pauseUntil.UnixMilli()}
}

func (e *Engine) openLong(ctx context.Context, d *decision.Decision) Result {
	if e.meta == nil {
		return Result{Status: StatusError, Reason: "missing pair metadata"}
	}

	price, err := e.referencePrice(ctx)
	if err != nil {
		return Result{Status: StatusError, Reason: fmt.Sprintf("no reference price: %v", err)}
	}
	if d.Entry != nil && d.Entry.Type == "limit" {
		price = e.meta.RoundPrice(price * (1 + d.Entry.OffsetBps/10000))
	}
	if price <= 0 {
		return Result{Status: StatusError, Reason: "non-positive reference price"}
	}

	quote, err := e.quoteBalance(ctx)
	if err != nil {
		return Result{Status: StatusError, Reason: fmt.Sprintf("balance unavailable: %v", err)}
	}

	sizePct := e.cfg.DefaultSizePct
	if d.SizePct != nil && *d.SizePct > 0 {
		sizePct = *d.SizePct
	}
	notional := math.Min(quote*e.cfg.MaxTradeRiskPct/100, quote*sizePct/100)
	if notional < e.cfg.MinNotional {
		return Result{
			Status: StatusRejected,
			Reason: fmt.Sprintf("notional %.2f below minimum %.2f", notional, e.cfg.MinNotional),
		}
	}

	volume := e.meta.RoundVolume(notional / price)
	if volume < e.meta.OrderMin {
		return Result{
			Status: StatusRejected,
			Reason: fmt.Sprintf("volume %.8f below pair minimum %.8f", volume, e.meta.OrderMin),
		}
	}

	orderType := "market"
	priceStr := ""
	if d.Entry != nil && d.Entry.Type == "limit" {
		orderType = "limit"
		priceStr = e.meta.FormatPrice(price)
	}
	payload := kraken.OrderRequest{
		Pair:      e.pair.REST,
		Side:      "buy",
		OrderType: orderType,
		Volume:    e.meta.FormatVolume(volume),
		Price:     priceStr,
	}
	return e.submit(ctx, payload, price, volume)
}

func (e *Engine) reduce(ctx context.Context, d *decision.Decision, all bool) Result {
	e.mu.Lock()
	side, size := e.side, e.size
	e.mu.Unlock()
	if side == "FLAT" || size <= positionEpsilon {
		return Result{Status: StatusRejected, Reason: "no open position"}
	}

	qty := size
	if !all {
		sizePct := e.cfg.DefaultSizePct
		if d.SizePct != nil && *d.SizePct > 0 {
			sizePct = *d.SizePct
		}
		qty = size * sizePct / 100
	}
	volume := e.meta.RoundVolume(math.Min(qty, size))
	if volume <= 0 {
		return Result{Status: StatusRejected, Reason: "sell volume rounds to zero"}
	}

	price, err := e.referencePrice(ctx)
	if err != nil {
		return Result{Status: StatusError, Reason: fmt.Sprintf("no reference price: %v", err)}
	}
	payload := kraken.OrderRequest{
		Pair:      e.pair.REST,
		Side:      "sell",
		OrderType: "market",
		Volume:    e.meta.FormatVolume(volume),
	}
	return e.submit(ctx, payload, price, volume)
}

// submit transmits (or, in dry-run, synthesises) the order and applies the
// expected fill locally. The fills stream reconciles against the recorded
// order id.
func (e *Engine) submit(ctx context.Context, payload kraken.OrderRequest, price, volume float64) Result {
	if e.dryRun {
		e.mu.Lock()
		e.syntheticSeq++
		orderID := fmt.Sprintf("dry-%d", e.syntheticSeq)
		e.mu.Unlock()
		e.status.ReportStatus("dry-run %s %s %s @ %s", payload.Side, payload.Volume, payload.Pair, orDefault(payload.Price, "market"))
		e.applyLocalFill(orderID, payload.Side, price, volume)
		return Result{Status: StatusDryRun, DryRun: true, Payload: &payload}
	}

	resp, err := e.trader.AddOrder(ctx, payload)
	if err != nil {
		logx.Errorf("execution: submit %s %s failed: %v", payload.Side, payload.Pair, err)
		return Result{Status: StatusError, Reason: err.Error()}
	}
	e.status.ReportStatus("submitted %s %s %s: %s", payload.Side, payload.Volume, payload.Pair, resp.Description)

	// Apply the expected fill now; the executions channel is reconciled via
	// the recorded txid so the fill is not double counted.
	for _, txid := range resp.TxIDs {
		e.applyLocalFill(txid, payload.Side, price, volume)
		break
	}
	return Result{Status: StatusSubmitted, Payload: &payload, TxIDs: resp.TxIDs}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// applyLocalFill records the order id and applies the synthetic fill.
func (e *Engine) applyLocalFill(orderID, side string, price, volume float64) {
	e.mu.Lock()
	e.locallyApplied[orderID] = true
	e.mu.Unlock()
	e.apply(kraken.Execution{
		OrderID:  orderID,
		Symbol:   e.pair.WS,
		Side:     side,
		ExecType: "trade",
		Price:    price,
		Qty:      volume,
		TimeMs:   e.clock().UnixMilli(),
	})
}

// HandleFill reconciles a live fill from the executions channel. Fills for
// orders whose expected fill was already applied locally are ignored.
func (e *Engine) HandleFill(exec kraken.Execution) {
	e.mu.Lock()
	if e.locallyApplied[exec.OrderID] {
		e.mu.Unlock()
		logx.Debugf("execution: fill for %s already applied locally, ignoring", exec.OrderID)
		return
	}
	e.mu.Unlock()
	e.apply(exec)
}

// apply is the single ledger mutation point. Buys update size and the
// volume-weighted average price; sells realise PnL and feed the loss window.
func (e *Engine) apply(exec kraken.Execution) {
	if exec.Qty <= 0 || exec.Price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch exec.Side {
	case "buy":
		newSize := e.size + exec.Qty
		e.avgPrice = (e.avgPrice*e.size + exec.Price*exec.Qty) / newSize
		e.size = newSize
		e.side = "LONG"
		if e.openedAtMs == 0 {
			ts := exec.TimeMs
			if ts == 0 {
				ts = e.clock().UnixMilli()
			}
			e.openedAtMs = ts
			e.entryATR = e.currentATR
		}
	case "sell":
		qty := math.Min(exec.Qty, e.size)
		if qty <= 0 {
			return
		}
		pnl := (exec.Price - e.avgPrice) * qty
		e.realizedPnl += pnl
		e.size -= qty
		e.recordOutcome(pnl < 0)
		if e.size <= positionEpsilon {
			e.size = 0
			e.avgPrice = 0
			e.side = "FLAT"
			e.openedAtMs = 0
			e.entryATR = 0
		}
	}
}

// recordOutcome appends to the bounded loss ring and triggers the cooldown
// when the window holds enough losses. Caller holds e.mu.
func (e *Engine) recordOutcome(loss bool) {
	e.lossWindow = append(e.lossWindow, loss)
	if len(e.lossWindow) > lossWindowSize {
		e.lossWindow = e.lossWindow[len(e.lossWindow)-lossWindowSize:]
	}
	losses := 0
	for _, l := range e.lossWindow {
		if l {
			losses++
		}
	}
	if losses >= e.cfg.PauseAfterLosses {
		e.pauseUntil = e.clock().Add(time.Duration(e.cfg.PauseMinutes) * time.Minute)
		e.lossWindow = nil
		e.status.ReportStatus("loss streak: pausing until %s", e.pauseUntil.Format(time.RFC3339))
	}
}

// referencePrice is the 5m close from the latest market context, falling
// back to the ticker when no context was seen yet.
func (e *Engine) referencePrice(ctx context.Context) (float64, error) {
	e.mu.Lock()
	ref := e.refPrice
	e.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	ticker, err := e.trader.Ticker(ctx, e.pair.REST)
	if err != nil {
		return 0, err
	}
	if ticker.Last <= 0 {
		return 0, fmt.Errorf("ticker has no last price")
	}
	return ticker.Last, nil
}

// Balances returns cached account balances, refreshing after the TTL.
// Concurrent callers share one in-flight fetch.
func (e *Engine) Balances(ctx context.Context, force bool) (map[string]float64, error) {
	e.mu.Lock()
	fresh := !force && e.balances != nil && e.clock().Sub(e.balancesAt) < e.cfg.BalanceTTL
	cached := e.balances
	e.mu.Unlock()
	if fresh {
		return cached, nil
	}

	v, err, _ := e.balanceFlight.Do("balance", func() (any, error) {
		balances, err := e.trader.Balance(ctx)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.logBalanceDelta(balances)
		e.balances = balances
		e.balancesAt = e.clock()
		if e.dailyStartBalance == 0 {
			if quote, ok := balances[e.quoteAsset()]; ok && quote > 0 {
				e.dailyStartBalance = quote
			}
		}
		e.mu.Unlock()
		return balances, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]float64), nil
}

// logBalanceDelta reports balances that moved by more than epsilon. Caller
// holds e.mu.
func (e *Engine) logBalanceDelta(next map[string]float64) {
	if e.balances == nil {
		return
	}
	for asset, amount := range next {
		if prev := e.balances[asset]; math.Abs(amount-prev) > balanceEpsilon {
			e.status.ReportStatus("balance %s: %.8f -> %.8f", asset, prev, amount)
		}
	}
}

func (e *Engine) quoteBalance(ctx context.Context) (float64, error) {
	balances, err := e.Balances(ctx, false)
	if err != nil {
		return 0, err
	}
	return balances[e.quoteAsset()], nil
}

func (e *Engine) quoteAsset() string {
	if e.meta != nil && e.meta.Quote != "" {
		return e.meta.Quote
	}
	return "ZUSD"
}

// PositionView exports the position state for snapshots.
func (e *Engine) PositionView() *features.PositionView {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := &features.PositionView{
		Side:       e.side,
		Size:       e.size,
		AvgPrice:   e.avgPrice,
		OpenedAtMs: e.openedAtMs,
	}
	if e.side == "LONG" {
		if e.entryATR > 0 && e.refPrice > 0 {
			view.UnrealizedR = (e.refPrice - e.avgPrice) / e.entryATR
		}
		if e.openedAtMs > 0 {
			view.BarsOpen5m = int((e.clock().UnixMilli() - e.openedAtMs) / (5 * 60 * 1000))
		}
	}
	return view
}

// RiskView exports the risk-ledger state for snapshots.
func (e *Engine) RiskView() *features.RiskView {
	e.mu.Lock()
	defer e.mu.Unlock()
	losses := 0
	for _, l := range e.lossWindow {
		if l {
			losses++
		}
	}
	view := &features.RiskView{
		DailyStartBalance: e.dailyStartBalance,
		RealizedPnlQuote:  e.realizedPnl,
		LossStreak:        losses,
		Paused:            e.clock().Before(e.pauseUntil),
		PauseUntilMs:      e.pauseUntil.UnixMilli(),
	}
	if e.dailyStartBalance > 0 {
		view.DailyPnlPct = e.realizedPnl / e.dailyStartBalance * 100
	}
	if view.PauseUntilMs < 0 {
		view.PauseUntilMs = 0
	}
	return view
}

func fval(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
