package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"krakenbot/pkg/book"
	"krakenbot/pkg/decision"
	"krakenbot/pkg/events"
	"krakenbot/pkg/execution"
	"krakenbot/pkg/features"
	"krakenbot/pkg/journal"
	"krakenbot/pkg/kraken"
)

// Options configures the orchestrator.
type Options struct {
	Pair              string
	PrimaryInterval   int // minutes, default 1
	BookDepth         int // default 5
	EvalInterval      time.Duration
	HeartbeatInterval time.Duration
	SpikeWindowMs     int64
	SpikeThresholdPct float64
	DryRun            bool
}

func (o *Options) normalise() {
	if o.PrimaryInterval <= 0 {
		o.PrimaryInterval = 1
	}
	if o.BookDepth <= 0 {
		o.BookDepth = 5
	}
	if o.EvalInterval <= 0 {
		o.EvalInterval = 5 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SpikeWindowMs <= 0 {
		o.SpikeWindowMs = 60_000
	}
	if o.SpikeThresholdPct <= 0 {
		o.SpikeThresholdPct = 1.0
	}
}

// Orchestrator owns the gateway, feature builder, event engine, decision
// adapter and execution engine, and drives the evaluation cycle.
type Orchestrator struct {
	opts Options
	pair kraken.Pair

	rest    *kraken.Client
	ws      *kraken.WSManager
	book    *book.Book
	builder *features.Builder
	engine  *events.Engine
	spike   *events.PriceSpikeDetector
	adapter *decision.Adapter
	exec    *execution.Engine
	sink    *journal.Writer

	strategy Strategy
	status   *statusReporter
	execCfg  execution.Config
	clock    func() time.Time

	processing atomic.Bool

	mu      sync.Mutex
	subs    []*kraken.Subscription
	stopCh  chan struct{}
	stopped sync.Once
	started bool
}

// Deps bundles the subsystems the orchestrator coordinates.
type Deps struct {
	REST     *kraken.Client
	WS       *kraken.WSManager
	Book     *book.Book
	Builder  *features.Builder
	Events   *events.Engine
	Adapter  *decision.Adapter
	Exec     *execution.Engine
	ExecCfg  execution.Config
	Journal  *journal.Writer
	Strategy Strategy
	Clock    func() time.Time
}

// New constructs an orchestrator. All dependencies are injected; nil
// Strategy falls back to the no-op base.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.REST == nil || deps.WS == nil || deps.Builder == nil || deps.Events == nil ||
		deps.Adapter == nil || deps.Exec == nil {
		return nil, errors.New("bot: missing required dependencies")
	}
	opts.normalise()

	strategy := deps.Strategy
	if strategy == nil {
		strategy = BaseStrategy{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Orchestrator{
		opts:     opts,
		pair:     kraken.NormalizePair(opts.Pair),
		rest:     deps.REST,
		ws:       deps.WS,
		book:     deps.Book,
		builder:  deps.Builder,
		engine:   deps.Events,
		spike:    events.NewPriceSpikeDetector(opts.SpikeWindowMs, opts.SpikeThresholdPct),
		adapter:  deps.Adapter,
		exec:     deps.Exec,
		execCfg:  deps.ExecCfg,
		sink:     deps.Journal,
		strategy: strategy,
		status:   newStatusReporter(kraken.NormalizePair(opts.Pair).WS, opts.HeartbeatInterval, clock),
		clock:    clock,
		stopCh:   make(chan struct{}),
	}, nil
}

// StatusReporter exposes the reporter for injection into the execution
// engine.
func (o *Orchestrator) StatusReporter() execution.StatusReporter { return o.status }

// Start resolves pair metadata, subscribes to the price, book and fills
// streams, runs the startup evaluation and arms the periodic timer.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("bot: already started")
	}
	o.started = true
	o.mu.Unlock()

	meta, err := o.rest.AssetPair(ctx, o.pair.REST)
	if err != nil {
		return fmt.Errorf("bot: resolve pair %s: %w", o.pair.WS, err)
	}
	logx.Infof("bot: trading %s (price %dd, volume %dd, min %v)",
		meta.WSName, meta.PriceDecimals, meta.VolumeDecimals, meta.OrderMin)

	if serverTime, err := o.rest.ServerTime(ctx); err == nil {
		drift := o.clock().Unix() - serverTime
		if drift < -5 || drift > 5 {
			logx.Slowf("bot: local clock drifts %ds from exchange time", drift)
		}
	}

	ohlcSub, err := o.ws.SubscribeOHLC(ctx, o.pair.WS, o.opts.PrimaryInterval, o.onTick)
	if err != nil {
		return fmt.Errorf("bot: subscribe ohlc: %w", err)
	}
	o.addSub(ohlcSub)

	if o.book != nil {
		bookSub, err := o.ws.SubscribeBook(ctx, o.pair.WS, o.opts.BookDepth, o.onBook)
		if err != nil {
			return fmt.Errorf("bot: subscribe book: %w", err)
		}
		o.addSub(bookSub)
	}

	execSub, err := o.ws.SubscribeExecutions(ctx, o.exec.HandleFill)
	if err != nil {
		return fmt.Errorf("bot: subscribe executions: %w", err)
	}
	o.addSub(execSub)

	if err := o.strategy.OnInit(ctx); err != nil {
		return fmt.Errorf("bot: strategy init: %w", err)
	}

	o.evaluate(ctx, events.Meta{}, []string{"Startup"})

	go o.periodicLoop()
	return nil
}

func (o *Orchestrator) addSub(sub *kraken.Subscription) {
	o.mu.Lock()
	o.subs = append(o.subs, sub)
	o.mu.Unlock()
}

func (o *Orchestrator) periodicLoop() {
	ticker := time.NewTicker(o.opts.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.evaluate(context.Background(), events.Meta{}, []string{"Periodic"})
		}
	}
}

// TriggerEvaluation runs a manual evaluation cycle.
func (o *Orchestrator) TriggerEvaluation(ctx context.Context) {
	o.evaluate(ctx, events.Meta{}, []string{"Manual"})
}

// Stop unsubscribes all streams, cancels the timer, resets the event engine
// and closes the sockets. Unsubscribe failures are logged and skipped.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopped.Do(func() {
		close(o.stopCh)

		o.mu.Lock()
		subs := o.subs
		o.subs = nil
		o.mu.Unlock()
		for _, sub := range subs {
			if err := sub.Unsubscribe(ctx); err != nil {
				logx.Slowf("bot: unsubscribe failed: %v", err)
			}
		}

		o.engine.Reset()
		o.ws.Close()
		if o.sink != nil {
			o.sink.Close()
		}
		logx.Infof("bot: %s stopped", o.pair.WS)
	})
}

// onTick is the per-tick path: refresh caches, pulse the heartbeat, and run
// an evaluation when the event engine asks for one.
func (o *Orchestrator) onTick(update kraken.OHLCUpdate) {
	price := update.Candle.Close
	o.builder.UpdateLastPrice(price)
	if o.book != nil {
		o.book.SetLastPrice(price)
	}

	pos := o.exec.PositionView()
	o.status.Heartbeat(price, pos.Side, pos.Size)

	o.safeHook(func() { o.strategy.OnPriceUpdate(update) })

	meta := events.Meta{ThresholdTriggered: o.spike.Observe(o.clock().UnixMilli(), price)}
	if o.engine.ShouldEvaluate(update.Candle.Time, meta) {
		// The evaluation cycle suspends on REST and model calls; run it off
		// the socket read path. The processing guard serialises cycles.
		go o.evaluate(context.Background(), meta, nil)
	}
}

func (o *Orchestrator) onBook(delta kraken.BookDelta) {
	bids := make([]book.Level, 0, len(delta.Bids))
	for _, lvl := range delta.Bids {
		bids = append(bids, book.Level{Price: lvl.Price, Qty: lvl.Qty})
	}
	asks := make([]book.Level, 0, len(delta.Asks))
	for _, lvl := range delta.Asks {
		asks = append(asks, book.Level{Price: lvl.Price, Qty: lvl.Qty})
	}
	if delta.Type == "snapshot" {
		o.book.ApplySnapshot(bids, asks, delta.Checksum)
		return
	}
	o.book.ApplyUpdate(bids, asks, delta.Checksum)
}

// evaluate runs one decision cycle. The processing flag guarantees at most
// one cycle in flight; a second trigger returns immediately and its reasons
// stay pending in the event engine.
func (o *Orchestrator) evaluate(ctx context.Context, meta events.Meta, extraReasons []string) {
	if !o.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logx.Errorf("bot: evaluation cycle panic: %v", r)
		}
		o.processing.Store(false)
	}()

	snapshot, err := o.builder.Build(ctx, o.exec.PositionView(), o.exec.RiskView())
	if err != nil {
		logx.Slowf("bot: snapshot build failed: %v", err)
		o.safeHook(func() { o.strategy.OnError(err) })
		return
	}

	if _, err := o.exec.Balances(ctx, false); err != nil {
		logx.Slowf("bot: balance refresh failed: %v", err)
	}

	if tf5 := snapshot.TF("5m"); tf5 != nil {
		atr := 0.0
		if tf5.ATR14 != nil {
			atr = *tf5.ATR14
		}
		o.exec.UpdateMarketContext(tf5.Close, atr)
	}

	reasons := o.engine.Detect(snapshot, meta)
	reasons = append(reasons, extraReasons...)
	if len(reasons) == 0 {
		return
	}

	d := o.adapter.Decide(ctx, &decision.Input{
		Features: snapshot,
		Reasons:  reasons,
		Meta: map[string]any{
			"dry_run":   o.opts.DryRun,
			"pair":      o.pair.WS,
			"eval_time": o.clock().UTC().Format(time.RFC3339),
		},
		Constraints: decision.Constraints{
			MaxTradeRiskPct: o.execCfg.MaxTradeRiskPct,
			MaxTotalRiskPct: o.execCfg.MaxTotalRiskPct,
			DefaultSizePct:  o.execCfg.DefaultSizePct,
			MinNotional:     o.execCfg.MinNotional,
			LongOnly:        true,
		},
	})

	o.appendJournal(snapshot, d, reasons)

	res := o.exec.Execute(ctx, d)
	logx.Infof("bot: %s decision=%s status=%s reasons=%v", o.pair.WS, d.Action, res.Status, reasons)
	o.safeHook(func() { o.strategy.OnDecision(d, res) })
}

func (o *Orchestrator) appendJournal(snapshot *features.Snapshot, d *decision.Decision, reasons []string) {
	if o.sink == nil {
		return
	}
	rec := journal.Record{
		Timestamp:        o.clock(),
		Pair:             o.pair.WS,
		Action:           string(d.Action),
		SizePct:          d.SizePct,
		StopATR:          d.StopATR,
		TPATR:            d.TPATR,
		Followups:        d.Followups,
		Comment:          d.Comment,
		Price:            o.builder.LastPrice(),
		ConfluenceScore:  snapshot.Confluence.Score,
		VolatilityRegime: snapshot.Regime.Volatility,
		TrendRegime:      snapshot.Regime.Trend,
		MomentumRegime:   snapshot.Regime.Momentum,
		Reasons:          reasons,
		DryRun:           o.opts.DryRun,
	}
	if d.Entry != nil {
		rec.EntryType = d.Entry.Type
		offset := d.Entry.OffsetBps
		rec.EntryOffsetBps = &offset
	}
	o.sink.Append(rec)
}

// safeHook keeps strategy hook failures out of the trading loop.
func (o *Orchestrator) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("bot: strategy hook panic: %v", r)
			logx.Error(err)
		}
	}()
	fn()
}
