package features

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"krakenbot/pkg/book"
	"krakenbot/pkg/kraken"
)

// TimeframeSpec names one configured interval with its candle lookback.
type TimeframeSpec struct {
	Name     string
	Interval int // minutes
	Lookback int // candles
}

// DefaultTimeframes is the standard interval ladder.
var DefaultTimeframes = []TimeframeSpec{
	{Name: "1m", Interval: 1, Lookback: 300},
	{Name: "5m", Interval: 5, Lookback: 300},
	{Name: "15m", Interval: 15, Lookback: 300},
	{Name: "1h", Interval: 60, Lookback: 360},
	{Name: "4h", Interval: 240, Lookback: 360},
	{Name: "1d", Interval: 1440, Lookback: 120},
}

const defaultSlippageNotional = 500.0

// HistorySource fetches candle history. The Kraken REST client satisfies it.
type HistorySource interface {
	RecentOHLC(ctx context.Context, pair string, interval, count int) ([]kraken.Candle, error)
}

// Builder assembles FeatureSnapshots on demand for a single pair.
type Builder struct {
	history          HistorySource
	book             *book.Book
	pair             kraken.Pair
	timeframes       []TimeframeSpec
	slippageNotional float64
	clock            func() time.Time

	mu        sync.Mutex
	lastPrice float64
}

// BuilderOption customises the builder.
type BuilderOption func(*Builder)

// WithTimeframes overrides the interval ladder.
func WithTimeframes(specs []TimeframeSpec) BuilderOption {
	return func(b *Builder) {
		if len(specs) > 0 {
			b.timeframes = specs
		}
	}
}

// WithSlippageNotional sets the quote-unit target used for the book slippage
// estimate.
func WithSlippageNotional(notional float64) BuilderOption {
	return func(b *Builder) {
		if notional > 0 {
			b.slippageNotional = notional
		}
	}
}

// WithClock overrides the time source (primarily for testing).
func WithClock(clock func() time.Time) BuilderOption {
	return func(b *Builder) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// NewBuilder constructs a feature builder for the given pair.
func NewBuilder(history HistorySource, bk *book.Book, pair kraken.Pair, opts ...BuilderOption) *Builder {
	b := &Builder{
		history:          history,
		book:             bk,
		pair:             pair,
		timeframes:       DefaultTimeframes,
		slippageNotional: defaultSlippageNotional,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// UpdateLastPrice records the most recent trade price from the live feed.
func (b *Builder) UpdateLastPrice(price float64) {
	b.mu.Lock()
	b.lastPrice = price
	b.mu.Unlock()
}

// LastPrice returns the most recent live price, zero when none seen yet.
func (b *Builder) LastPrice() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPrice
}

// Build fetches history for every configured timeframe, computes the feature
// record per interval, and assembles the snapshot. A failed timeframe is
// logged and omitted; downstream consumers tolerate the gap.
func (b *Builder) Build(ctx context.Context, position *PositionView, risk *RiskView) (*Snapshot, error) {
	snapshot := &Snapshot{
		Pair:       b.pair.WS,
		TsUnixMs:   b.clock().UnixMilli(),
		Timeframes: make(map[string]*TimeframeFeatures, len(b.timeframes)),
		Position:   position,
		Risk:       risk,
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, spec := range b.timeframes {
		spec := spec
		wg.Add(1)
		go func() {
			defer wg.Done()
			candles, err := b.history.RecentOHLC(ctx, b.pair.REST, spec.Interval, spec.Lookback)
			if err != nil {
				logx.Slowf("features: timeframe %s fetch failed, omitting: %v", spec.Name, err)
				return
			}
			tf := computeTimeframe(candles)
			if tf == nil {
				logx.Slowf("features: timeframe %s returned no candles, omitting", spec.Name)
				return
			}
			mu.Lock()
			snapshot.Timeframes[spec.Name] = tf
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(snapshot.Timeframes) == 0 {
		return nil, fmt.Errorf("features: no timeframe data available for %s", b.pair.WS)
	}

	snapshot.HTFAnchors = b.buildAnchors(ctx, snapshot)
	snapshot.Orderbook = b.buildOrderbook()
	snapshot.Confluence = scoreConfluence(snapshot)
	snapshot.Regime = classifyRegime(snapshot)
	snapshot.Liquidity = classifyLiquidity(snapshot)
	return snapshot, nil
}

// buildAnchors derives previous day/week levels from short daily and weekly
// histories, with distances measured from the 15m close in daily-ATR units.
func (b *Builder) buildAnchors(ctx context.Context, snapshot *Snapshot) *Anchors {
	daily, err := b.history.RecentOHLC(ctx, b.pair.REST, 1440, 5)
	if err != nil || len(daily) < 2 {
		if err != nil {
			logx.Slowf("features: daily anchors fetch failed: %v", err)
		}
		return nil
	}
	weekly, err := b.history.RecentOHLC(ctx, b.pair.REST, 10080, 5)
	if err != nil {
		logx.Slowf("features: weekly anchors fetch failed: %v", err)
	}

	prevDay := daily[len(daily)-2]
	today := daily[len(daily)-1]
	anchors := &Anchors{
		PrevDayHigh: prevDay.High,
		PrevDayLow:  prevDay.Low,
		DailyOpen:   today.Open,
	}
	if len(weekly) >= 2 {
		prevWeek := weekly[len(weekly)-2]
		anchors.PrevWeekHigh = prevWeek.High
		anchors.PrevWeekLow = prevWeek.Low
	}

	tf15 := snapshot.TF("15m")
	tfDaily := snapshot.TF("1d")
	if tf15 == nil || tfDaily == nil || tfDaily.ATR14 == nil || *tfDaily.ATR14 <= 0 {
		return anchors
	}
	atr := *tfDaily.ATR14
	closePx := tf15.Close
	anchors.DistPrevDayHighATR = finite((anchors.PrevDayHigh - closePx) / atr)
	anchors.DistPrevDayLowATR = finite((closePx - anchors.PrevDayLow) / atr)
	if anchors.PrevWeekHigh > 0 {
		anchors.DistPrevWeekHighATR = finite((anchors.PrevWeekHigh - closePx) / atr)
		anchors.DistPrevWeekLowATR = finite((closePx - anchors.PrevWeekLow) / atr)
	}
	anchors.DistDailyOpenATR = finite((closePx - anchors.DailyOpen) / atr)
	return anchors
}

// buildOrderbook summarises the live book. It returns nil until the book has
// seen data; after that each field stays nil when it cannot be computed
// (spread and slippage need both sides, a top price needs its own side).
func (b *Builder) buildOrderbook() *OrderbookFeatures {
	if b.book == nil || !b.book.HasData() {
		return nil
	}
	ob := &OrderbookFeatures{}
	if imbalance, ok := b.book.Imbalance(); ok {
		ob.Imbalance = &imbalance
	}
	if spread, ok := b.book.SpreadBps(); ok {
		ob.SpreadBps = &spread
	}
	if slippage, ok := b.book.SlippageBps(b.slippageNotional); ok {
		ob.SlippageBps = &slippage
	}
	if bid, ok := b.book.BestBid(); ok {
		ob.TopBid = &bid.Price
	}
	if ask, ok := b.book.BestAsk(); ok {
		ob.TopAsk = &ask.Price
	}
	return ob
}
