package book

import (
	"math"
	"sort"
	"strconv"
	"sync"
)

// Level is a single price level on one side of the book.
type Level struct {
	Price float64
	Qty   float64
}

// PriceKey renders a price as a fixed-precision string so map keys never
// collide on float formatting.
func PriceKey(price float64) string {
	return strconv.FormatFloat(price, 'f', 12, 64)
}

// Book maintains the local L2 state for one symbol. A snapshot replaces both
// sides; updates apply per-level deltas where qty <= 0 removes the level.
type Book struct {
	mu        sync.RWMutex
	symbol    string
	bids      map[string]Level
	asks      map[string]Level
	lastPrice float64
	checksum  uint32
	hasData   bool
}

// New constructs an empty book for the given symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[string]Level),
		asks:   make(map[string]Level),
	}
}

// Symbol returns the symbol this book tracks.
func (b *Book) Symbol() string { return b.symbol }

// ApplySnapshot clears both sides and installs the provided levels.
func (b *Book) ApplySnapshot(bids, asks []Level, checksum uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]Level, len(bids))
	b.asks = make(map[string]Level, len(asks))
	for _, lvl := range bids {
		if lvl.Qty > 0 {
			b.bids[PriceKey(lvl.Price)] = lvl
		}
	}
	for _, lvl := range asks {
		if lvl.Qty > 0 {
			b.asks[PriceKey(lvl.Price)] = lvl
		}
	}
	b.checksum = checksum
	b.hasData = true
}

// ApplyUpdate applies per-level deltas to both sides.
func (b *Book) ApplyUpdate(bids, asks []Level, checksum uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	applySide(b.bids, bids)
	applySide(b.asks, asks)
	b.checksum = checksum
	b.hasData = true
}

func applySide(side map[string]Level, deltas []Level) {
	for _, lvl := range deltas {
		key := PriceKey(lvl.Price)
		if lvl.Qty <= 0 {
			delete(side, key)
			continue
		}
		side[key] = lvl
	}
}

// SetLastPrice records the most recent trade price.
func (b *Book) SetLastPrice(price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPrice = price
}

// LastPrice returns the most recent trade price, zero when unknown.
func (b *Book) LastPrice() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice
}

// Checksum returns the last checksum delivered by the exchange. It is
// carried through but not verified locally.
func (b *Book) Checksum() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checksum
}

// HasData reports whether the book has received at least one event.
func (b *Book) HasData() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hasData
}

// BestBid returns the highest bid, ok=false when the side is empty.
func (b *Book) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLevel(b.bids, func(a, c float64) bool { return a > c })
}

// BestAsk returns the lowest ask, ok=false when the side is empty.
func (b *Book) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLevel(b.asks, func(a, c float64) bool { return a < c })
}

func bestLevel(side map[string]Level, better func(a, c float64) bool) (Level, bool) {
	var best Level
	found := false
	for _, lvl := range side {
		if !found || better(lvl.Price, best.Price) {
			best = lvl
			found = true
		}
	}
	return best, found
}

// Mid returns the midpoint of best bid and ask, ok=false when either side is
// empty.
func (b *Book) Mid() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// SpreadBps returns the bid/ask spread in basis points of mid.
func (b *Book) SpreadBps() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	mid := (bid.Price + ask.Price) / 2
	if mid == 0 {
		return 0, false
	}
	return (ask.Price - bid.Price) / mid * 10000, true
}

// Imbalance returns (Σbid − Σask) / (Σbid + Σask) over resting quantities.
func (b *Book) Imbalance() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var bidQty, askQty float64
	for _, lvl := range b.bids {
		bidQty += lvl.Qty
	}
	for _, lvl := range b.asks {
		askQty += lvl.Qty
	}
	total := bidQty + askQty
	if total == 0 {
		return 0, false
	}
	return (bidQty - askQty) / total, true
}

// Bids returns bid levels sorted from best (highest) to worst.
func (b *Book) Bids() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	levels := collect(b.bids)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	return levels
}

// Asks returns ask levels sorted from best (lowest) to worst.
func (b *Book) Asks() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	levels := collect(b.asks)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels
}

func collect(side map[string]Level) []Level {
	levels := make([]Level, 0, len(side))
	for _, lvl := range side {
		levels = append(levels, lvl)
	}
	return levels
}

// SlippageBps estimates the average absolute deviation from mid, in basis
// points, incurred when consuming targetNotional quote units from each side
// of the book. Returns ok=false when the book cannot fill the target.
func (b *Book) SlippageBps(targetNotional float64) (float64, bool) {
	mid, ok := b.Mid()
	if !ok || mid == 0 || targetNotional <= 0 {
		return 0, false
	}

	buy, okBuy := walkSide(b.Asks(), targetNotional)
	sell, okSell := walkSide(b.Bids(), targetNotional)
	if !okBuy || !okSell {
		return 0, false
	}

	buyBps := math.Abs(buy-mid) / mid * 10000
	sellBps := math.Abs(sell-mid) / mid * 10000
	return (buyBps + sellBps) / 2, true
}

// walkSide consumes levels until notional quote units are filled and returns
// the volume-weighted fill price.
func walkSide(levels []Level, notional float64) (float64, bool) {
	remaining := notional
	var cost, qty float64
	for _, lvl := range levels {
		levelNotional := lvl.Price * lvl.Qty
		take := math.Min(levelNotional, remaining)
		if take <= 0 {
			continue
		}
		takeQty := take / lvl.Price
		cost += takeQty * lvl.Price
		qty += takeQty
		remaining -= take
		if remaining <= 1e-9 {
			break
		}
	}
	if remaining > 1e-9 || qty == 0 {
		return 0, false
	}
	return cost / qty, true
}
