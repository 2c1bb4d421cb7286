package kraken

import (
	"encoding/json"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// dispatchOHLC decodes candle payload items and fans them out to the handler
// registered under the matching (canonical symbol, interval) key.
func (s *wsSocket) dispatchOHLC(frame wsFrame) {
	var items []struct {
		Symbol        string  `json:"symbol"`
		Interval      int     `json:"interval"`
		Open          float64 `json:"open"`
		High          float64 `json:"high"`
		Low           float64 `json:"low"`
		Close         float64 `json:"close"`
		VWAP          float64 `json:"vwap"`
		Volume        float64 `json:"volume"`
		Trades        int     `json:"trades"`
		IntervalBegin string  `json:"interval_begin"`
		Timestamp     string  `json:"timestamp"`
	}
	if err := json.Unmarshal(frame.Data, &items); err != nil {
		logx.Errorf("kraken: decode ohlc frame: %v", err)
		return
	}

	for _, item := range items {
		key := subKey{Channel: "ohlc", Symbol: CanonicalSymbol(item.Symbol), Interval: item.Interval}
		s.mgr.mu.Lock()
		sub, ok := s.subs[key]
		s.mgr.mu.Unlock()
		if !ok || sub.ohlc == nil {
			continue
		}
		update := OHLCUpdate{
			Symbol:   item.Symbol,
			Interval: item.Interval,
			Candle: Candle{
				Time:   isoToUnixMs(item.IntervalBegin) / 1000,
				Open:   item.Open,
				High:   item.High,
				Low:    item.Low,
				Close:  item.Close,
				VWAP:   item.VWAP,
				Volume: item.Volume,
				Trades: item.Trades,
			},
		}
		safeDispatch("ohlc", func() { sub.ohlc(update) })
	}
}

// dispatchBook decodes snapshot/update frames for the book channel.
func (s *wsSocket) dispatchBook(frame wsFrame) {
	var items []struct {
		Symbol   string `json:"symbol"`
		Checksum uint32 `json:"checksum"`
		Bids     []struct {
			Price float64 `json:"price"`
			Qty   float64 `json:"qty"`
		} `json:"bids"`
		Asks []struct {
			Price float64 `json:"price"`
			Qty   float64 `json:"qty"`
		} `json:"asks"`
	}
	if err := json.Unmarshal(frame.Data, &items); err != nil {
		logx.Errorf("kraken: decode book frame: %v", err)
		return
	}

	for _, item := range items {
		key := subKey{Channel: "book", Symbol: CanonicalSymbol(item.Symbol)}
		s.mgr.mu.Lock()
		sub, ok := s.subs[key]
		s.mgr.mu.Unlock()
		if !ok || sub.book == nil {
			continue
		}
		delta := BookDelta{
			Symbol:   item.Symbol,
			Type:     frame.Type,
			Checksum: item.Checksum,
			Bids:     make([]BookDeltaLevel, 0, len(item.Bids)),
			Asks:     make([]BookDeltaLevel, 0, len(item.Asks)),
		}
		for _, lvl := range item.Bids {
			delta.Bids = append(delta.Bids, BookDeltaLevel{Price: lvl.Price, Qty: lvl.Qty})
		}
		for _, lvl := range item.Asks {
			delta.Asks = append(delta.Asks, BookDeltaLevel{Price: lvl.Price, Qty: lvl.Qty})
		}
		safeDispatch("book", func() { sub.book(delta) })
	}
}

// dispatchExecutions forwards entries whose exec_type is "trade". Fields
// arrive with venue-specific spellings, so items decode loosely.
func (s *wsSocket) dispatchExecutions(frame wsFrame) {
	var items []map[string]any
	if err := json.Unmarshal(frame.Data, &items); err != nil {
		logx.Errorf("kraken: decode executions frame: %v", err)
		return
	}

	key := subKey{Channel: "executions"}
	s.mgr.mu.Lock()
	sub, ok := s.subs[key]
	s.mgr.mu.Unlock()
	if !ok || sub.exec == nil {
		return
	}

	for _, item := range items {
		execType, _ := item["exec_type"].(string)
		if execType != "trade" {
			continue
		}
		exec := Execution{
			OrderID:  strField(item, "order_id"),
			ExecID:   strField(item, "exec_id"),
			Symbol:   strField(item, "symbol"),
			Side:     strField(item, "side"),
			ExecType: execType,
			Price:    firstFloat(item, "exec_price", "last_price"),
			Qty:      firstFloat(item, "exec_qty", "last_qty"),
			Fee:      firstFloat(item, "fee", "fee_usd_equiv"),
			OrderQty: firstFloat(item, "order_qty", "vol"),
			CumQty:   firstFloat(item, "cum_qty", "vol_exec"),
			TimeMs:   isoToUnixMs(strField(item, "timestamp")),
		}
		safeDispatch("executions", func() { sub.exec(exec) })
	}
}

// safeDispatch keeps handler panics out of the socket read loop.
func safeDispatch(channel string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logx.Errorf("kraken: %s handler panic: %v", channel, r)
		}
	}()
	fn()
}

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstFloat(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			f := toFloat(v)
			if f != 0 {
				return f
			}
			// Present but zero still counts as found.
			if _, isNum := v.(float64); isNum {
				return 0
			}
		}
	}
	return 0
}

// isoToUnixMs converts an RFC3339 timestamp to unix milliseconds, zero when
// unparseable.
func isoToUnixMs(ts string) int64 {
	if ts == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
