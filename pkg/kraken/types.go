package kraken

import (
	"github.com/shopspring/decimal"
)

// Candle is one OHLC bar. Time is unix seconds of the interval begin; the
// last candle of a stream is provisional and updated tick by tick.
type Candle struct {
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	VWAP   float64
	Volume float64
	Trades int
}

// PairMetadata describes precision and minimum-size rules for one tradable
// pair. All submitted prices and volumes must be rounded to the declared
// decimals before transmission.
type PairMetadata struct {
	Altname        string
	WSName         string
	Base           string
	Quote          string
	PriceDecimals  int32
	VolumeDecimals int32
	OrderMin       float64 // minimum order volume in base units
	CostMin        float64 // minimum order cost in quote units
}

// RoundPrice rounds a price to the pair's price precision.
func (m *PairMetadata) RoundPrice(price float64) float64 {
	f, _ := decimal.NewFromFloat(price).Round(m.PriceDecimals).Float64()
	return f
}

// RoundVolume rounds a volume down to the pair's volume precision so an
// order never exceeds the intended notional.
func (m *PairMetadata) RoundVolume(volume float64) float64 {
	f, _ := decimal.NewFromFloat(volume).RoundDown(m.VolumeDecimals).Float64()
	return f
}

// FormatPrice renders a price rounded to the pair's precision.
func (m *PairMetadata) FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).Round(m.PriceDecimals).StringFixed(m.PriceDecimals)
}

// FormatVolume renders a volume rounded down to the pair's precision.
func (m *PairMetadata) FormatVolume(volume float64) string {
	return decimal.NewFromFloat(volume).RoundDown(m.VolumeDecimals).StringFixed(m.VolumeDecimals)
}

// Ticker is the subset of ticker data the bot consumes.
type Ticker struct {
	Ask  float64
	Bid  float64
	Last float64
}

// OrderRequest is a normalized AddOrder payload. Numeric fields are carried
// as strings because the exchange expects decimal strings.
type OrderRequest struct {
	Pair      string // REST pair name
	Side      string // "buy" or "sell"
	OrderType string // "market" or "limit"
	Volume    string
	Price     string // required for limit orders
	UserRef   int32
	Validate  bool // when true the exchange only validates the order
}

// AddOrderResponse is the result of a successful order submission.
type AddOrderResponse struct {
	Description string
	TxIDs       []string
}

// OpenOrder is one entry from the OpenOrders endpoint.
type OpenOrder struct {
	TxID      string
	Pair      string
	Side      string
	OrderType string
	Price     float64
	Volume    float64
	VolumeExe float64
	Status    string
	OpenedAt  float64
}

// ClosedOrder is one entry from the ClosedOrders endpoint.
type ClosedOrder struct {
	TxID     string
	Pair     string
	Side     string
	Status   string
	Price    float64
	Volume   float64
	Cost     float64
	Fee      float64
	ClosedAt float64
}

// Execution is a private-channel fill notification. Only exec_type "trade"
// entries are dispatched to handlers.
type Execution struct {
	OrderID   string
	ExecID    string
	Symbol    string
	Side      string // "buy" or "sell"
	ExecType  string
	Price     float64
	Qty       float64
	Fee       float64
	OrderQty  float64
	CumQty    float64
	TimeMs    int64
	OrderUser int32
}

// BookDelta carries one book frame (snapshot or update) off the wire.
type BookDelta struct {
	Symbol   string
	Type     string // "snapshot" or "update"
	Bids     []BookDeltaLevel
	Asks     []BookDeltaLevel
	Checksum uint32
}

// BookDeltaLevel is one price level in a book frame.
type BookDeltaLevel struct {
	Price float64
	Qty   float64
}

// OHLCUpdate is one candle payload from the ohlc channel.
type OHLCUpdate struct {
	Symbol   string
	Interval int
	Candle   Candle
}
