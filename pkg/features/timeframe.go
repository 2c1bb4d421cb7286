package features

import (
	"math"

	"krakenbot/pkg/indicators"
	"krakenbot/pkg/kraken"
)

// computeTimeframe turns a candle history into the per-interval feature
// record. Indicators whose windows exceed the history come back nil.
func computeTimeframe(candles []kraken.Candle) *TimeframeFeatures {
	if len(candles) == 0 {
		return nil
	}

	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	bars := make([]indicators.Bar, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
		bars[i] = indicators.Bar{High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
	}
	last := candles[n-1]

	tf := &TimeframeFeatures{
		Close:  last.Close,
		Open:   last.Open,
		High:   last.High,
		Low:    last.Low,
		Volume: last.Volume,
	}

	sma20 := indicators.SMA(closes, 20)
	sma50 := indicators.SMA(closes, 50)
	sma200 := indicators.SMA(closes, 200)
	tf.SMA20 = finite(lastOf(sma20))
	tf.SMA50 = finite(lastOf(sma50))
	tf.SMA200 = finite(lastOf(sma200))
	tf.MAStack = maStack(tf.SMA20, tf.SMA50, tf.SMA200)

	tf.PriceZ20 = indicators.ZScore(last.Close, tail(closes, 20))

	vwap := indicators.VWAP(bars, 20)
	tf.VWAP20 = finite(lastOf(vwap))
	tf.VWAPZ = indicators.ZScore(last.Close, typicalTail(bars, 20))

	atrSeries := indicators.ATR(bars, 14)
	atr := lastOf(atrSeries)
	tf.ATR14 = finite(atr)
	if !math.IsNaN(atr) && last.Close != 0 {
		tf.ATRPct = atr / last.Close
	}
	if window := finiteTail(atrSeries, 90); len(window) > 0 && !math.IsNaN(atr) {
		tf.ATRPercentile = finite(indicators.PercentileRank(atr, window))
	}

	tr := indicators.TrueRange(bars)
	if len(tr) >= 1 {
		median := indicators.Median(tail(tr, 20))
		if median > 0 {
			tf.RangeRatio = finite(tr[len(tr)-1] / median)
		}
	}

	rsi := indicators.RSI(closes, 14)
	tf.RSI14 = finite(lastOf(rsi))
	if len(rsi) >= 2 && !math.IsNaN(rsi[len(rsi)-1]) && !math.IsNaN(rsi[len(rsi)-2]) {
		tf.RSISlope = rsi[len(rsi)-1] - rsi[len(rsi)-2]
	}

	macd, signal, hist := indicators.MACD(closes)
	tf.MACD = finite(lastOf(macd))
	tf.MACDSignal = finite(lastOf(signal))
	tf.MACDHist = finite(lastOf(hist))
	if len(hist) >= 2 && !math.IsNaN(hist[len(hist)-2]) {
		tf.MACDHistPrev = finite(hist[len(hist)-2])
	}
	if tf.MACDHist != nil && tf.MACDHistPrev != nil {
		tf.MACDSlope = *tf.MACDHist - *tf.MACDHistPrev
	}

	tf.VolumeZ20 = indicators.ZScore(last.Volume, tail(volumes, 20))

	obv := indicators.OBV(closes, volumes)
	if len(obv) > 5 {
		tf.OBVDirection = sign(obv[len(obv)-1] - obv[len(obv)-6])
	}

	tf.Swing = computeSwing(candles, atr)
	tf.Flags = computeFlags(bars, tr, atr)

	start := n - 3
	if start < 0 {
		start = 0
	}
	for _, c := range candles[start:] {
		tf.Last3Bars = append(tf.Last3Bars, BarSummary{
			Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
		})
	}
	return tf
}

// maStack classifies SMA ordering, falling back to the two shorter averages
// when the 200 window is not yet defined.
func maStack(sma20, sma50, sma200 *float64) MAStack {
	switch {
	case sma20 != nil && sma50 != nil && sma200 != nil:
		if *sma20 > *sma50 && *sma50 > *sma200 {
			return MAStackBull
		}
		if *sma20 < *sma50 && *sma50 < *sma200 {
			return MAStackBear
		}
		return MAStackNeutral
	case sma20 != nil && sma50 != nil:
		if *sma20 > *sma50 {
			return MAStackBull
		}
		if *sma20 < *sma50 {
			return MAStackBear
		}
		return MAStackNeutral
	default:
		return MAStackNeutral
	}
}

func computeSwing(candles []kraken.Candle, atr float64) Swing {
	var s Swing
	n := len(candles)
	last := candles[n-1]

	if !math.IsNaN(atr) && atr > 0 {
		start := n - 50
		if start < 0 {
			start = 0
		}
		maxHigh := candles[start].High
		minLow := candles[start].Low
		for _, c := range candles[start:] {
			if c.High > maxHigh {
				maxHigh = c.High
			}
			if c.Low < minLow {
				minLow = c.Low
			}
		}
		s.ToLastHighATR = (maxHigh - last.Close) / atr
		s.ToLastLowATR = (last.Close - minLow) / atr
	}

	barRange := last.High - last.Low
	if barRange > 0 {
		bodyHigh := math.Max(last.Open, last.Close)
		bodyLow := math.Min(last.Open, last.Close)
		s.UpperWickPct = math.Max(0, last.High-bodyHigh) / barRange
		s.LowerWickPct = math.Max(0, bodyLow-last.Low) / barRange
	}
	return s
}

func computeFlags(bars []indicators.Bar, tr []float64, atr float64) Flags {
	var f Flags
	n := len(bars)
	if n < 2 || math.IsNaN(atr) || atr <= 0 {
		return f
	}

	f.Breakout = tr[n-1] > 0.6*atr && tr[n-2] < 0.4*atr

	prev, cur := bars[n-2], bars[n-1]
	sweptHigh := cur.High > prev.High+0.5*atr && cur.Close < prev.High
	sweptLow := cur.Low < prev.Low-0.5*atr && cur.Close > prev.Low
	f.LiquiditySweep = sweptHigh || sweptLow
	return f
}

func lastOf(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func tail(series []float64, n int) []float64 {
	if len(series) <= n {
		return series
	}
	return series[len(series)-n:]
}

func finiteTail(series []float64, n int) []float64 {
	window := tail(series, n)
	out := make([]float64, 0, len(window))
	for _, v := range window {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func typicalTail(bars []indicators.Bar, n int) []float64 {
	start := len(bars) - n
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, len(bars)-start)
	for _, b := range bars[start:] {
		out = append(out, (b.High+b.Low+b.Close)/3)
	}
	return out
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
