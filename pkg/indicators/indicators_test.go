package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	result := SMA(data, 3)
	require.Len(t, result, len(data))
	require.True(t, math.IsNaN(result[0]))
	require.True(t, math.IsNaN(result[1]))
	require.InDelta(t, 2.0, result[2], 1e-9)
	require.InDelta(t, 5.0, result[5], 1e-9)
}

func TestSMAShortSeries(t *testing.T) {
	result := SMA([]float64{1, 2}, 5)
	require.Len(t, result, 2)
	for _, v := range result {
		require.True(t, math.IsNaN(v))
	}
}

func TestEMA(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	result := EMA(data, 3)
	require.Len(t, result, len(data))
	require.True(t, math.IsNaN(result[0]))
	require.True(t, math.IsNaN(result[1]))
	require.InDelta(t, 2.0, result[2], 1e-9)
	require.InDelta(t, 3.0, result[3], 1e-9)
	require.InDelta(t, 4.0, result[4], 1e-9)
	require.InDelta(t, 5.0, result[5], 1e-9)
}

func TestMACD(t *testing.T) {
	closes := []float64{100, 101, 102, 103, 105, 107, 106, 108, 110, 111, 112, 115, 117, 119, 118, 120, 121, 123, 125, 124, 126, 127, 129, 130, 132, 133, 134, 135, 136, 138, 139, 141, 140, 142, 144, 143, 145, 147, 149, 148, 150, 151, 149, 148, 150, 152, 151, 153, 154, 156, 155, 157, 158, 160, 161, 159, 158, 157, 159, 160}
	macd, signal, hist := MACD(closes)
	require.Len(t, macd, len(closes))
	require.Len(t, signal, len(closes))
	require.Len(t, hist, len(closes))

	last := len(closes) - 1
	require.InDelta(t, 5.582947, macd[last], 1e-6)
	require.InDelta(t, 6.307087, signal[last], 1e-6)
	require.InDelta(t, -0.724141, hist[last], 1e-6)
}

func TestRSI(t *testing.T) {
	closes := []float64{100, 101, 102, 103, 105, 107, 106, 108, 110, 111, 112, 115, 117, 119, 118, 120, 121, 123, 125, 124, 126, 127, 129, 130, 132, 133, 134, 135, 136, 138, 139, 141, 140, 142, 144, 143, 145, 147, 149, 148, 150, 151, 149, 148, 150, 152, 151, 153, 154, 156, 155, 157, 158, 160, 161, 159, 158, 157, 159, 160}
	rsi := RSI(closes, 14)
	require.Len(t, rsi, len(closes))
	require.InDelta(t, 73.084185, rsi[len(rsi)-1], 1e-6)
}

func TestRSIShortSeries(t *testing.T) {
	rsi := RSI([]float64{100, 101, 102}, 14)
	require.Len(t, rsi, 3)
	for _, v := range rsi {
		require.True(t, math.IsNaN(v))
	}
}

func TestATRWilderSeed(t *testing.T) {
	bars := make([]Bar, 20)
	for i := range bars {
		close := 100.0 + float64(i)
		bars[i] = Bar{High: close + 1.5, Low: close - 1.5, Close: close}
	}
	atr := ATR(bars, 14)
	require.Len(t, atr, len(bars))
	require.True(t, math.IsNaN(atr[12]))
	require.False(t, math.IsNaN(atr[13]))

	// Constant-range bars: every true range is 3, so Wilder smoothing is flat.
	require.InDelta(t, 3.0, atr[13], 1e-9)
	require.InDelta(t, 3.0, atr[len(atr)-1], 1e-9)
}

func TestATRShortSeries(t *testing.T) {
	atr := ATR([]Bar{{High: 2, Low: 1, Close: 1.5}}, 14)
	require.Len(t, atr, 1)
	require.True(t, math.IsNaN(atr[0]))
}

func TestVWAP(t *testing.T) {
	bars := []Bar{
		{High: 11, Low: 9, Close: 10, Volume: 100},
		{High: 13, Low: 11, Close: 12, Volume: 200},
		{High: 15, Low: 13, Close: 14, Volume: 100},
	}
	result := VWAP(bars, 3)
	require.Len(t, result, 3)
	require.True(t, math.IsNaN(result[0]))
	// (10*100 + 12*200 + 14*100) / 400 = 12
	require.InDelta(t, 12.0, result[2], 1e-9)
}

func TestOBV(t *testing.T) {
	closes := []float64{10, 11, 10.5, 10.5, 12}
	volumes := []float64{100, 150, 50, 70, 200}
	obv := OBV(closes, volumes)
	require.Equal(t, []float64{0, 150, 100, 100, 300}, obv)
}

func TestZScore(t *testing.T) {
	window := []float64{1, 2, 3, 4, 5}
	z := ZScore(5, window)
	require.InDelta(t, 1.414213, z, 1e-5)

	require.Zero(t, ZScore(3, []float64{3, 3, 3}))
	require.Zero(t, ZScore(1, nil))
}

func TestMedian(t *testing.T) {
	require.InDelta(t, 3, Median([]float64{5, 1, 3}), 1e-9)
	require.InDelta(t, 2.5, Median([]float64{4, 1, 2, 3}), 1e-9)
	require.True(t, math.IsNaN(Median(nil)))
}

func TestPercentileRank(t *testing.T) {
	window := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.InDelta(t, 70, PercentileRank(7, window), 1e-9)
	require.InDelta(t, 100, PercentileRank(11, window), 1e-9)
	require.True(t, math.IsNaN(PercentileRank(1, nil)))
}

func TestLast(t *testing.T) {
	require.InDelta(t, 4, Last([]float64{1, 4, math.NaN()}), 1e-9)
	require.True(t, math.IsNaN(Last([]float64{math.NaN()})))
}
