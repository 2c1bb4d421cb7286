package features

import "fmt"

// scoreConfluence aggregates directional signals from the 5m/15m/1h records
// into a signed integer score with a component tag per contribution. The
// score is a pure function of the timeframe features.
func scoreConfluence(snapshot *Snapshot) Confluence {
	c := Confluence{Components: []string{}}

	if tf := snapshot.TF("15m"); tf != nil {
		switch tf.MAStack {
		case MAStackBull:
			c.add(2, "15m-ma-stack-bull")
		case MAStackBear:
			c.add(-2, "15m-ma-stack-bear")
		}
		if tf.MACDHist != nil {
			if *tf.MACDHist > 0 {
				c.add(1, "15m-macd-hist-positive")
			} else if *tf.MACDHist < 0 {
				c.add(-1, "15m-macd-hist-negative")
			}
		}
		if tf.RSI14 != nil {
			if *tf.RSI14 > 55 {
				c.add(1, "15m-rsi-strong")
			} else if *tf.RSI14 < 45 {
				c.add(-1, "15m-rsi-weak")
			}
		}
	}

	if tf := snapshot.TF("5m"); tf != nil {
		if tf.PriceZ20 > 1.2 {
			c.add(1, "5m-price-z-high")
		} else if tf.PriceZ20 < -1.2 {
			c.add(-1, "5m-price-z-low")
		}
		if tf.VolumeZ20 > 1.5 {
			c.add(1, "5m-volume-surge")
		}
	}

	if tf := snapshot.TF("1h"); tf != nil {
		switch tf.MAStack {
		case MAStackBull:
			c.add(1, "1h-ma-stack-bull")
		case MAStackBear:
			c.add(-1, "1h-ma-stack-bear")
		}
	}
	return c
}

func (c *Confluence) add(points int, tag string) {
	c.Score += points
	c.Components = append(c.Components, fmt.Sprintf("%s(%+d)", tag, points))
}

// classifyRegime labels trend, volatility and momentum from the 5m/15m/1h
// records.
func classifyRegime(snapshot *Snapshot) Regime {
	r := Regime{Trend: "neutral", Volatility: "unknown", Momentum: "neutral"}

	var stacks []MAStack
	if tf := snapshot.TF("15m"); tf != nil {
		stacks = append(stacks, tf.MAStack)
	}
	if tf := snapshot.TF("1h"); tf != nil {
		stacks = append(stacks, tf.MAStack)
	}
	if len(stacks) > 0 {
		hasBull, hasBear := false, false
		for _, s := range stacks {
			hasBull = hasBull || s == MAStackBull
			hasBear = hasBear || s == MAStackBear
		}
		switch {
		case hasBull && !hasBear:
			r.Trend = "bull"
		case hasBear && !hasBull:
			r.Trend = "bear"
		}
	}

	if tf := snapshot.TF("15m"); tf != nil && tf.ATRPercentile != nil {
		switch {
		case *tf.ATRPercentile > 70:
			r.Volatility = "high"
		case *tf.ATRPercentile < 30:
			r.Volatility = "low"
		default:
			r.Volatility = "normal"
		}
	}

	tf5, tf15 := snapshot.TF("5m"), snapshot.TF("15m")
	if tf5 != nil && tf15 != nil && tf5.MACDHist != nil && tf15.MACDHist != nil {
		h5, h15 := *tf5.MACDHist, *tf15.MACDHist
		switch {
		case h5 > 0 && h15 > 0:
			r.Momentum = "positive"
		case h5*h15 < 0:
			r.Momentum = "mixed"
		}
	}
	return r
}

// classifyLiquidity flags interactions between the 15m candle and the daily
// anchor levels, measured in 15m-ATR units.
func classifyLiquidity(snapshot *Snapshot) Liquidity {
	var l Liquidity
	tf := snapshot.TF("15m")
	anchors := snapshot.HTFAnchors
	if tf == nil || anchors == nil || tf.ATR14 == nil || *tf.ATR14 <= 0 {
		return l
	}
	atr := *tf.ATR14

	if anchors.PrevDayLow > 0 {
		l.SweepLow = tf.Low < anchors.PrevDayLow-0.6*atr && tf.Close > anchors.PrevDayLow
		l.BreakAndHoldLow = tf.Close < anchors.PrevDayLow-0.3*atr
	}
	if anchors.PrevDayHigh > 0 {
		l.SweepHigh = tf.High > anchors.PrevDayHigh+0.6*atr && tf.Close < anchors.PrevDayHigh
		l.BreakAndHoldHigh = tf.Close > anchors.PrevDayHigh+0.3*atr
	}
	return l
}
