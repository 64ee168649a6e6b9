// Package pattern tags candlestick formations on recent klines. The tag
// is attached to trade-history rows as market context; it never gates an
// entry.
package pattern

import (
	"math"

	"futures-core/pkg/exchanges/binance/futures"
)

// Pattern names a detected candlestick formation.
type Pattern string

const (
	None            Pattern = ""
	Doji            Pattern = "doji"
	Hammer          Pattern = "hammer"
	ShootingStar    Pattern = "shooting_star"
	BullishEngulf   Pattern = "bullish_engulfing"
	BearishEngulf   Pattern = "bearish_engulfing"
	BullishMarubozu Pattern = "bullish_marubozu"
	BearishMarubozu Pattern = "bearish_marubozu"
)

const (
	dojiBodyRatio     = 0.1 // body vs full range
	marubozuBodyRatio = 0.9
	shadowBodyRatio   = 2.0 // wick at least twice the body
)

type candle struct {
	open, high, low, close float64
}

func (c candle) body() float64      { return math.Abs(c.close - c.open) }
func (c candle) spread() float64    { return c.high - c.low }
func (c candle) bullish() bool      { return c.close > c.open }
func (c candle) upperWick() float64 { return c.high - math.Max(c.open, c.close) }
func (c candle) lowerWick() float64 { return math.Min(c.open, c.close) - c.low }

func fromKline(k futures.Kline) candle {
	return candle{open: k.Open, high: k.High, low: k.Low, close: k.Close}
}

// Detect classifies the latest closed candle in klines, using its
// predecessor for the engulfing patterns. Ambiguous shapes return None.
func Detect(klines []futures.Kline) Pattern {
	if len(klines) == 0 {
		return None
	}
	cur := fromKline(klines[len(klines)-1])
	if cur.spread() == 0 {
		return None
	}

	if len(klines) >= 2 {
		prev := fromKline(klines[len(klines)-2])
		if p := detectEngulfing(prev, cur); p != None {
			return p
		}
	}

	bodyRatio := cur.body() / cur.spread()
	switch {
	case bodyRatio <= dojiBodyRatio:
		return Doji
	case bodyRatio >= marubozuBodyRatio:
		if cur.bullish() {
			return BullishMarubozu
		}
		return BearishMarubozu
	}

	if cur.body() > 0 {
		if cur.lowerWick() >= shadowBodyRatio*cur.body() && cur.upperWick() <= cur.body() {
			return Hammer
		}
		if cur.upperWick() >= shadowBodyRatio*cur.body() && cur.lowerWick() <= cur.body() {
			return ShootingStar
		}
	}
	return None
}

func detectEngulfing(prev, cur candle) Pattern {
	if prev.body() == 0 || cur.body() == 0 {
		return None
	}
	if cur.bullish() && !prev.bullish() &&
		cur.open <= prev.close && cur.close >= prev.open {
		return BullishEngulf
	}
	if !cur.bullish() && prev.bullish() &&
		cur.open >= prev.close && cur.close <= prev.open {
		return BearishEngulf
	}
	return None
}
