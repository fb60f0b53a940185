package dataflows

import (
	"encoding/json"
	"math"

	"github.com/dyike/cortexfeed/internal/models"
)

// IndicatorKind is the ProviderData kind of derived technical indicators.
const IndicatorKind = "indicators"

// Indicators is the latest value of each indicator for one symbol. A nil
// field means the series was too short.
type Indicators struct {
	Date       string   `json:"date"`
	Close      float64  `json:"close"`
	SMA10      *float64 `json:"sma_10,omitempty"`
	SMA50      *float64 `json:"sma_50,omitempty"`
	EMA10      *float64 `json:"ema_10,omitempty"`
	RSI14      *float64 `json:"rsi_14,omitempty"`
	MACD       *float64 `json:"macd,omitempty"`
	MACDSignal *float64 `json:"macd_signal,omitempty"`
	MACDHist   *float64 `json:"macd_hist,omitempty"`
	BollUpper  *float64 `json:"boll_ub,omitempty"`
	BollMiddle *float64 `json:"boll_mid,omitempty"`
	BollLower  *float64 `json:"boll_lb,omitempty"`
	ATR14      *float64 `json:"atr_14,omitempty"`
}

// ComputeIndicators derives indicator values from bars ordered oldest first.
func ComputeIndicators(bars []models.PriceBar) (Indicators, bool) {
	if len(bars) == 0 {
		return Indicators{}, false
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
	}
	last := bars[len(bars)-1]
	ind := Indicators{Date: last.Date, Close: closes[len(closes)-1]}

	ind.SMA10 = latest(sma(closes, 10))
	ind.SMA50 = latest(sma(closes, 50))
	ind.EMA10 = latest(ema(closes, 10))
	ind.RSI14 = rsi(closes, 14)

	fast, slow := ema(closes, 12), ema(closes, 26)
	if len(slow) > 0 {
		// Align the fast series to the slow one.
		macd := make([]float64, len(slow))
		offset := len(fast) - len(slow)
		for i := range slow {
			macd[i] = fast[i+offset] - slow[i]
		}
		ind.MACD = latest(macd)
		if signal := ema(macd, 9); len(signal) > 0 {
			ind.MACDSignal = latest(signal)
			hist := macd[len(macd)-1] - signal[len(signal)-1]
			ind.MACDHist = &hist
		}
	}

	if mid := sma(closes, 20); len(mid) > 0 {
		m := mid[len(mid)-1]
		sd := stddev(closes[len(closes)-20:], m)
		upper, lower := m+2*sd, m-2*sd
		ind.BollMiddle, ind.BollUpper, ind.BollLower = &m, &upper, &lower
	}
	ind.ATR14 = atr(bars, 14)
	return ind, true
}

// indicatorData wraps the indicators of one symbol as provider data.
func indicatorData(source, symbol string, bars []models.PriceBar) (models.ProviderData, bool) {
	ind, ok := ComputeIndicators(bars)
	if !ok {
		return models.ProviderData{}, false
	}
	payload, err := json.Marshal(ind)
	if err != nil {
		return models.ProviderData{}, false
	}
	return models.ProviderData{
		Source:  source,
		Symbol:  symbol,
		Kind:    IndicatorKind,
		AsOf:    ind.Date,
		Payload: payload,
	}, true
}

func sma(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)
	var window float64
	for i, v := range values {
		window += v
		if i >= period {
			window -= values[i-period]
		}
		if i >= period-1 {
			out = append(out, window/float64(period))
		}
	}
	return out
}

// ema is seeded with the SMA of the first period values.
func ema(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	prev := sum(values[:period]) / float64(period)
	out := []float64{prev}
	for _, v := range values[period:] {
		prev = v*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}

// rsi uses Wilder smoothing.
func rsi(values []float64, period int) *float64 {
	if len(values) < period+1 {
		return nil
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		if ch := values[i] - values[i-1]; ch > 0 {
			gain += ch
		} else {
			loss -= ch
		}
	}
	avgGain, avgLoss := gain/float64(period), loss/float64(period)
	for i := period + 1; i < len(values); i++ {
		ch := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if ch > 0 {
			g = ch
		} else {
			l = -ch
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	v := 100.0
	if avgLoss != 0 {
		v = 100 - 100/(1+avgGain/avgLoss)
	}
	return &v
}

func atr(bars []models.PriceBar, period int) *float64 {
	if len(bars) < period+1 {
		return nil
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high := bars[i].High.InexactFloat64()
		low := bars[i].Low.InexactFloat64()
		prevClose := bars[i-1].Close.InexactFloat64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trs = append(trs, tr)
	}
	v := sum(trs[:period]) / float64(period)
	for _, tr := range trs[period:] {
		v = (v*float64(period-1) + tr) / float64(period)
	}
	return &v
}

func stddev(values []float64, mean float64) float64 {
	var acc float64
	for _, v := range values {
		acc += (v - mean) * (v - mean)
	}
	return math.Sqrt(acc / float64(len(values)))
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func latest(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	v := values[len(values)-1]
	return &v
}
