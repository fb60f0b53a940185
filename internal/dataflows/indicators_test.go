package dataflows

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dyike/cortexfeed/internal/models"
)

func series(closes ...float64) []models.PriceBar {
	bars := make([]models.PriceBar, len(closes))
	for i, c := range closes {
		px := decimal.NewFromFloat(c)
		bars[i] = models.PriceBar{
			Symbol: "X",
			Date:   "2024-01-" + string(rune('A'+i%26)),
			Open:   px,
			High:   px.Add(decimal.NewFromInt(1)),
			Low:    px.Sub(decimal.NewFromInt(1)),
			Close:  px,
		}
	}
	return bars
}

func TestSMAAndEMA(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	got := sma(vals, 3)
	want := []float64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sma = %v, want %v", got, want)
		}
	}
	e := ema(vals, 3)
	if len(e) != 3 || e[0] != 2 {
		t.Fatalf("ema must be seeded with the sma, got %v", e)
	}
	if sma(vals, 6) != nil {
		t.Fatal("short series must yield nil")
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = float64(i + 1)
	}
	if v := rsi(up, 14); v == nil || *v != 100 {
		t.Fatalf("monotonic gains must give RSI 100, got %v", v)
	}
	down := make([]float64, 20)
	for i := range down {
		down[i] = float64(100 - i)
	}
	if v := rsi(down, 14); v == nil || math.Abs(*v) > 1e-9 {
		t.Fatalf("monotonic losses must give RSI 0, got %v", v)
	}
}

func TestComputeIndicatorsPartialSeries(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i%5)
	}
	ind, ok := ComputeIndicators(series(closes...))
	if !ok {
		t.Fatal("expected indicators")
	}
	if ind.SMA10 == nil || ind.RSI14 == nil || ind.BollUpper == nil || ind.ATR14 == nil || ind.MACD == nil {
		t.Fatalf("expected short-window indicators, got %+v", ind)
	}
	if ind.SMA50 != nil {
		t.Fatal("sma_50 needs 50 bars")
	}
	if *ind.BollUpper < *ind.BollMiddle || *ind.BollLower > *ind.BollMiddle {
		t.Fatalf("bollinger bands out of order: %+v", ind)
	}

	d, ok := indicatorData("yahoo", "X", series(closes...))
	if !ok || d.Kind != IndicatorKind {
		t.Fatalf("unexpected provider data %+v", d)
	}
	var decoded map[string]any
	if err := json.Unmarshal(d.Payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if _, present := decoded["sma_50"]; present {
		t.Fatal("missing indicators must be omitted")
	}
}
