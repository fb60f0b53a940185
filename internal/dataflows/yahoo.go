package dataflows

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"

	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

var yahooDefaultSymbols = []string{"SPY", "QQQ", "AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA"}

// chartFunc fetches daily bars for one symbol.
type chartFunc func(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error)

// Yahoo ingests daily price bars from Yahoo Finance.
type Yahoo struct {
	lookbackDays int
	indicators   bool
	fetch        chartFunc
	now          func() time.Time
}

func NewYahoo(cfg provider.SourceConfig) *Yahoo {
	return &Yahoo{
		lookbackDays: extraInt(cfg, "lookbackDays", 30),
		indicators:   extraBool(cfg, "indicators", true),
		fetch:        yahooChart,
		now:          time.Now,
	}
}

func (y *Yahoo) DefaultSymbols() []string {
	return append([]string(nil), yahooDefaultSymbols...)
}

func (y *Yahoo) Ingest(ctx context.Context, call provider.Call) (*provider.Result, error) {
	now := y.now()
	start := lookback(call.Options, now, y.lookbackDays)
	res := provider.NewResult(call.Source.ID, now)

	for _, symbol := range call.Options.Symbols {
		if err := ValidateSymbol(symbol); err != nil {
			res.AddError(symbol, err)
			continue
		}
		symbol = NormalizeSymbol(symbol)
		bars, err := y.fetch(ctx, symbol, start, now)
		if err != nil {
			return nil, err
		}
		if y.indicators {
			if d, ok := indicatorData(call.Source.ID, symbol, bars); ok {
				res.ProviderData = append(res.ProviderData, d)
			}
		}
		if call.Options.Limit > 0 && len(bars) > call.Options.Limit {
			bars = bars[len(bars)-call.Options.Limit:]
		}
		for i := range bars {
			bars[i].Source = call.Source.ID
		}
		res.Prices = append(res.Prices, bars...)
		call.Logger.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("yahoo chart fetched")
	}
	res.FinishedAt = y.now()
	return res, nil
}

func yahooChart(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	}
	iter := chart.Get(params)

	var bars []models.PriceBar
	for iter.Next() {
		bar := iter.Bar()
		bars = append(bars, models.PriceBar{
			Symbol:   symbol,
			Date:     models.DayKey(time.Unix(int64(bar.Timestamp), 0)),
			Open:     bar.Open,
			High:     bar.High,
			Low:      bar.Low,
			Close:    bar.Close,
			AdjClose: bar.AdjClose,
			Volume:   int64(bar.Volume),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, classifyYahoo(symbol, err)
	}
	return bars, nil
}

// classifyYahoo marks everything but unknown-symbol failures as retryable.
func classifyYahoo(symbol string, err error) error {
	msg := strings.ToLower(err.Error())
	wrapped := fmt.Errorf("yahoo chart %s: %w", symbol, err)
	if strings.Contains(msg, "not found") || strings.Contains(msg, "no data") || strings.Contains(msg, "delisted") {
		return wrapped
	}
	return provider.Retryable(wrapped)
}
