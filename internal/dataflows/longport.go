package dataflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lpconfig "github.com/longportapp/openapi-go/config"
	"github.com/longportapp/openapi-go/quote"
	"github.com/shopspring/decimal"

	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

var errNoLongportCredentials = errors.New("longport API credentials not configured")

// quoteAPI is the part of the LongPort quote context the adapter calls.
type quoteAPI interface {
	Candlesticks(ctx context.Context, symbol string, period quote.Period, count int32, adjustType quote.AdjustType) ([]*quote.Candlestick, error)
	StaticInfo(ctx context.Context, symbols []string) ([]*quote.StaticInfo, error)
}

// Longport ingests daily candlesticks and static instrument info from the
// LongPort OpenAPI. The quote connection is opened on first use.
type Longport struct {
	creds Credentials
	count int32

	mu     sync.Mutex
	quotes quoteAPI
	now    func() time.Time
}

func NewLongport(cfg provider.SourceConfig, creds Credentials) (*Longport, error) {
	if creds.LongportAppKey == "" || creds.LongportAppSecret == "" || creds.LongportAccessToken == "" {
		return nil, errNoLongportCredentials
	}
	return &Longport{
		creds: creds,
		count: int32(extraInt(cfg, "candles", 30)),
		now:   time.Now,
	}, nil
}

func (l *Longport) DefaultSymbols() []string {
	return []string{"AAPL.US", "TSLA.US", "700.HK", "9988.HK"}
}

func (l *Longport) quoteContext() (quoteAPI, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quotes != nil {
		return l.quotes, nil
	}
	conf, err := lpconfig.New(lpconfig.WithConfigKey(l.creds.LongportAppKey, l.creds.LongportAppSecret, l.creds.LongportAccessToken))
	if err != nil {
		return nil, fmt.Errorf("longport config: %w", err)
	}
	qc, err := quote.NewFromCfg(conf)
	if err != nil {
		return nil, provider.Retryable(fmt.Errorf("longport quote context: %w", err))
	}
	l.quotes = qc
	return qc, nil
}

func (l *Longport) Ingest(ctx context.Context, call provider.Call) (*provider.Result, error) {
	qc, err := l.quoteContext()
	if err != nil {
		return nil, err
	}
	now := l.now()
	res := provider.NewResult(call.Source.ID, now)

	count := l.count
	if call.Options.Limit > 0 {
		count = int32(call.Options.Limit)
	}

	var symbols []string
	for _, symbol := range call.Options.Symbols {
		if err := ValidateSymbol(symbol); err != nil {
			res.AddError(symbol, err)
			continue
		}
		symbol = NormalizeSymbol(symbol)
		symbols = append(symbols, symbol)

		sticks, err := qc.Candlesticks(ctx, symbol, quote.PeriodDay, count, quote.AdjustTypeNo)
		if err != nil {
			return nil, provider.Retryable(fmt.Errorf("longport candlesticks %s: %w", symbol, err))
		}
		for _, s := range sticks {
			day := time.Unix(s.Timestamp, 0)
			if !call.Options.Since.IsZero() && day.Before(call.Options.Since) {
				continue
			}
			closePx := dec(s.Close)
			res.Prices = append(res.Prices, models.PriceBar{
				Source:   call.Source.ID,
				Symbol:   symbol,
				Date:     models.DayKey(day),
				Open:     dec(s.Open),
				High:     dec(s.High),
				Low:      dec(s.Low),
				Close:    closePx,
				AdjClose: closePx,
				Volume:   s.Volume,
			})
		}
	}
	if len(symbols) == 0 {
		res.FinishedAt = l.now()
		return res, nil
	}

	infos, err := qc.StaticInfo(ctx, symbols)
	if err != nil {
		call.Logger.Warn().Err(err).Msg("longport static info failed")
	}
	asOf := models.DayKey(now)
	for _, info := range infos {
		if info == nil {
			continue
		}
		payload, err := json.Marshal(info)
		if err != nil {
			continue
		}
		res.ProviderData = append(res.ProviderData, models.ProviderData{
			Source:  call.Source.ID,
			Symbol:  info.Symbol,
			Kind:    "static_info",
			AsOf:    asOf,
			Payload: payload,
		})
	}
	res.FinishedAt = l.now()
	return res, nil
}

func dec(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
