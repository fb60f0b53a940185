package dataflows

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

const finnhubBaseURL = "https://finnhub.io/api/v1"

// errNoAPIKey is permanent: retrying cannot fix a missing key.
var errNoAPIKey = errors.New("finnhub api key not configured")

// FinnhubNews is one item of the company-news endpoint.
type FinnhubNews struct {
	Category string `json:"category"`
	DateTime int64  `json:"datetime"`
	Headline string `json:"headline"`
	ID       int64  `json:"id"`
	Image    string `json:"image"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// Finnhub ingests company news from finnhub.io.
type Finnhub struct {
	client       *resty.Client
	lookbackDays int
	now          func() time.Time
}

func NewFinnhub(cfg provider.SourceConfig) *Finnhub {
	return &Finnhub{
		client:       newHTTPClient(extraString(cfg, "baseUrl", finnhubBaseURL), 30*time.Second),
		lookbackDays: extraInt(cfg, "lookbackDays", 7),
		now:          time.Now,
	}
}

func (f *Finnhub) Ingest(ctx context.Context, call provider.Call) (*provider.Result, error) {
	if call.APIKey == "" {
		return nil, errNoAPIKey
	}
	now := f.now()
	from := lookback(call.Options, now, f.lookbackDays)
	res := provider.NewResult(call.Source.ID, now)

	for _, symbol := range call.Options.Symbols {
		if err := ValidateSymbol(symbol); err != nil {
			res.AddError(symbol, err)
			continue
		}
		symbol = NormalizeSymbol(symbol)

		var items []FinnhubNews
		resp, err := f.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol": symbol,
				"from":   from.Format(models.DateLayout),
				"to":     now.Format(models.DateLayout),
				"token":  call.APIKey,
			}).
			SetResult(&items).
			Get("/company-news")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}

		if call.Options.Limit > 0 && len(items) > call.Options.Limit {
			items = items[:call.Options.Limit]
		}
		for _, it := range items {
			id := strconv.FormatInt(it.ID, 10)
			if it.ID == 0 {
				id = stableID(it.URL, it.Headline)
			}
			res.News = append(res.News, models.NewsItem{
				Source:      call.Source.ID,
				Symbol:      symbol,
				ID:          id,
				Title:       it.Headline,
				URL:         it.URL,
				Summary:     it.Summary,
				Publisher:   it.Source,
				PublishedAt: time.Unix(it.DateTime, 0).UTC(),
			})
		}
		call.Logger.Debug().Str("symbol", symbol).Int("articles", len(items)).Msg("finnhub news fetched")
	}
	res.FinishedAt = f.now()
	return res, nil
}
