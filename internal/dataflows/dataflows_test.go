package dataflows

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/longportapp/openapi-go/quote"
	"github.com/shopspring/decimal"

	"github.com/dyike/cortexfeed/internal/logging"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

func withBaseURL(id, url string) provider.SourceConfig {
	raw, _ := json.Marshal(url)
	return provider.SourceConfig{ID: id, Extra: map[string]json.RawMessage{"baseUrl": raw}}
}

func call(cfg provider.SourceConfig, key string, symbols ...string) provider.Call {
	return provider.Call{
		Source:  cfg,
		APIKey:  key,
		Options: provider.Options{Symbols: symbols},
		Logger:  logging.Nop(),
	}
}

func TestFinnhubCompanyNews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/company-news" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("token") != "secret" || r.URL.Query().Get("symbol") != "AAPL" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":42,"headline":"Apple ships","datetime":1714550400,"source":"Reuters","url":"https://x/1","summary":"s"}]`))
	}))
	defer srv.Close()

	cfg := withBaseURL("finnhub", srv.URL)
	res, err := NewFinnhub(cfg).Ingest(context.Background(), call(cfg, "secret", "aapl"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.News) != 1 {
		t.Fatalf("expected one article, got %d", len(res.News))
	}
	n := res.News[0]
	if n.ID != "42" || n.Symbol != "AAPL" || n.Publisher != "Reuters" || n.PublishedAt.Unix() != 1714550400 {
		t.Fatalf("unexpected item %+v", n)
	}
}

func TestFinnhubErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", status)
	}))
	defer srv.Close()

	cfg := withBaseURL("finnhub", srv.URL)
	a := NewFinnhub(cfg)
	if _, err := a.Ingest(context.Background(), call(cfg, "", "AAPL")); !errors.Is(err, errNoAPIKey) || provider.IsRetryable(err) {
		t.Fatalf("expected permanent missing-key error, got %v", err)
	}
	_, err := a.Ingest(context.Background(), call(cfg, "k", "AAPL"))
	if !provider.IsRetryable(err) {
		t.Fatalf("expected 429 to be retryable, got %v", err)
	}
	status = http.StatusForbidden
	_, err = a.Ingest(context.Background(), call(cfg, "k", "AAPL"))
	if err == nil || provider.IsRetryable(err) {
		t.Fatalf("expected 403 to be permanent, got %v", err)
	}
}

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>NVDA stock</title>
<item>
  <title>Nvidia beats estimates</title>
  <link>https://news.example.com/a</link>
  <guid>guid-a</guid>
  <pubDate>Wed, 01 May 2024 13:00:00 GMT</pubDate>
  <description>&lt;a href="https://news.example.com/a"&gt;Nvidia beats&lt;/a&gt;&amp;nbsp;&lt;font&gt;Example Wire&lt;/font&gt;</description>
  <source url="https://wire.example.com">Example Wire</source>
</item>
<item>
  <title>Chip rally</title>
  <link>https://news.example.com/b</link>
  <pubDate>bad date</pubDate>
  <source url="https://other.example.com"></source>
</item>
</channel></rss>`

func TestGoogleNewsRSS(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	cfg := withBaseURL("googlenews", srv.URL)
	a := NewGoogleNews(cfg)
	fixed := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	res, err := a.Ingest(context.Background(), call(cfg, "", "nvda"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if gotQuery != "NVDA stock" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(res.News) != 2 {
		t.Fatalf("expected 2 items, got %d", len(res.News))
	}
	first, second := res.News[0], res.News[1]
	if first.Publisher != "Example Wire" || first.Summary == "" || first.ID == "" {
		t.Fatalf("unexpected first item %+v", first)
	}
	if first.PublishedAt.Day() != 1 {
		t.Fatalf("expected pubDate to parse, got %v", first.PublishedAt)
	}
	if second.Publisher != "other.example.com" || !second.PublishedAt.Equal(fixed) {
		t.Fatalf("unexpected fallback fields %+v", second)
	}
	if first.ID == second.ID {
		t.Fatal("item ids must differ")
	}
}

func TestYahooUsesLookbackAndLimit(t *testing.T) {
	fixed := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	y := NewYahoo(provider.SourceConfig{ID: "yahoo"})
	y.now = func() time.Time { return fixed }
	var gotStart time.Time
	y.fetch = func(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error) {
		gotStart = start
		var bars []models.PriceBar
		for i := 0; i < 5; i++ {
			bars = append(bars, models.PriceBar{Symbol: symbol, Date: start.AddDate(0, 0, i).Format(models.DateLayout)})
		}
		return bars, nil
	}

	c := call(provider.SourceConfig{ID: "yahoo"}, "", "msft")
	c.Options.Limit = 2
	res, err := y.Ingest(context.Background(), c)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !gotStart.Equal(fixed.AddDate(0, 0, -30)) {
		t.Fatalf("unexpected start %v", gotStart)
	}
	if len(res.ProviderData) != 1 || res.ProviderData[0].Kind != IndicatorKind {
		t.Fatalf("expected indicator data, got %+v", res.ProviderData)
	}
	if len(res.Prices) != 2 || res.Prices[0].Source != "yahoo" {
		t.Fatalf("unexpected prices %+v", res.Prices)
	}
	if len(y.DefaultSymbols()) == 0 {
		t.Fatal("expected default symbols")
	}
}

func TestClassifyYahoo(t *testing.T) {
	if provider.IsRetryable(classifyYahoo("X", errors.New("No data found, symbol may be delisted"))) {
		t.Fatal("unknown symbol must be permanent")
	}
	if !provider.IsRetryable(classifyYahoo("X", errors.New("connection reset"))) {
		t.Fatal("transport errors must be retryable")
	}
}

type fakeQuotes struct {
	sticks map[string][]*quote.Candlestick
}

func (f *fakeQuotes) Candlesticks(ctx context.Context, symbol string, period quote.Period, count int32, adjust quote.AdjustType) ([]*quote.Candlestick, error) {
	s, ok := f.sticks[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return s, nil
}

func (f *fakeQuotes) StaticInfo(ctx context.Context, symbols []string) ([]*quote.StaticInfo, error) {
	out := make([]*quote.StaticInfo, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, &quote.StaticInfo{Symbol: s})
	}
	return out, nil
}

func TestLongportCandlesAndStaticInfo(t *testing.T) {
	if _, err := NewLongport(provider.SourceConfig{ID: "longport"}, Credentials{}); !errors.Is(err, errNoLongportCredentials) {
		t.Fatalf("expected credentials error, got %v", err)
	}

	lp, err := NewLongport(provider.SourceConfig{ID: "longport"}, Credentials{"k", "s", "t"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	px := decimal.RequireFromString("381.5")
	lp.quotes = &fakeQuotes{sticks: map[string][]*quote.Candlestick{
		"700.HK": {{Open: &px, High: &px, Low: &px, Close: &px, Volume: 1000, Timestamp: 1714550400}},
	}}

	res, err := lp.Ingest(context.Background(), call(provider.SourceConfig{ID: "longport"}, "", "700.hk"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Prices) != 1 || !res.Prices[0].Close.Equal(px) || res.Prices[0].Date != "2024-05-01" {
		t.Fatalf("unexpected prices %+v", res.Prices)
	}
	if len(res.ProviderData) != 1 || res.ProviderData[0].Kind != "static_info" {
		t.Fatalf("unexpected provider data %+v", res.ProviderData)
	}

	_, err = lp.Ingest(context.Background(), call(provider.SourceConfig{ID: "longport"}, "", "9988.HK"))
	if !provider.IsRetryable(err) {
		t.Fatalf("expected retryable candlestick failure, got %v", err)
	}
}

func TestCatalogIDs(t *testing.T) {
	c := Catalog(Credentials{})
	for _, id := range []string{"yahoo", "finnhub", "googlenews", "reddit", "longport"} {
		if _, ok := c[id]; !ok {
			t.Fatalf("catalog missing %s", id)
		}
	}
}
