package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-day key used for price bars.
const DateLayout = "2006-01-02"

// PriceBar is one daily OHLCV row. Rows are unique on (Source, Symbol, Date).
type PriceBar struct {
	Source   string          `json:"source"`
	Symbol   string          `json:"symbol"`
	Date     string          `json:"date"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	AdjClose decimal.Decimal `json:"adj_close"`
	Volume   int64           `json:"volume"`
}

// NewsItem is a news article or free-text document. Rows are unique on
// (Source, Symbol, ID).
type NewsItem struct {
	Source      string    `json:"source"`
	Symbol      string    `json:"symbol"`
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary,omitempty"`
	Content     string    `json:"content,omitempty"`
	Publisher   string    `json:"publisher,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Text is what gets embedded when the item is forwarded to the retrieval index.
func (n NewsItem) Text() string {
	switch {
	case n.Content != "":
		return n.Title + "\n\n" + n.Content
	case n.Summary != "":
		return n.Title + "\n\n" + n.Summary
	default:
		return n.Title
	}
}

// ProviderData is an opaque provider snapshot (technicals, fundamentals,
// static info). Rows are unique on (Source, Symbol, Kind, AsOf).
type ProviderData struct {
	Source  string          `json:"source"`
	Symbol  string          `json:"symbol"`
	Kind    string          `json:"kind"`
	AsOf    string          `json:"as_of"`
	Payload json.RawMessage `json:"payload"`
}

// DayKey formats t as a price-bar date key in UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
