package provider

import (
	"time"

	"github.com/dyike/cortexfeed/internal/models"
)

// Kind classifies the data a source produces.
type Kind string

const (
	KindPrices       Kind = "prices"
	KindNews         Kind = "news"
	KindFundamentals Kind = "fundamentals"
	KindDerivatives  Kind = "derivatives"
	KindIndices      Kind = "indices"
	KindMixed        Kind = "mixed"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPrices, KindNews, KindFundamentals, KindDerivatives, KindIndices, KindMixed:
		return true
	}
	return false
}

// Options are the per-run parameters of an ingestion.
type Options struct {
	// Symbols to ingest. Nil means the source's default set.
	Symbols []string `json:"symbols,omitempty"`
	// Since is the oldest data point of interest. Zero lets the adapter decide.
	Since time.Time `json:"since,omitempty"`
	// Limit caps the number of items per symbol. Zero means no cap.
	Limit int `json:"limit,omitempty"`
	// Rag forwards documents to the retrieval indexer.
	Rag bool `json:"rag,omitempty"`
	// DryRun fetches but does not persist rows.
	DryRun bool `json:"dryRun,omitempty"`
	// APIKey overrides the key read from the source's environment variable.
	APIKey string `json:"-"`
}

// SymbolError records a symbol that could not be ingested.
type SymbolError struct {
	Symbol  string `json:"symbol"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// Result is everything one run produced, including partial output of a run
// that stopped early.
type Result struct {
	SourceID     string                    `json:"sourceId"`
	StartedAt    time.Time                 `json:"startedAt"`
	FinishedAt   time.Time                 `json:"finishedAt"`
	Symbols      []string                  `json:"symbols"`
	Prices       []models.PriceBar         `json:"prices"`
	News         []models.NewsItem         `json:"news"`
	ProviderData []models.ProviderData     `json:"providerData"`
	Errors       []SymbolError             `json:"errors"`
	Meta         map[string]any            `json:"meta,omitempty"`
	Batches      []models.ProviderRunBatch `json:"batches,omitempty"`
}

// NewResult returns an empty result for sourceID started at now.
func NewResult(sourceID string, now time.Time) *Result {
	return &Result{
		SourceID:  sourceID,
		StartedAt: now,
		Meta:      map[string]any{},
	}
}

// Merge appends the rows and errors of other into r. Symbols, timestamps and
// batches of other are ignored; metadata keys of other win.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Prices = append(r.Prices, other.Prices...)
	r.News = append(r.News, other.News...)
	r.ProviderData = append(r.ProviderData, other.ProviderData...)
	r.Errors = append(r.Errors, other.Errors...)
	if len(other.Meta) > 0 && r.Meta == nil {
		r.Meta = map[string]any{}
	}
	for k, v := range other.Meta {
		r.Meta[k] = v
	}
}

// AddError records a failed symbol.
func (r *Result) AddError(symbol string, err error) {
	se := SymbolError{Symbol: symbol, Message: err.Error()}
	if cause := causeOf(err); cause != nil && cause.Error() != se.Message {
		se.Cause = cause.Error()
	}
	r.Errors = append(r.Errors, se)
}

// Counts summarizes result sizes.
type Counts struct {
	Prices int `json:"prices"`
	News   int `json:"news"`
	Data   int `json:"data"`
	Errors int `json:"errors"`
}

// Counts returns the sizes of each collection in r.
func (r *Result) Counts() Counts {
	return Counts{
		Prices: len(r.Prices),
		News:   len(r.News),
		Data:   len(r.ProviderData),
		Errors: len(r.Errors),
	}
}
