// Package indexer forwards document rows to an external retrieval index.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

// Document is one text unit sent to the index.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

// Indexer accepts a group of documents belonging to one symbol.
type Indexer interface {
	Index(ctx context.Context, source, symbol string, items []models.NewsItem) (int, error)
}

// Noop drops every document. It is used when no indexer is configured.
type Noop struct{}

func (Noop) Index(context.Context, string, string, []models.NewsItem) (int, error) {
	return 0, nil
}

// HTTPIndexer posts documents to an embedding service.
type HTTPIndexer struct {
	client *resty.Client
	path   string
}

type indexRequest struct {
	Collection string     `json:"collection"`
	Documents  []Document `json:"documents"`
}

type indexResponse struct {
	Indexed int    `json:"indexed"`
	Error   string `json:"error,omitempty"`
}

// NewHTTP returns an indexer posting to baseURL + "/index".
func NewHTTP(baseURL string, timeout time.Duration) *HTTPIndexer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	return &HTTPIndexer{client: client, path: "/index"}
}

func (h *HTTPIndexer) Index(ctx context.Context, source, symbol string, items []models.NewsItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	docs := make([]Document, 0, len(items))
	for _, it := range items {
		meta := map[string]string{
			"source": source,
			"symbol": symbol,
			"title":  it.Title,
			"url":    it.URL,
		}
		if it.Publisher != "" {
			meta["publisher"] = it.Publisher
		}
		if !it.PublishedAt.IsZero() {
			meta["published_at"] = it.PublishedAt.UTC().Format(time.RFC3339)
		}
		docs = append(docs, Document{
			ID:       source + ":" + symbol + ":" + it.ID,
			Text:     it.Text(),
			Metadata: meta,
		})
	}

	var out indexResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(indexRequest{Collection: source, Documents: docs}).
		SetResult(&out).
		Post(h.path)
	if err != nil {
		return 0, fmt.Errorf("post index request: %w", err)
	}
	if resp.IsError() {
		return 0, &provider.StatusError{Code: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	if out.Error != "" {
		return 0, fmt.Errorf("indexer rejected %s/%s: %s", source, symbol, out.Error)
	}
	if out.Indexed == 0 {
		out.Indexed = len(docs)
	}
	return out.Indexed, nil
}
