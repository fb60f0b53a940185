package dataflows

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

const googleNewsBaseURL = "https://news.google.com/rss"

// RSS is the subset of an RSS 2.0 document the news feed uses.
type RSS struct {
	XMLName xml.Name `xml:"rss"`
	Channel Channel  `xml:"channel"`
}

type Channel struct {
	Title string `xml:"title"`
	Items []Item `xml:"item"`
}

type Item struct {
	Title       string     `xml:"title"`
	Link        string     `xml:"link"`
	Description string     `xml:"description"`
	PubDate     string     `xml:"pubDate"`
	Source      ItemSource `xml:"source"`
	GUID        string     `xml:"guid"`
}

type ItemSource struct {
	URL  string `xml:"url,attr"`
	Text string `xml:",chardata"`
}

// GoogleNews ingests headlines from the Google News RSS search feed.
type GoogleNews struct {
	client   *resty.Client
	language string
	country  string
	mode     string
	now      func() time.Time
}

func NewGoogleNews(cfg provider.SourceConfig) *GoogleNews {
	return &GoogleNews{
		client:   newHTTPClient(extraString(cfg, "baseUrl", googleNewsBaseURL), 30*time.Second),
		language: extraString(cfg, "language", "en-US"),
		country:  extraString(cfg, "country", "US"),
		mode:     cfg.QueryMode,
		now:      time.Now,
	}
}

// query builds the search term for a symbol according to the query mode.
func (g *GoogleNews) query(symbol string, since time.Time) string {
	var q string
	switch g.mode {
	case "raw":
		q = symbol
	case "quoted":
		q = fmt.Sprintf("%q", symbol)
	default:
		q = symbol + " stock"
	}
	if !since.IsZero() {
		q += " after:" + since.Format(models.DateLayout)
	}
	return q
}

func (g *GoogleNews) params(q string) map[string]string {
	p := map[string]string{"q": q, "hl": g.language, "gl": g.country}
	if g.country != "" {
		p["ceid"] = fmt.Sprintf("%s:%s", g.country, strings.Split(g.language, "-")[0])
	}
	return p
}

func (g *GoogleNews) Ingest(ctx context.Context, call provider.Call) (*provider.Result, error) {
	now := g.now()
	res := provider.NewResult(call.Source.ID, now)

	for _, symbol := range call.Options.Symbols {
		symbol = NormalizeSymbol(symbol)
		if symbol == "" {
			continue
		}
		resp, err := g.client.R().
			SetContext(ctx).
			SetQueryParams(g.params(g.query(symbol, call.Options.Since))).
			Get("/search")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}

		var rss RSS
		if err := xml.Unmarshal(resp.Body(), &rss); err != nil {
			return nil, fmt.Errorf("parse rss for %s: %w", symbol, err)
		}
		for i, item := range rss.Channel.Items {
			if call.Options.Limit > 0 && i >= call.Options.Limit {
				break
			}
			res.News = append(res.News, convertItem(call.Source.ID, symbol, item, now))
		}
		call.Logger.Debug().Str("symbol", symbol).Int("items", len(rss.Channel.Items)).Msg("rss feed fetched")
	}
	res.FinishedAt = g.now()
	return res, nil
}

func convertItem(source, symbol string, item Item, now time.Time) models.NewsItem {
	published, err := time.Parse(time.RFC1123Z, item.PubDate)
	if err != nil {
		published, err = time.Parse(time.RFC1123, item.PubDate)
	}
	if err != nil {
		published = now
	}

	publisher := strings.TrimSpace(item.Source.Text)
	if publisher == "" && item.Source.URL != "" {
		if u, err := url.Parse(item.Source.URL); err == nil {
			publisher = u.Host
		}
	}

	return models.NewsItem{
		Source:      source,
		Symbol:      symbol,
		ID:          stableID(item.GUID, item.Link, item.Title),
		Title:       strings.TrimSpace(item.Title),
		URL:         item.Link,
		Summary:     cleanHTML(item.Description),
		Publisher:   publisher,
		PublishedAt: published.UTC(),
	}
}

// cleanHTML extracts the text of an HTML fragment.
func cleanHTML(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
