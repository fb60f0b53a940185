package dataflows

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

const (
	redditBaseURL    = "https://www.reddit.com"
	redditSubreddits = "wallstreetbets+stocks+investing+SecurityAnalysis+StockMarket"
)

// RedditResponse is the listing envelope of search.json.
type RedditResponse struct {
	Kind string `json:"kind"`
	Data struct {
		After    string        `json:"after"`
		Children []RedditChild `json:"children"`
	} `json:"data"`
}

type RedditChild struct {
	Kind string         `json:"kind"`
	Data RedditPostData `json:"data"`
}

type RedditPostData struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Subreddit   string  `json:"subreddit"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Stickied    bool    `json:"stickied"`
	IsSelf      bool    `json:"is_self"`
}

// Reddit ingests posts that mention a symbol in finance subreddits.
type Reddit struct {
	client     *resty.Client
	subreddits string
	window     string
	now        func() time.Time
}

func NewReddit(cfg provider.SourceConfig) *Reddit {
	client := newHTTPClient(extraString(cfg, "baseUrl", redditBaseURL), 30*time.Second)
	client.SetHeader("User-Agent", "cortexfeed/1.0 (by /u/cortexfeed)")
	return &Reddit{
		client:     client,
		subreddits: extraString(cfg, "subreddits", redditSubreddits),
		window:     extraString(cfg, "window", "week"),
		now:        time.Now,
	}
}

func (r *Reddit) Ingest(ctx context.Context, call provider.Call) (*provider.Result, error) {
	now := r.now()
	res := provider.NewResult(call.Source.ID, now)

	limit := call.Options.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	for _, symbol := range call.Options.Symbols {
		if err := ValidateSymbol(symbol); err != nil {
			res.AddError(symbol, err)
			continue
		}
		symbol = NormalizeSymbol(symbol)

		var listing RedditResponse
		resp, err := r.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"q":     fmt.Sprintf("$%s OR \"%s stock\" subreddit:%s", symbol, symbol, r.subreddits),
				"sort":  "new",
				"t":     r.window,
				"limit": fmt.Sprintf("%d", limit),
			}).
			SetResult(&listing).
			Get("/search.json")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}

		kept := 0
		for _, child := range listing.Data.Children {
			// t3 is the Reddit kind for posts
			if child.Kind != "t3" || child.Data.Stickied {
				continue
			}
			post := child.Data
			created := time.Unix(int64(post.CreatedUTC), 0).UTC()
			if !call.Options.Since.IsZero() && created.Before(call.Options.Since) {
				continue
			}
			if !mentionsSymbol(post.Title+" "+post.Selftext, symbol) {
				continue
			}
			link := post.URL
			if post.IsSelf || link == "" {
				link = redditBaseURL + post.Permalink
			}
			res.News = append(res.News, models.NewsItem{
				Source:      call.Source.ID,
				Symbol:      symbol,
				ID:          post.ID,
				Title:       strings.TrimSpace(post.Title),
				URL:         link,
				Summary:     truncate(post.Selftext, 1000),
				Publisher:   "r/" + post.Subreddit,
				PublishedAt: created,
			})
			kept++
		}
		call.Logger.Debug().Str("symbol", symbol).Int("posts", kept).Msg("reddit search fetched")
	}
	res.FinishedAt = r.now()
	return res, nil
}

// mentionsSymbol matches $SYM or SYM as a whole word.
func mentionsSymbol(text, symbol string) bool {
	text = strings.ToUpper(text)
	if strings.Contains(text, "$"+symbol) {
		return true
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(symbol) + `\b`)
	return re.MatchString(text)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
