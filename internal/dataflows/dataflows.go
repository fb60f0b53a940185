// Package dataflows implements the concrete source adapters.
package dataflows

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dyike/cortexfeed/internal/provider"
)

// Credentials are secrets that do not live in the provider file.
type Credentials struct {
	LongportAppKey      string
	LongportAppSecret   string
	LongportAccessToken string
}

// Catalog returns the factories of every built-in adapter keyed by source id.
func Catalog(creds Credentials) provider.Catalog {
	return provider.Catalog{
		"yahoo": func(cfg provider.SourceConfig) (provider.Adapter, error) {
			return NewYahoo(cfg), nil
		},
		"finnhub": func(cfg provider.SourceConfig) (provider.Adapter, error) {
			return NewFinnhub(cfg), nil
		},
		"googlenews": func(cfg provider.SourceConfig) (provider.Adapter, error) {
			return NewGoogleNews(cfg), nil
		},
		"reddit": func(cfg provider.SourceConfig) (provider.Adapter, error) {
			return NewReddit(cfg), nil
		},
		"longport": func(cfg provider.SourceConfig) (provider.Adapter, error) {
			return NewLongport(cfg, creds)
		},
	}
}

// extraString reads a string field from the unknown part of a config.
func extraString(cfg provider.SourceConfig, key, def string) string {
	raw, ok := cfg.Extra[key]
	if !ok {
		return def
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return def
	}
	return s
}

// extraInt reads an integer field from the unknown part of a config.
func extraInt(cfg provider.SourceConfig, key string, def int) int {
	raw, ok := cfg.Extra[key]
	if !ok {
		return def
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		// Accept numbers written as strings.
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return def
		}
		if n, err = strconv.Atoi(s); err != nil {
			return def
		}
	}
	return n
}

func extraBool(cfg provider.SourceConfig, key string, def bool) bool {
	raw, ok := cfg.Extra[key]
	if !ok {
		return def
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return def
	}
	return b
}

func newHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", "cortexfeed/1.0")
	return client
}

// checkResponse turns transport failures and bad statuses into errors the
// runner knows how to retry.
func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return provider.Retryable(err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		body := strings.TrimSpace(resp.String())
		if len(body) > 200 {
			body = body[:200]
		}
		return &provider.StatusError{Code: resp.StatusCode(), Body: body}
	}
	return nil
}

// lookback picks the start of the fetch window.
func lookback(opts provider.Options, now time.Time, days int) time.Time {
	if !opts.Since.IsZero() {
		return opts.Since
	}
	return now.AddDate(0, 0, -days)
}
