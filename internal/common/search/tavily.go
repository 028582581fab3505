// internal/common/search/tavily.go
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gtm-agents/internal/common/cache"
	httpclient "gtm-agents/internal/common/http"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/common/metrics"
	"gtm-agents/internal/common/resilience"
)

const capability = "search"

var (
	ErrSearchUnavailable = errors.New("WEB_SEARCH_UNAVAILABLE")
	ErrWebSearchTimeout  = errors.New("WEB_SEARCH_TIMEOUT")
	ErrWebSearchFailed   = errors.New("WEB_SEARCH_FAILED")
)

// Searcher is the web-search capability seen by the pipeline.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}

type Config struct {
	BaseURL  string
	APIKey   string
	Depth    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type Query struct {
	Text          string
	Depth         string
	MaxResults    int
	IncludeAnswer bool
}

type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type Client struct {
	config *Config
	http   *httpclient.Client
	cache  cache.Cache
	logger logger.Logger
}

// NewClient builds a Tavily client. c may be nil to disable caching.
func NewClient(config *Config, breaker *resilience.Breaker, c cache.Cache, log logger.Logger) *Client {
	return &Client{
		config: config,
		http:   httpclient.NewClient(config.Timeout, breaker),
		cache:  c,
		logger: log.With(map[string]interface{}{
			"capability": capability,
		}),
	}
}

// Available reports whether a credential is configured.
func (c *Client) Available() bool {
	return c.config.APIKey != ""
}

func (c *Client) Search(ctx context.Context, q Query) ([]Result, error) {
	if !c.Available() {
		metrics.CapabilityCalls.WithLabelValues(capability, "unavailable").Inc()
		return nil, ErrSearchUnavailable
	}
	if q.MaxResults <= 0 {
		q.MaxResults = 5
	}
	if q.Depth == "" {
		q.Depth = c.config.Depth
	}
	if q.Depth == "" {
		q.Depth = "basic"
	}

	key := cacheKey(q)
	if results, ok := c.fromCache(ctx, key); ok {
		metrics.CapabilityCalls.WithLabelValues(capability, "cached").Inc()
		return results, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	body := map[string]interface{}{
		"api_key":             c.config.APIKey,
		"query":               q.Text,
		"search_depth":        q.Depth,
		"max_results":         q.MaxResults,
		"include_answer":      q.IncludeAnswer,
		"include_raw_content": false,
	}

	var apiResponse struct {
		Answer  string `json:"answer"`
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
			Snippet string `json:"snippet"`
		} `json:"results"`
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/search"
	if err := c.http.DoJSON(ctx, http.MethodPost, endpoint, nil, body, &apiResponse); err != nil {
		return nil, c.classify(ctx, q, err)
	}

	seen := make(map[string]bool, len(apiResponse.Results))
	results := make([]Result, 0, len(apiResponse.Results))
	for _, item := range apiResponse.Results {
		if item.URL == "" || seen[item.URL] {
			continue
		}
		seen[item.URL] = true
		content := item.Content
		if content == "" {
			content = item.Snippet
		}
		results = append(results, Result{Title: item.Title, URL: item.URL, Content: content})
		if len(results) == q.MaxResults {
			break
		}
	}

	metrics.CapabilityCalls.WithLabelValues(capability, "ok").Inc()
	c.toCache(ctx, key, results)
	return results, nil
}

func (c *Client) classify(ctx context.Context, q Query, err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		metrics.CapabilityCalls.WithLabelValues(capability, "circuit_open").Inc()
		return fmt.Errorf("%w: %v", ErrWebSearchFailed, err)
	}
	if httpclient.IsTimeout(ctx, err) {
		metrics.CapabilityCalls.WithLabelValues(capability, "timeout").Inc()
		c.logger.Warn("search timed out", map[string]interface{}{"query": q.Text})
		return fmt.Errorf("%w: %v", ErrWebSearchTimeout, err)
	}
	metrics.CapabilityCalls.WithLabelValues(capability, "error").Inc()
	c.logger.Warn("search failed", map[string]interface{}{
		"query": q.Text,
		"error": err.Error(),
	})
	return fmt.Errorf("%w: %v", ErrWebSearchFailed, err)
}

func (c *Client) fromCache(ctx context.Context, key string) ([]Result, bool) {
	if c.cache == nil {
		return nil, false
	}
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false
	}
	return results, true
}

func (c *Client) toCache(ctx context.Context, key string, results []Result) {
	if c.cache == nil || c.config.CacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, data, c.config.CacheTTL); err != nil {
		c.logger.Warn("search cache write failed", map[string]interface{}{"error": err.Error()})
	}
}

func cacheKey(q Query) string {
	return fmt.Sprintf("search:%s:%d:%t:%s", q.Depth, q.MaxResults, q.IncludeAnswer, strings.ToLower(strings.TrimSpace(q.Text)))
}
