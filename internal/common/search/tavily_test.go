package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm-agents/internal/common/cache"
	"gtm-agents/internal/common/logger"
)

func createTestConfig(baseURL string) *Config {
	return &Config{
		BaseURL:  baseURL,
		APIKey:   "tvly-test",
		Depth:    "basic",
		Timeout:  2 * time.Second,
		CacheTTL: time.Minute,
	}
}

func TestSearch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tvly-test", body["api_key"])
		assert.Equal(t, "acme.com funding round", body["query"])
		assert.Equal(t, "advanced", body["search_depth"])
		assert.Equal(t, float64(3), body["max_results"])
		assert.Equal(t, false, body["include_raw_content"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":"","results":[
			{"title":"Acme raises Series B","url":"https://news.example/acme-b","content":"Acme raised $40M"},
			{"title":"dup","url":"https://news.example/acme-b","content":"again"},
			{"title":"Acme hiring","url":"https://jobs.example/acme","snippet":"12 open GTM roles"},
			{"title":"no url","url":"","content":"skipped"}
		]}`))
	}))
	defer server.Close()

	c := NewClient(createTestConfig(server.URL), nil, nil, logger.NewTestLogger(t))
	results, err := c.Search(context.Background(), Query{Text: "acme.com funding round", Depth: "advanced", MaxResults: 3})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Acme raises Series B", results[0].Title)
	assert.Equal(t, "12 open GTM roles", results[1].Content, "snippet used when content is empty")
}

func TestSearch_MissingKeyMakesNoCall(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	cfg := createTestConfig(server.URL)
	cfg.APIKey = ""
	c := NewClient(cfg, nil, nil, logger.NewTestLogger(t))

	_, err := c.Search(context.Background(), Query{Text: "anything"})
	assert.ErrorIs(t, err, ErrSearchUnavailable)
	assert.False(t, called)
	assert.False(t, c.Available())
}

func TestSearch_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
		wantErr error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			timeout: time.Second,
			wantErr: ErrWebSearchFailed,
		},
		{
			name: "slow upstream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(300 * time.Millisecond)
			},
			timeout: 50 * time.Millisecond,
			wantErr: ErrWebSearchTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			cfg := createTestConfig(server.URL)
			cfg.Timeout = tt.timeout
			c := NewClient(cfg, nil, nil, logger.NewTestLogger(t))

			_, err := c.Search(context.Background(), Query{Text: "acme"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSearch_CacheHitSkipsNetwork(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"results":[{"title":"t","url":"https://a.example","content":"c"}]}`))
	}))
	defer server.Close()

	mem, err := cache.NewMemory(1 << 20)
	require.NoError(t, err)
	defer mem.Close()

	c := NewClient(createTestConfig(server.URL), nil, mem, logger.NewTestLogger(t))
	ctx := context.Background()

	first, err := c.Search(ctx, Query{Text: "Acme news", MaxResults: 2})
	require.NoError(t, err)

	second, err := c.Search(ctx, Query{Text: "  acme NEWS ", MaxResults: 2})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}
