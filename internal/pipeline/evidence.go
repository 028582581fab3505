package pipeline

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"gtm-agents/internal/common/search"
)

const (
	defaultExcerptChars = 300
	defaultMaxSources   = 8
	// maxConcurrentQueries bounds how many searches of one run are in flight.
	maxConcurrentQueries = 5
)

// Query is one search along a signal dimension.
type Query struct {
	Type       string
	Text       string
	MaxResults int
	// Domain tags the signals it yields, for multi-domain agents.
	Domain string
}

// Signal is one normalised piece of external evidence.
type Signal struct {
	Type    string `json:"type"`
	Domain  string `json:"domain,omitempty"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Excerpt string `json:"excerpt"`
	FoundAt string `json:"found_at"`
}

type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// QueryResult is the settled outcome of one query: signals or an error, never both.
type QueryResult struct {
	Query   Query
	Signals []Signal
	Err     error
}

// GatherEvidence runs the queries concurrently and waits for all of them.
// A failed query yields an error result and never cancels its siblings.
// Results are returned in query order.
func GatherEvidence(ctx context.Context, searcher search.Searcher, queries []Query, policy EvidencePolicy, now time.Time) []QueryResult {
	results := make([]QueryResult, len(queries))
	if len(queries) == 0 {
		return results
	}

	excerpt := policy.ExcerptChars
	if excerpt <= 0 {
		excerpt = defaultExcerptChars
	}
	foundAt := now.UTC().Format(time.RFC3339)

	var g errgroup.Group
	g.SetLimit(maxConcurrentQueries)
	for i, q := range queries {
		i, q := i, q
		results[i].Query = q
		g.Go(func() error {
			if searcher == nil {
				results[i].Err = search.ErrSearchUnavailable
				return nil
			}
			found, err := searcher.Search(ctx, search.Query{
				Text:          q.Text,
				MaxResults:    q.MaxResults,
				IncludeAnswer: false,
			})
			if err != nil {
				results[i].Err = err
				return nil
			}
			signals := make([]Signal, 0, len(found))
			for _, f := range found {
				signals = append(signals, Signal{
					Type:    q.Type,
					Domain:  q.Domain,
					Title:   strings.TrimSpace(f.Title),
					URL:     f.URL,
					Excerpt: Truncate(strings.TrimSpace(f.Content), excerpt),
					FoundAt: foundAt,
				})
			}
			results[i].Signals = signals
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// foldEvidence merges settled results into the run and reports whether every query failed.
func foldEvidence(r *Run, results []QueryResult, policy EvidencePolicy) bool {
	if len(results) == 0 {
		return false
	}

	maxSources := policy.MaxSources
	if maxSources <= 0 {
		maxSources = defaultMaxSources
	}
	seen := make(map[string]bool, len(r.Sources))
	for _, s := range r.Sources {
		seen[s.URL] = true
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			continue
		}
		for _, s := range res.Signals {
			if policy.MaxSignals > 0 && len(r.Signals) >= policy.MaxSignals {
				break
			}
			r.Signals = append(r.Signals, s)
			if s.URL != "" && !seen[s.URL] && len(r.Sources) < maxSources {
				seen[s.URL] = true
				r.Sources = append(r.Sources, Source{Title: s.Title, URL: s.URL})
			}
		}
	}
	return failed == len(results)
}

// SignalTypes returns the distinct signal types in first-seen order.
func SignalTypes(signals []Signal) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range signals {
		if !seen[s.Type] {
			seen[s.Type] = true
			out = append(out, s.Type)
		}
	}
	return out
}

// EvidenceDigest renders signals as "[title]\nexcerpt" blocks for a prompt,
// cut to limit runes. Zero means no limit.
func EvidenceDigest(signals []Signal, limit int) string {
	blocks := make([]string, 0, len(signals))
	for _, s := range signals {
		blocks = append(blocks, "["+s.Title+"]\n"+s.Excerpt)
	}
	return Truncate(strings.Join(blocks, "\n\n"), limit)
}
