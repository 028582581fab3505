package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtm-agents/internal/common/search"
)

var evidenceNow = time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)

func TestGatherEvidence_SettlesEveryQuery(t *testing.T) {
	searcher := &fakeSearcher{
		results: map[string][]search.Result{
			"acme funding": {{Title: "Acme raises", URL: "https://a.example/1", Content: strings.Repeat("x", 400)}},
			"acme hiring":  {{Title: "Acme hires", URL: "https://a.example/2", Content: "VP Sales"}},
		},
		errs: map[string]error{
			"acme launch": search.ErrWebSearchTimeout,
		},
	}
	queries := []Query{
		{Type: "FUNDING", Text: "acme funding", MaxResults: 3},
		{Type: "PRODUCT_LAUNCH", Text: "acme launch", MaxResults: 3},
		{Type: "EXEC_HIRE", Text: "acme hiring", MaxResults: 3},
	}

	results := GatherEvidence(context.Background(), searcher, queries, EvidencePolicy{}, evidenceNow)

	require.Len(t, results, 3)
	assert.Len(t, searcher.queries, 3, "a failed query never cancels its siblings")

	assert.NoError(t, results[0].Err)
	require.Len(t, results[0].Signals, 1)
	assert.Len(t, results[0].Signals[0].Excerpt, defaultExcerptChars)
	assert.Equal(t, "FUNDING", results[0].Signals[0].Type)
	assert.Equal(t, "2025-06-02T09:00:00Z", results[0].Signals[0].FoundAt)

	assert.ErrorIs(t, results[1].Err, search.ErrWebSearchTimeout)
	assert.Empty(t, results[1].Signals)

	assert.Equal(t, "EXEC_HIRE", results[2].Query.Type)
}

func TestGatherEvidence_NoSearcher(t *testing.T) {
	results := GatherEvidence(context.Background(), nil, []Query{{Type: "FUNDING", Text: "q"}}, EvidencePolicy{}, evidenceNow)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, search.ErrSearchUnavailable)
}

func TestFoldEvidence(t *testing.T) {
	signal := func(url string) Signal { return Signal{Type: "FUNDING", Title: url, URL: url} }

	t.Run("sources are deduplicated and capped", func(t *testing.T) {
		r := newRun("r1", &Agent{ID: "a"}, nil, evidenceNow)
		results := []QueryResult{
			{Signals: []Signal{signal("u1"), signal("u2"), signal("u1")}},
			{Signals: []Signal{signal("u3"), signal("u4")}},
		}
		allFailed := foldEvidence(r, results, EvidencePolicy{MaxSources: 3})

		assert.False(t, allFailed)
		assert.Len(t, r.Signals, 5)
		assert.Equal(t, []Source{{Title: "u1", URL: "u1"}, {Title: "u2", URL: "u2"}, {Title: "u3", URL: "u3"}}, r.Sources)
	})

	t.Run("signal cap", func(t *testing.T) {
		r := newRun("r1", &Agent{ID: "a"}, nil, evidenceNow)
		foldEvidence(r, []QueryResult{{Signals: []Signal{signal("u1"), signal("u2"), signal("u3")}}}, EvidencePolicy{MaxSignals: 2})
		assert.Len(t, r.Signals, 2)
	})

	t.Run("every query failed", func(t *testing.T) {
		r := newRun("r1", &Agent{ID: "a"}, nil, evidenceNow)
		boom := errors.New("boom")
		assert.True(t, foldEvidence(r, []QueryResult{{Err: boom}, {Err: boom}}, EvidencePolicy{}))
		assert.Empty(t, r.Signals)
	})

	t.Run("empty results are not a failure", func(t *testing.T) {
		r := newRun("r1", &Agent{ID: "a"}, nil, evidenceNow)
		assert.False(t, foldEvidence(r, []QueryResult{{}, {Err: errors.New("x")}}, EvidencePolicy{}))
		assert.False(t, foldEvidence(r, nil, EvidencePolicy{}))
	})
}

func TestSignalTypes(t *testing.T) {
	got := SignalTypes([]Signal{{Type: "FUNDING"}, {Type: "EXEC_HIRE"}, {Type: "FUNDING"}})
	assert.Equal(t, []string{"FUNDING", "EXEC_HIRE"}, got)
}
