package pipeline

import (
	"context"
	"strings"
	"sync"

	"gtm-agents/internal/common/llm"
	"gtm-agents/internal/common/search"
)

// scriptedLLM answers by the first rule whose key appears in the system prompt.
type scriptedLLM struct {
	mu       sync.Mutex
	answers  map[string]string
	err      error
	requests []llm.CompletionRequest
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	for key, answer := range s.answers {
		if strings.Contains(req.System, key) {
			return answer, nil
		}
	}
	return s.answers[""], nil
}

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]search.Result
	errs    map[string]error
	queries []search.Query
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) ([]search.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if err, ok := f.errs[q.Text]; ok {
		return nil, err
	}
	return f.results[q.Text], nil
}
