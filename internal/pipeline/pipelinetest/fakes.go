// Package pipelinetest provides capability fakes and an engine harness for
// agent tests.
package pipelinetest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gtm-agents/internal/common/hubspot"
	"gtm-agents/internal/common/llm"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/common/search"
	"gtm-agents/internal/pipeline"
)

// Now is the fixed clock used by Engine.
var Now = time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)

const critiquePrefix = "You are a quality gate"

// ==========================
// LLM
// ==========================

type LLM struct {
	mock.Mock
}

func (m *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// IsCritique matches the self-critique call.
func IsCritique(req llm.CompletionRequest) bool {
	return strings.HasPrefix(req.System, critiquePrefix)
}

// OnSynthesis answers every non-critique call with the JSON of out.
func (m *LLM) OnSynthesis(out interface{}) *mock.Call {
	return m.On("Complete", mock.Anything, mock.MatchedBy(func(req llm.CompletionRequest) bool {
		return !IsCritique(req)
	})).Return(mustJSON(out), nil)
}

// OnCritique answers the critique call.
func (m *LLM) OnCritique(passed bool, score float64, issues ...string) *mock.Call {
	if issues == nil {
		issues = []string{}
	}
	return m.On("Complete", mock.Anything, mock.MatchedBy(IsCritique)).Return(mustJSON(map[string]interface{}{
		"passed":       passed,
		"score":        score,
		"issues":       issues,
		"improvements": []string{},
	}), nil)
}

// Requests returns the requests received, in call order.
func (m *LLM) Requests() []llm.CompletionRequest {
	var out []llm.CompletionRequest
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(llm.CompletionRequest))
	}
	return out
}

// SynthesisRequests filters out critique calls.
func (m *LLM) SynthesisRequests() []llm.CompletionRequest {
	var out []llm.CompletionRequest
	for _, req := range m.Requests() {
		if !IsCritique(req) {
			out = append(out, req)
		}
	}
	return out
}

// ==========================
// Search
// ==========================

type Searcher struct {
	mock.Mock
}

func (m *Searcher) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	args := m.Called(ctx, q)
	results, _ := args.Get(0).([]search.Result)
	return results, args.Error(1)
}

// OnQuery answers queries whose text contains fragment.
func (m *Searcher) OnQuery(fragment string, results ...search.Result) *mock.Call {
	return m.On("Search", mock.Anything, mock.MatchedBy(func(q search.Query) bool {
		return strings.Contains(q.Text, fragment)
	})).Return(results, nil)
}

// FailAll makes every query fail with err.
func (m *Searcher) FailAll(err error) *mock.Call {
	return m.On("Search", mock.Anything, mock.Anything).Return(nil, err)
}

// Texts returns the query texts received.
func (m *Searcher) Texts() []string {
	var out []string
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(search.Query).Text)
	}
	return out
}

// ==========================
// CRM
// ==========================

type CRM struct {
	mock.Mock
}

func (m *CRM) ClosedWonDeals(ctx context.Context, since time.Time, limit int) ([]hubspot.Deal, error) {
	args := m.Called(ctx, since, limit)
	deals, _ := args.Get(0).([]hubspot.Deal)
	return deals, args.Error(1)
}

func (m *CRM) DealDetails(ctx context.Context, dealID string) (*hubspot.DealDetails, error) {
	args := m.Called(ctx, dealID)
	details, _ := args.Get(0).(*hubspot.DealDetails)
	return details, args.Error(1)
}

func (m *CRM) PipelineDeals(ctx context.Context, limit int) ([]hubspot.Deal, error) {
	args := m.Called(ctx, limit)
	deals, _ := args.Get(0).([]hubspot.Deal)
	return deals, args.Error(1)
}

// ==========================
// Engine harness
// ==========================

// Engine builds an engine over the given capabilities with the fixed clock.
func Engine(t testing.TB, caps pipeline.Capabilities, agents ...*pipeline.Agent) *pipeline.Engine {
	t.Helper()
	e, err := pipeline.NewEngine(caps, pipeline.Options{
		Model:     "test-model",
		MaxTokens: 2000,
		Now:       func() time.Time { return Now },
	}, logger.NewTestLogger(t))
	require.NoError(t, err)
	for _, a := range agents {
		require.NoError(t, e.Register(a))
	}
	return e
}

// Run executes the agent and returns the response as the caller sees it.
func Run(t testing.TB, e *pipeline.Engine, agentID string, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	resp, err := e.Run(context.Background(), agentID, payload)
	require.NoError(t, err)
	return Flatten(t, resp)
}

// Flatten serialises a response and decodes it back into a generic map.
func Flatten(t testing.TB, resp *pipeline.Response) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// Meta returns the _meta object of a flattened response.
func Meta(out map[string]interface{}) map[string]interface{} {
	meta, _ := out["_meta"].(map[string]interface{})
	return meta
}

// Gaps returns the gaps of a flattened response.
func Gaps(out map[string]interface{}) []string {
	raw, _ := out["gaps"].([]interface{})
	gaps := make([]string, 0, len(raw))
	for _, g := range raw {
		gaps = append(gaps, g.(string))
	}
	return gaps
}

func mustJSON(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
