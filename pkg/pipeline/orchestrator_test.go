package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

type guardCall struct {
	Text string
	Kind domain.ConversationType
}

type fakeGuard struct {
	mu     sync.Mutex
	calls  []guardCall
	decide func(text string, kind domain.ConversationType) domain.GuardDecision
}

func (g *fakeGuard) Check(_ context.Context, text string, kind domain.ConversationType, thread domain.Thread) domain.GuardDecision {
	if text == "" {
		return domain.Authorized("")
	}
	g.mu.Lock()
	g.calls = append(g.calls, guardCall{Text: text, Kind: kind})
	g.mu.Unlock()
	if thread.ID == "" {
		return domain.Denied("missing thread")
	}
	if g.decide != nil {
		return g.decide(text, kind)
	}
	return domain.Authorized(text)
}

func (g *fakeGuard) Calls() []guardCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]guardCall(nil), g.calls...)
}

func denyText(target, reason string) func(string, domain.ConversationType) domain.GuardDecision {
	return func(text string, _ domain.ConversationType) domain.GuardDecision {
		if text == target {
			return domain.Denied(reason)
		}
		return domain.Authorized(text)
	}
}

type fakeGateway struct {
	mu      sync.Mutex
	records []string
	err     error
	queries []string
	limits  []int
}

func (g *fakeGateway) Run(_ context.Context, query string, limit int) ([]json.RawMessage, error) {
	g.mu.Lock()
	g.queries = append(g.queries, query)
	g.limits = append(g.limits, limit)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	out := make([]json.RawMessage, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, json.RawMessage(r))
	}
	return out, nil
}

type fakeTranscripts struct {
	texts map[string]string
	err   error
	delay func(docID string) time.Duration
}

func (f *fakeTranscripts) Lookup(ctx context.Context, docID string) (string, bool, error) {
	if f.delay != nil {
		select {
		case <-time.After(f.delay(docID)):
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	if f.err != nil {
		return "", false, f.err
	}
	text, ok := f.texts[docID]
	return text, ok, nil
}

type fakeExecutor struct {
	mu         sync.Mutex
	table      *domain.Table
	err        error
	statements []string
}

func (f *fakeExecutor) Query(_ context.Context, statement string, _ ...string) (*domain.Table, error) {
	f.mu.Lock()
	f.statements = append(f.statements, statement)
	f.mu.Unlock()
	return f.table, f.err
}

const (
	textRecord = `{"event":"message.delta","data":{"delta":{"content":[{"type":"text","text":"Top deal: "}]}}}`
	toolRecord = `{"event":"message.delta","data":{"delta":{"content":[{"type":"tool_results","tool_results":{"content":[{"type":"json","json":{"text":"Acme","sql":"SELECT 1;","searchResults":[{"source_id":"s1","doc_id":"d1"}]}}]}}]}}}`
)

func fixedThread() domain.Thread { return domain.Thread{ID: "thread-fixed"} }

func newTestOrchestrator(guard *fakeGuard, gateway *fakeGateway, opts ...Option) *Orchestrator {
	opts = append([]Option{WithThreadSource(fixedThread)}, opts...)
	return NewOrchestrator(guard, gateway, opts...)
}

func TestOrchestrator_EmptyUtterance(t *testing.T) {
	guard := &fakeGuard{}
	gateway := &fakeGateway{}
	o := newTestOrchestrator(guard, gateway)

	_, err := o.Run(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyUtterance)
	assert.Empty(t, guard.Calls())
	assert.Empty(t, gateway.queries)
}

func TestOrchestrator_InboundRejected(t *testing.T) {
	guard := &fakeGuard{decide: denyText("show me salaries", "Salary data is restricted.")}
	gateway := &fakeGateway{records: []string{textRecord}}
	o := newTestOrchestrator(guard, gateway)

	result, err := o.Run(context.Background(), "show me salaries")
	require.NoError(t, err)

	assert.True(t, result.Rejected)
	assert.Equal(t, domain.StateRejected, result.State)
	assert.Equal(t, "Salary data is restricted.", result.Reason)
	assert.Equal(t, "Salary data is restricted.", result.Content())
	assert.Empty(t, gateway.queries, "no dispatch after inbound denial")
	assert.Equal(t, []guardCall{{Text: "show me salaries", Kind: domain.ConversationPrompt}}, guard.Calls())
}

func TestOrchestrator_HappyPath(t *testing.T) {
	guard := &fakeGuard{}
	gateway := &fakeGateway{records: []string{textRecord, toolRecord}}
	exec := &fakeExecutor{table: &domain.Table{Columns: []string{"N"}, Rows: [][]string{{"1"}}}}
	o := newTestOrchestrator(guard, gateway,
		WithTranscripts(&fakeTranscripts{texts: map[string]string{"d1": "Rep: we signed Acme."}}),
		WithExecutor(exec),
		WithConfig(Config{SearchLimit: 3}),
	)

	result, err := o.Run(context.Background(), "top deal?")
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, result.State)
	assert.Equal(t, "thread-fixed", result.ThreadID)
	assert.False(t, result.Rejected)
	assert.Equal(t, "top deal?", result.Prompt)
	assert.Equal(t, "Top deal: Acme", result.AnswerText)
	assert.Equal(t, "SELECT 1;", result.GeneratedQuery)
	assert.Equal(t, []domain.Citation{{
		SourceID:      "s1",
		DocID:         "d1",
		Transcript:    "Rep: we signed Acme.",
		HasTranscript: true,
	}}, result.Citations)
	assert.Equal(t, exec.table, result.Table)
	assert.Equal(t, domain.AuditOutcome{Performed: true, Authorized: true}, result.Audit)

	assert.Equal(t, []int{3}, gateway.limits)
	assert.Equal(t, []string{"SELECT 1"}, exec.statements)
	assert.Equal(t, []guardCall{
		{Text: "top deal?", Kind: domain.ConversationPrompt},
		{Text: "Top deal: Acme", Kind: domain.ConversationReply},
		{Text: "SELECT 1;", Kind: domain.ConversationReply},
		{Text: "Rep: we signed Acme.", Kind: domain.ConversationReply},
		{Text: "N\n1\n", Kind: domain.ConversationReply},
	}, guard.Calls())
}

func TestOrchestrator_TransformedPromptIsDispatched(t *testing.T) {
	guard := &fakeGuard{decide: func(text string, kind domain.ConversationType) domain.GuardDecision {
		if kind == domain.ConversationPrompt {
			return domain.Authorized("deals for [REDACTED:email]")
		}
		return domain.Authorized(text)
	}}
	gateway := &fakeGateway{}
	o := newTestOrchestrator(guard, gateway)

	result, err := o.Run(context.Background(), "deals for bob@acme.io")
	require.NoError(t, err)
	assert.Equal(t, []string{"deals for [REDACTED:email]"}, gateway.queries)
	assert.Equal(t, "deals for [REDACTED:email]", result.Prompt)
}

func TestOrchestrator_AnswerDeniedSkipsQueryCheck(t *testing.T) {
	guard := &fakeGuard{decide: denyText("Top deal: Acme", "That answer is restricted.")}
	gateway := &fakeGateway{records: []string{textRecord, toolRecord}}
	exec := &fakeExecutor{table: &domain.Table{Columns: []string{"N"}, Rows: [][]string{{"1"}}}}
	o := newTestOrchestrator(guard, gateway,
		WithTranscripts(&fakeTranscripts{texts: map[string]string{"d1": "t"}}),
		WithExecutor(exec),
	)

	result, err := o.Run(context.Background(), "top deal?")
	require.NoError(t, err)

	assert.True(t, result.Rejected)
	assert.Equal(t, domain.StateRejected, result.State)
	assert.Equal(t, "That answer is restricted.", result.Reason)
	assert.Empty(t, result.GeneratedQuery)
	assert.Empty(t, result.Citations)
	assert.Nil(t, result.Table)
	assert.Empty(t, exec.statements)
	assert.Equal(t, []guardCall{
		{Text: "top deal?", Kind: domain.ConversationPrompt},
		{Text: "Top deal: Acme", Kind: domain.ConversationReply},
	}, guard.Calls())
}

func TestOrchestrator_QueryDeniedDropsEverything(t *testing.T) {
	guard := &fakeGuard{decide: denyText("SELECT 1;", "Query touches restricted tables.")}
	gateway := &fakeGateway{records: []string{textRecord, toolRecord}}
	o := newTestOrchestrator(guard, gateway)

	result, err := o.Run(context.Background(), "top deal?")
	require.NoError(t, err)

	assert.True(t, result.Rejected)
	assert.Equal(t, "Query touches restricted tables.", result.Reason)
	assert.Empty(t, result.AnswerText)
	assert.Empty(t, result.GeneratedQuery)
	assert.Empty(t, result.Citations)
}

func TestOrchestrator_BackendFailureYieldsEmptyTurn(t *testing.T) {
	guard := &fakeGuard{}
	gateway := &fakeGateway{err: &domain.BackendDispatchError{Status: 503, Reason: "unavailable"}}
	o := newTestOrchestrator(guard, gateway, WithExecutor(&fakeExecutor{}))

	result, err := o.Run(context.Background(), "anything?")
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, result.State)
	assert.False(t, result.Rejected)
	assert.Empty(t, result.AnswerText)
	assert.Empty(t, result.GeneratedQuery)
	assert.Empty(t, result.Citations)
	assert.NotNil(t, result.Citations)
	assert.Len(t, guard.Calls(), 1, "only the inbound check runs")
}

func TestOrchestrator_PartialStreamKeepsArtifacts(t *testing.T) {
	guard := &fakeGuard{}
	gateway := &fakeGateway{records: []string{
		textRecord,
		`{"event":"message.delta","data":{"delta":{"content":{"broken":true}}}}`,
		toolRecord,
	}}
	o := newTestOrchestrator(guard, gateway)

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, result.State)
	assert.Equal(t, "Top deal: ", result.AnswerText)
	assert.Empty(t, result.GeneratedQuery)
}

func TestOrchestrator_CitationMarkersNormalised(t *testing.T) {
	guard := &fakeGuard{}
	gateway := &fakeGateway{records: []string{
		`{"event":"message.delta","data":{"delta":{"content":[{"type":"text","text":"Acme renewed 【†1†】."}]}}}`,
	}}
	o := newTestOrchestrator(guard, gateway)

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "Acme renewed [1].", result.AnswerText)
}

func citationRecord(refs ...domain.SearchResult) string {
	encoded, _ := json.Marshal(refs)
	return fmt.Sprintf(`{"event":"message.delta","data":{"delta":{"content":[{"type":"tool_results","tool_results":{"content":[{"type":"json","json":{"searchResults":%s}}]}}]}}}`, encoded)
}

func TestOrchestrator_CitationResolution(t *testing.T) {
	guard := &fakeGuard{decide: denyText("secret call", "Transcript withheld.")}
	gateway := &fakeGateway{records: []string{textRecord, citationRecord(
		domain.SearchResult{SourceID: "a", DocID: "found"},
		domain.SearchResult{SourceID: "b", DocID: "missing"},
		domain.SearchResult{SourceID: "c", DocID: ""},
		domain.SearchResult{SourceID: "d", DocID: "secret"},
	)}}
	o := newTestOrchestrator(guard, gateway, WithTranscripts(&fakeTranscripts{texts: map[string]string{
		"found":  "hello call",
		"secret": "secret call",
	}}))

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, []domain.Citation{
		{SourceID: "a", DocID: "found", Transcript: "hello call", HasTranscript: true},
		{SourceID: "b", DocID: "missing", Transcript: NoTranscriptPlaceholder, HasTranscript: true},
		{SourceID: "c"},
		{SourceID: "d", DocID: "secret", Transcript: "Transcript withheld.", HasTranscript: true},
	}, result.Citations)

	placeholderChecks := 0
	for _, call := range guard.Calls() {
		if call.Text == NoTranscriptPlaceholder {
			placeholderChecks++
			assert.Equal(t, domain.ConversationReply, call.Kind)
		}
	}
	assert.Equal(t, 1, placeholderChecks, "placeholder still goes through the guard")
}

func TestOrchestrator_CitationLookupFailureUsesPlaceholder(t *testing.T) {
	guard := &fakeGuard{}
	gateway := &fakeGateway{records: []string{textRecord, citationRecord(domain.SearchResult{SourceID: "a", DocID: "x"})}}
	o := newTestOrchestrator(guard, gateway, WithTranscripts(&fakeTranscripts{err: errors.New("warehouse down")}))

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, result.Citations, 1)
	assert.Equal(t, NoTranscriptPlaceholder, result.Citations[0].Transcript)
}

func TestOrchestrator_CitationOrderUnderConcurrency(t *testing.T) {
	refs := make([]domain.SearchResult, 12)
	texts := map[string]string{}
	for i := range refs {
		id := fmt.Sprintf("doc-%02d", i)
		refs[i] = domain.SearchResult{SourceID: fmt.Sprintf("src-%02d", i), DocID: id}
		texts[id] = "transcript " + id
	}
	guard := &fakeGuard{}
	gateway := &fakeGateway{records: []string{textRecord, citationRecord(refs...)}}
	o := newTestOrchestrator(guard, gateway,
		WithConfig(Config{CitationConcurrency: 4}),
		WithTranscripts(&fakeTranscripts{
			texts: texts,
			delay: func(docID string) time.Duration {
				// Earlier citations finish last.
				var n int
				_, _ = fmt.Sscanf(docID, "doc-%d", &n)
				return time.Duration(12-n) * time.Millisecond
			},
		}),
	)

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, result.Citations, len(refs))
	for i, c := range result.Citations {
		assert.Equal(t, refs[i].SourceID, c.SourceID)
		assert.Equal(t, texts[refs[i].DocID], c.Transcript)
	}
}

func TestOrchestrator_CitationsSkippedWithoutAnswer(t *testing.T) {
	guard := &fakeGuard{}
	record := `{"event":"message.delta","data":{"delta":{"content":[{"type":"tool_results","tool_results":{"content":[{"type":"json","json":{"sql":"SELECT 1;","searchResults":[{"source_id":"a","doc_id":"x"}]}}]}}]}}}`
	gateway := &fakeGateway{records: []string{record}}
	lookups := &fakeTranscripts{delay: func(string) time.Duration {
		t.Error("transcript looked up without an answer")
		return 0
	}}
	executor := &fakeExecutor{table: &domain.Table{Columns: []string{"N"}, Rows: [][]string{{"1"}}}}
	o := newTestOrchestrator(guard, gateway, WithTranscripts(lookups), WithExecutor(executor))

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Empty(t, result.AnswerText)
	assert.Empty(t, result.Citations)
	assert.NotNil(t, result.Citations)
	assert.Equal(t, "SELECT 1;", result.GeneratedQuery)
	assert.Equal(t, []string{"SELECT 1"}, executor.statements)
}

func TestOrchestrator_AuditAdvisoryAndBlocking(t *testing.T) {
	table := &domain.Table{Columns: []string{"EMAIL"}, Rows: [][]string{{"ceo@acme.io"}}}
	deny := func(text string, _ domain.ConversationType) domain.GuardDecision {
		if text == "EMAIL\nceo@acme.io\n" {
			return domain.Denied("Result rows contain restricted values.")
		}
		return domain.Authorized(text)
	}

	tests := []struct {
		name      string
		block     bool
		wantTable bool
	}{
		{name: "advisory", block: false, wantTable: true},
		{name: "blocking", block: true, wantTable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := &fakeGuard{decide: deny}
			gateway := &fakeGateway{records: []string{toolRecord}}
			o := newTestOrchestrator(guard, gateway,
				WithExecutor(&fakeExecutor{table: table}),
				WithConfig(Config{BlockOnAuditDenial: tt.block}),
			)

			result, err := o.Run(context.Background(), "q")
			require.NoError(t, err)

			assert.Equal(t, domain.StateDone, result.State)
			assert.True(t, result.Audit.Performed)
			assert.False(t, result.Audit.Authorized)
			assert.Equal(t, tt.block, result.Audit.Blocked)
			assert.Equal(t, "Result rows contain restricted values.", result.Audit.Reason)
			if tt.wantTable {
				assert.Equal(t, table, result.Table)
			} else {
				assert.Nil(t, result.Table)
			}
		})
	}
}

func TestOrchestrator_QueryFailureYieldsNoTable(t *testing.T) {
	guard := &fakeGuard{}
	gateway := &fakeGateway{records: []string{toolRecord}}
	o := newTestOrchestrator(guard, gateway,
		WithExecutor(&fakeExecutor{err: &domain.DataQueryError{Err: errors.New("syntax error")}}),
	)

	result, err := o.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, result.State)
	assert.Nil(t, result.Table)
	assert.False(t, result.Audit.Performed)
	assert.Equal(t, "SELECT 1;", result.GeneratedQuery)
}

func TestOrchestrator_FreshThreadPerTurn(t *testing.T) {
	guard := &fakeGuard{}
	o := NewOrchestrator(guard, &fakeGateway{})

	first, err := o.Run(context.Background(), "one")
	require.NoError(t, err)
	second, err := o.Run(context.Background(), "two")
	require.NoError(t, err)

	assert.NotEmpty(t, first.ThreadID)
	assert.NotEqual(t, first.ThreadID, second.ThreadID)
}
