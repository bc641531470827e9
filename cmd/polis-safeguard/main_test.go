package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/pipeline"
)

const answerRecord = `{"event":"message.delta","data":{"delta":{"content":[{"type":"text","text":"Pipeline grew•Acme renewed"}]}}}`

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, "[%s]", answerRecord)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, backendURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "safeguard.yaml")
	content := fmt.Sprintf(`
identity:
  user: alice
  role: SALES_REP
backend:
  base_url: %s
  token: pat
guard:
  mode: local
data_query:
  enabled: false
`, backendURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "ask", "chat"}, names)

	for _, flag := range []string{"config", "env-file", "log-level", "pretty"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestAsk(t *testing.T) {
	srv := newBackend(t)
	cfgPath := writeConfig(t, srv.URL)

	out, err := execute(t, "ask", "--config", cfgPath, "How", "is", "the", "pipeline?")
	require.NoError(t, err)
	assert.Contains(t, out, "Pipeline grew\n\nAcme renewed")
}

func TestAsk_PromptRejected(t *testing.T) {
	srv := newBackend(t)
	cfgPath := writeConfig(t, srv.URL)

	out, err := execute(t, "ask", "--config", cfgPath, "Look up SSN 123-45-6789")
	require.NoError(t, err)
	assert.Contains(t, out, "restricted data")
	assert.NotContains(t, out, "Pipeline grew")
}

func TestAsk_RequiresQuestion(t *testing.T) {
	_, err := execute(t, "ask")
	assert.Error(t, err)
}

func TestAsk_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("guard:\n  mode: local\n"), 0o600))

	_, err := execute(t, "ask", "--config", path, "hi")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

type scriptedRunner struct {
	calls []string
}

func (r *scriptedRunner) Run(_ context.Context, utterance string) (domain.SafeguardedResult, error) {
	r.calls = append(r.calls, utterance)
	if strings.Contains(utterance, "secret") {
		return domain.SafeguardedResult{Rejected: true, Reason: "Not allowed", State: domain.StateRejected}, nil
	}
	return domain.SafeguardedResult{AnswerText: "echo " + utterance, State: domain.StateDone, Citations: []domain.Citation{}}, nil
}

func TestRunChat(t *testing.T) {
	runner := &scriptedRunner{}
	conv := pipeline.NewConversation(runner)
	in := strings.NewReader("hello\n\nsecret stuff\n/new\nagain\n/quit\nignored\n")
	var out bytes.Buffer

	require.NoError(t, runChat(context.Background(), conv, in, &out))

	assert.Equal(t, []string{"hello", "secret stuff", "again"}, runner.calls)
	assert.Contains(t, out.String(), "echo hello")
	assert.Contains(t, out.String(), "Not allowed")
	assert.Contains(t, out.String(), "Started a new conversation.")

	history := conv.History()
	require.Len(t, history, 2)
	assert.Equal(t, "again", history[0].Content)
	assert.Equal(t, "echo again", history[1].Content)
}

func TestRunChat_EOF(t *testing.T) {
	conv := pipeline.NewConversation(&scriptedRunner{})
	var out bytes.Buffer
	assert.NoError(t, runChat(context.Background(), conv, strings.NewReader("hi"), &out))
	assert.Contains(t, out.String(), "echo hi")
}

func TestRenderResult(t *testing.T) {
	tests := []struct {
		name     string
		result   domain.SafeguardedResult
		contains []string
		excludes []string
	}{
		{
			name:     "rejected shows only reason",
			result:   domain.SafeguardedResult{Rejected: true, Reason: "Denied by policy", AnswerText: "leak"},
			contains: []string{"Denied by policy"},
			excludes: []string{"leak"},
		},
		{
			name: "answer with query table and citations",
			result: domain.SafeguardedResult{
				AnswerText:     "Top deals:•Acme",
				GeneratedQuery: "SELECT name FROM deals",
				Table:          &domain.Table{Columns: []string{"NAME", "VALUE"}, Rows: [][]string{{"Acme", "100"}}},
				Citations: []domain.Citation{
					{SourceID: "call-1", DocID: "d1", Transcript: "Hello there", HasTranscript: true},
					{SourceID: "call-2"},
				},
			},
			contains: []string{"Top deals:\n\nAcme", "SQL:\nSELECT name FROM deals", "NAME  VALUE", "Acme  100", "[1] call-1", "    Hello there", "[2] call-2"},
		},
		{
			name: "withheld table",
			result: domain.SafeguardedResult{
				AnswerText: "Here you go",
				Audit:      domain.AuditOutcome{Performed: true, Blocked: true, Reason: "Not for you"},
			},
			contains: []string{"Results withheld: Not for you"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, renderResult(&out, tt.result))
			for _, s := range tt.contains {
				assert.Contains(t, out.String(), s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, out.String(), s)
			}
		})
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, server, listener, time.Second, slog.Default())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String())
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
