package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-safeguard/internal/governance"
	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/stream"
	"github.com/polisai/polis-safeguard/pkg/telemetry"
)

// Defaults for the agent-run request.
const (
	AgentRunPath             = "/api/v2/cortex/agent:run"
	DefaultModel             = "claude-4-sonnet"
	DefaultSemanticModelFile = "@sales_intelligence.data.models/sales_metrics_model.yaml"
	DefaultSearchService     = "sales_intelligence.data.sales_conversation_search"
	DefaultSearchIDColumn    = "conversation_id"
	DefaultSearchLimit       = 10
	DefaultTimeout           = 50000 * time.Millisecond

	maxResponseBody = 32 << 20
	maxReasonBody   = 512
)

// Config configures a Gateway.
type Config struct {
	BaseURL           string
	Token             string
	Model             string
	SemanticModelFile string
	SearchService     string
	SearchIDColumn    string
	Timeout           time.Duration
	CircuitBreaker    governance.CircuitBreakerConfig
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Gateway posts questions to the agent-run endpoint.
type Gateway struct {
	cfg     Config
	url     string
	client  *http.Client
	breaker *governance.CircuitBreaker
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewGateway validates cfg, applies defaults and builds a Gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: backend base url is required", domain.ErrConfigInvalid)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SemanticModelFile == "" {
		cfg.SemanticModelFile = DefaultSemanticModelFile
	}
	if cfg.SearchService == "" {
		cfg.SearchService = DefaultSearchService
	}
	if cfg.SearchIDColumn == "" {
		cfg.SearchIDColumn = DefaultSearchIDColumn
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		cfg:     cfg,
		url:     base + AgentRunPath,
		client:  client,
		breaker: governance.NewCircuitBreaker(cfg.CircuitBreaker),
		logger:  logger,
		tracer:  telemetry.Tracer(),
	}, nil
}

// Run sends query with the given search result limit and returns the event
// records of the reply. A limit below one selects DefaultSearchLimit.
func (g *Gateway) Run(ctx context.Context, query string, limit int) ([]json.RawMessage, error) {
	if limit < 1 {
		limit = DefaultSearchLimit
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	ctx, span := g.tracer.Start(ctx, "backend.agent_run", trace.WithAttributes(
		attribute.Int("backend.search_limit", limit),
		attribute.String("backend.model", g.cfg.Model),
	))
	defer span.End()

	body, err := json.Marshal(g.buildRequest(query, limit))
	if err != nil {
		return nil, &domain.BackendDispatchError{Reason: "encode request", Err: err}
	}

	start := time.Now()
	var (
		records []json.RawMessage
		status  int
	)
	err = g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var callErr error
		records, status, callErr = g.call(ctx, body)
		return callErr
	})
	if errors.Is(err, governance.ErrCircuitOpen) {
		err = &domain.BackendDispatchError{Reason: "circuit open", Err: err}
	}

	outcome := telemetry.OutcomeOK
	if err != nil {
		outcome = telemetry.OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent run failed")
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", status),
		attribute.Int("backend.records", len(records)),
	)
	telemetry.RecordBackendDispatch(ctx, telemetry.BackendMetrics{
		Outcome:  outcome,
		Status:   status,
		Duration: time.Since(start),
	})

	if err != nil {
		return nil, err
	}
	g.logger.Debug("agent run completed", "status", status, "records", len(records))
	return records, nil
}

func (g *Gateway) call(ctx context.Context, body []byte) ([]json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, &domain.BackendDispatchError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, &domain.BackendDispatchError{Reason: "request failed", Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			g.logger.Warn("failed to close backend response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonBody))
		return nil, resp.StatusCode, &domain.BackendDispatchError{
			Status: resp.StatusCode,
			Reason: reasonFromBody(snippet, resp.Status),
		}
	}

	limited := io.LimitReader(resp.Body, maxResponseBody)
	if isEventStream(resp.Header.Get("Content-Type")) {
		records, err := stream.ReadSSE(limited)
		if err != nil {
			return records, resp.StatusCode, &domain.BackendDispatchError{Status: resp.StatusCode, Reason: "read event stream", Err: err}
		}
		return records, resp.StatusCode, nil
	}

	payload, err := io.ReadAll(limited)
	if err != nil {
		return nil, resp.StatusCode, &domain.BackendDispatchError{Status: resp.StatusCode, Reason: "read response", Err: err}
	}
	records, err := DecodeBody(payload)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return records, resp.StatusCode, nil
}

type envelope struct {
	Status  int             `json:"status"`
	Content json.RawMessage `json:"content"`
}

// DecodeBody turns a JSON reply into event records. It accepts a bare event
// array or an envelope {status, content} whose content is an event array or
// a JSON-encoded string holding one. Any other string content carries no
// records.
func DecodeBody(payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		return decodeRecords(trimmed)
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, &domain.BackendDispatchError{Reason: "malformed response envelope", Err: err}
		}
		if env.Status != 0 && (env.Status < 200 || env.Status >= 300) {
			return nil, &domain.BackendDispatchError{Status: env.Status, Reason: "backend reported failure"}
		}
		return decodeContent(env.Content)
	case '"':
		return decodeContent(trimmed)
	default:
		return nil, &domain.BackendDispatchError{Reason: "unexpected response body"}
	}
}

func decodeContent(content json.RawMessage) ([]json.RawMessage, error) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil, nil
	}
	if content[0] == '"' {
		var inner string
		if err := json.Unmarshal(content, &inner); err != nil {
			return nil, &domain.BackendDispatchError{Reason: "malformed response content", Err: err}
		}
		trimmed := strings.TrimSpace(inner)
		if !strings.HasPrefix(trimmed, "[") {
			return nil, nil
		}
		return decodeRecords([]byte(trimmed))
	}
	if content[0] == '[' {
		return decodeRecords(content)
	}
	return nil, nil
}

func decodeRecords(data []byte) ([]json.RawMessage, error) {
	records, err := stream.DecodeRecords(data)
	if err != nil {
		return nil, &domain.BackendDispatchError{Reason: "malformed event array", Err: err}
	}
	return records, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

func reasonFromBody(body []byte, fallback string) string {
	var structured struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && structured.Message != "" {
		if structured.Code != "" {
			return structured.Code + ": " + structured.Message
		}
		return structured.Message
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fallback
}
