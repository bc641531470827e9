package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-safeguard/internal/governance"
	"github.com/polisai/polis-safeguard/pkg/domain"
)

const (
	authorizePath        = "/shield/authorize"
	defaultRemoteTimeout = 10 * time.Second
	maxErrorBody         = 4 << 10
)

// RemoteConfig configures the HTTP policy-decision client.
type RemoteConfig struct {
	Endpoint          string
	APIKey            string
	BearerToken       string
	VectorDB          string
	UseExternalGroups bool
	Timeout           time.Duration
	Retry             governance.RetryConfig
	CircuitBreaker    governance.CircuitBreakerConfig
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// RemoteService calls a policy-decision server over HTTP.
type RemoteService struct {
	url               string
	apiKey            string
	bearer            string
	vectorDB          string
	useExternalGroups bool
	client            *http.Client
	retry             *governance.RetryPolicy
	breaker           *governance.CircuitBreaker
	logger            *slog.Logger
	newID             func() string
}

type authorizeRequest struct {
	RequestID         string   `json:"request_id"`
	ThreadID          string   `json:"thread_id"`
	UserID            string   `json:"user_id"`
	UserGroups        []string `json:"user_groups"`
	UseExternalGroups bool     `json:"use_external_groups"`
	ConversationType  string   `json:"conversation_type"`
	RequestText       []string `json:"request_text"`
	VectorDB          string   `json:"vector_db,omitempty"`
}

type authorizeResponse struct {
	IsAllowed        bool              `json:"is_allowed"`
	ErrorCode        string            `json:"error_code,omitempty"`
	ResponseMessages []responseMessage `json:"response_messages"`
}

type responseMessage struct {
	ResponseText string `json:"response_text"`
}

// NewRemoteService validates cfg and builds a client.
func NewRemoteService(cfg RemoteConfig) (*RemoteService, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("%w: guard endpoint is required", domain.ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: guard application key is required", domain.ErrConfigInvalid)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRemoteTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteService{
		url:               endpoint + authorizePath,
		apiKey:            cfg.APIKey,
		bearer:            cfg.BearerToken,
		vectorDB:          cfg.VectorDB,
		useExternalGroups: cfg.UseExternalGroups,
		client:            client,
		retry:             governance.NewRetryPolicy(cfg.Retry),
		breaker:           governance.NewCircuitBreaker(cfg.CircuitBreaker),
		logger:            logger,
		newID:             uuid.NewString,
	}, nil
}

// CheckAccess implements Service.
func (s *RemoteService) CheckAccess(ctx context.Context, req Request) (Response, error) {
	groups := req.Identity.Groups
	if groups == nil {
		groups = []string{}
	}
	body, err := json.Marshal(authorizeRequest{
		RequestID:         s.newID(),
		ThreadID:          req.ThreadID,
		UserID:            req.Identity.User,
		UserGroups:        groups,
		UseExternalGroups: s.useExternalGroups,
		ConversationType:  strings.ToLower(string(req.ConversationType)),
		RequestText:       []string{req.Text},
		VectorDB:          s.vectorDB,
	})
	if err != nil {
		return Response{}, &ServiceError{Err: fmt.Errorf("encode authorize request: %w", err)}
	}

	var decoded authorizeResponse
	err = s.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		status, err := s.retry.Do(ctx, func(ctx context.Context) (int, error) {
			return s.post(ctx, body, &decoded)
		})
		if err != nil {
			return &ServiceError{Err: err}
		}
		if status < 200 || status >= 300 {
			return &ServiceError{Status: status}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, governance.ErrCircuitOpen) {
			return Response{}, &ServiceError{Err: err}
		}
		return Response{}, err
	}

	text := ""
	if len(decoded.ResponseMessages) > 0 {
		text = decoded.ResponseMessages[0].ResponseText
	}

	if !decoded.IsAllowed {
		code := decoded.ErrorCode
		if code == "" {
			code = CodeAccessDenied
		}
		return Response{}, &AccessControlError{Code: code, Message: text}
	}

	return Response{Text: text}, nil
}

func (s *RemoteService) post(ctx context.Context, body []byte, out *authorizeResponse) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build authorize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-paig-api-key", s.apiKey)
	if s.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.bearer)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("authorize request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("failed to close guard response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.logger.Debug("guard service rejected request",
			"status", resp.StatusCode,
			"body_length", len(snippet),
		)
		return resp.StatusCode, nil
	}

	*out = authorizeResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode authorize response: %w", err)
	}
	return resp.StatusCode, nil
}
