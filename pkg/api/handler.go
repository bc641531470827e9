package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/pipeline"
)

// Identity headers honoured when per-request identities are enabled.
const (
	UserHeader = "X-Safeguard-User"
	RoleHeader = "X-Safeguard-Role"
)

const maxRequestBody = 64 << 10

// RunnerFactory builds a turn runner acting for identity.
type RunnerFactory func(identity domain.Identity) pipeline.Runner

// HandlerConfig configures the HTTP surface.
type HandlerConfig struct {
	// Runner serves requests that carry no identity headers.
	Runner pipeline.Runner
	// ForIdentity, when set, serves requests carrying UserHeader.
	ForIdentity RunnerFactory
	Metrics     *Metrics
	Logger      *slog.Logger
}

// TurnRequest is the body of POST /v1/turns.
type TurnRequest struct {
	Utterance string `json:"utterance"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the safeguard HTTP API.
type Handler struct {
	cfg    HandlerConfig
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewHandler builds the handler and registers its routes.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{cfg: cfg, mux: http.NewServeMux(), logger: logger}

	turns := otelhttp.NewHandler(http.HandlerFunc(h.handleTurn), "safeguard.turn")
	h.mux.Handle("POST /v1/turns", cfg.Metrics.Middleware("/v1/turns", turns))
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	h.mux.Handle("GET /metrics", cfg.Metrics.Handler())
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must be JSON with an utterance"})
		return
	}

	runner := h.runnerFor(r)
	if runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no runner configured"})
		return
	}

	start := time.Now()
	result, err := runner.Run(r.Context(), req.Utterance)
	switch {
	case errors.Is(err, domain.ErrEmptyUtterance):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		h.logger.Error("turn failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "turn failed"})
		return
	}

	h.cfg.Metrics.RecordTurn(result, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) runnerFor(r *http.Request) pipeline.Runner {
	if h.cfg.ForIdentity != nil {
		if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
			return h.cfg.ForIdentity(domain.NewIdentity(user, r.Header.Get(RoleHeader)))
		}
	}
	return h.cfg.Runner
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
