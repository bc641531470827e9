package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-safeguard/pkg/dataquery"
	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/stream"
	"github.com/polisai/polis-safeguard/pkg/telemetry"
)

// Defaults applied by NewOrchestrator.
const (
	DefaultSearchLimit         = 10
	DefaultCitationConcurrency = 4
)

// Gateway dispatches a question to the reasoning engine.
type Gateway interface {
	Run(ctx context.Context, query string, limit int) ([]json.RawMessage, error)
}

// TranscriptSource resolves a citation's document id to its transcript.
type TranscriptSource interface {
	Lookup(ctx context.Context, docID string) (transcript string, found bool, err error)
}

// Config tunes turn behaviour.
type Config struct {
	// SearchLimit bounds the number of search results the engine returns.
	SearchLimit int
	// CitationConcurrency bounds parallel transcript checks.
	CitationConcurrency int
	// BlockOnAuditDenial withholds the result table when the bulk audit denies
	// it. The audit is advisory otherwise.
	BlockOnAuditDenial bool
}

// Orchestrator coordinates one safeguarded turn at a time per call. It holds
// no per-turn state and is safe for concurrent use.
type Orchestrator struct {
	guard       domain.AccessGuard
	gateway     Gateway
	transcripts TranscriptSource
	executor    dataquery.Executor
	cfg         Config
	logger      *slog.Logger
	tracer      trace.Tracer
	newThread   func() domain.Thread
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithConfig overrides the turn configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithTranscripts enables transcript lookup for citations.
func WithTranscripts(source TranscriptSource) Option {
	return func(o *Orchestrator) { o.transcripts = source }
}

// WithExecutor enables execution and auditing of generated queries.
func WithExecutor(exec dataquery.Executor) Option {
	return func(o *Orchestrator) { o.executor = exec }
}

// WithLogger overrides the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithThreadSource overrides thread id generation.
func WithThreadSource(fn func() domain.Thread) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newThread = fn
		}
	}
}

// NewThread returns a thread with a fresh random identifier.
func NewThread() domain.Thread {
	return domain.Thread{ID: uuid.NewString()}
}

// NewOrchestrator builds an orchestrator around guard and gateway.
func NewOrchestrator(guard domain.AccessGuard, gateway Gateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		guard:     guard,
		gateway:   gateway,
		logger:    slog.Default(),
		tracer:    telemetry.Tracer(),
		newThread: NewThread,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.SearchLimit < 1 {
		o.cfg.SearchLimit = DefaultSearchLimit
	}
	if o.cfg.CitationConcurrency < 1 {
		o.cfg.CitationConcurrency = DefaultCitationConcurrency
	}
	return o
}

// Run executes one turn for utterance under a new thread. The only error
// returned for valid input is domain.ErrInvalidTransition; guard, backend and
// data-query failures are absorbed into the result.
func (o *Orchestrator) Run(ctx context.Context, utterance string) (res domain.SafeguardedResult, err error) {
	if strings.TrimSpace(utterance) == "" {
		return domain.SafeguardedResult{}, domain.ErrEmptyUtterance
	}

	thread := o.newThread()
	state := newTurnState()
	result := domain.SafeguardedResult{ThreadID: thread.ID, Citations: []domain.Citation{}}
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "safeguard.turn", trace.WithAttributes(
		attribute.String("safeguard.thread_id", thread.ID),
	))
	defer func() {
		res.State = state.State()
		span.SetAttributes(
			attribute.String("turn.state", string(res.State)),
			attribute.Bool("turn.rejected", res.Rejected),
		)
		telemetry.RecordTurn(ctx, telemetry.TurnMetrics{
			State:     string(res.State),
			Rejected:  res.Rejected,
			Citations: len(res.Citations),
			Duration:  time.Since(start),
		})
		span.End()
	}()

	logger := o.logger.With("thread_id", thread.ID)

	inbound := o.guard.Check(ctx, utterance, domain.ConversationPrompt, thread)
	if !inbound.Authorized {
		logger.Info("prompt rejected")
		return reject(result, inbound.Payload), state.advance(domain.StateRejected)
	}
	if err := state.advance(domain.StateInboundChecked); err != nil {
		return result, err
	}
	result.Prompt = inbound.Payload

	records, dispatchErr := o.gateway.Run(ctx, inbound.Payload, o.cfg.SearchLimit)
	if dispatchErr != nil {
		logger.Warn("backend dispatch failed, continuing without artifacts", "error", dispatchErr)
		records = nil
	}
	if err := state.advance(domain.StateDispatched); err != nil {
		return result, err
	}

	artifacts, parseErr := stream.Parse(records)
	if parseErr != nil {
		logger.Warn("event stream decoded partially", "error", parseErr)
	}
	if err := state.advance(domain.StateParsed); err != nil {
		return result, err
	}
	logger.Debug("reply parsed",
		"records", len(records),
		"answer_length", len(artifacts.AnswerText),
		"has_query", artifacts.GeneratedQuery != "",
		"citations", len(artifacts.Citations),
	)

	answer, query, denial, ok := o.checkOutbound(ctx, thread, artifacts)
	if !ok {
		logger.Info("reply rejected")
		return reject(result, denial), state.advance(domain.StateRejected)
	}
	if err := state.advance(domain.StateOutboundChecked); err != nil {
		return result, err
	}
	result.AnswerText = NormalizeCitationMarkers(answer)
	result.GeneratedQuery = query
	// Citations annotate the answer; without one they are not shown.
	if result.AnswerText != "" {
		result.Citations = o.resolveCitations(ctx, thread, artifacts.Citations)
	}

	auditor := NewResultAuditor(o.guard, o.executor, o.cfg.BlockOnAuditDenial, logger)
	result.Table, result.Audit = auditor.Audit(ctx, thread, query)
	if err := state.advance(domain.StateAudited); err != nil {
		return result, err
	}

	return result, state.advance(domain.StateDone)
}

// checkOutbound checks the answer and then the query, stopping at the first
// denial.
func (o *Orchestrator) checkOutbound(ctx context.Context, thread domain.Thread, artifacts domain.ExtractedArtifacts) (answer, query, denial string, ok bool) {
	answer = artifacts.AnswerText
	if answer != "" {
		decision := o.guard.Check(ctx, answer, domain.ConversationReply, thread)
		if !decision.Authorized {
			return "", "", decision.Payload, false
		}
		answer = decision.Payload
	}

	query = artifacts.GeneratedQuery
	if query != "" {
		decision := o.guard.Check(ctx, query, domain.ConversationReply, thread)
		if !decision.Authorized {
			return "", "", decision.Payload, false
		}
		query = decision.Payload
	}
	return answer, query, "", true
}

func reject(result domain.SafeguardedResult, reason string) domain.SafeguardedResult {
	result.Rejected = true
	result.Reason = reason
	result.AnswerText = ""
	result.GeneratedQuery = ""
	result.Citations = []domain.Citation{}
	result.Table = nil
	return result
}
