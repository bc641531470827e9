package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/telemetry"
)

const exceptionPrefix = "AccessControlException: "

// AccessGuard adapts a Service into domain.AccessGuard for a fixed identity.
type AccessGuard struct {
	service  Service
	identity domain.Identity
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option customises an AccessGuard.
type Option func(*AccessGuard)

// WithLogger overrides the guard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *AccessGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTracer overrides the tracer used for guard spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *AccessGuard) {
		if tracer != nil {
			g.tracer = tracer
		}
	}
}

// NewAccessGuard binds service to identity.
func NewAccessGuard(service Service, identity domain.Identity, opts ...Option) *AccessGuard {
	g := &AccessGuard{
		service:  service,
		identity: identity.Clone(),
		logger:   slog.Default(),
		tracer:   telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Identity returns the identity the guard checks on behalf of.
func (g *AccessGuard) Identity() domain.Identity {
	return g.identity.Clone()
}

// WithIdentity returns a guard sharing the same service for another identity.
func (g *AccessGuard) WithIdentity(identity domain.Identity) *AccessGuard {
	clone := *g
	clone.identity = identity.Clone()
	return &clone
}

// Check asks the service whether text may flow in the given direction.
func (g *AccessGuard) Check(ctx context.Context, text string, kind domain.ConversationType, thread domain.Thread) domain.GuardDecision {
	if text == "" {
		return domain.Authorized("")
	}

	ctx, span := g.tracer.Start(ctx, "guard.check", trace.WithAttributes(
		attribute.String("guard.conversation_type", string(kind)),
		attribute.String("safeguard.thread_id", thread.ID),
		attribute.Int("guard.text_length", len(text)),
	))
	defer span.End()

	start := time.Now()
	resp, err := g.service.CheckAccess(ctx, Request{
		Identity:         g.identity.Clone(),
		Text:             text,
		ConversationType: kind,
		ThreadID:         thread.ID,
	})
	elapsed := time.Since(start)

	if err != nil {
		reason := CleanMessage(exceptionPrefix + err.Error())
		outcome := telemetry.OutcomeDenied
		if !IsAccessControl(err) {
			outcome = telemetry.OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, "guard service failure")
			g.logger.Warn("guard service failure",
				"thread_id", thread.ID,
				"conversation_type", kind,
				"error", err,
				"service_unavailable", errors.Is(err, domain.ErrGuardService),
			)
		} else {
			g.logger.Info("guard denied text",
				"thread_id", thread.ID,
				"conversation_type", kind,
				"text_length", len(text),
			)
		}
		telemetry.RecordSecurityEvent(span, true, outcome, string(kind))
		telemetry.RecordGuardCheck(ctx, telemetry.GuardCheckMetrics{
			ConversationType: string(kind),
			Outcome:          outcome,
			Duration:         elapsed,
		})
		return domain.Denied(reason)
	}

	approved := resp.Text
	if approved == "" {
		approved = text
	}

	g.logger.Debug("guard authorized text",
		"thread_id", thread.ID,
		"conversation_type", kind,
		"text_length", len(text),
		"transformed", approved != text,
	)
	telemetry.RecordGuardCheck(ctx, telemetry.GuardCheckMetrics{
		ConversationType: string(kind),
		Outcome:          telemetry.OutcomeAuthorized,
		Duration:         elapsed,
	})
	return domain.Authorized(approved)
}
