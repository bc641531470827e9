package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/polisai/polis-safeguard/pkg/policy"
	"github.com/polisai/polis-safeguard/pkg/policy/dlp"
)

const defaultBlockReason = "This request touches restricted data and cannot be answered."

// PolicyServiceOptions configures the embedded policy guard.
type PolicyServiceOptions struct {
	// Modules are Rego sources keyed by file name. Empty selects the bundled
	// default policy.
	Modules         map[string]string
	Entrypoint      string
	CacheMaxEntries int
	DLP             *dlp.Config
	Logger          *slog.Logger
}

// PolicyService decides locally by running a DLP scan and then an OPA policy
// over the findings.
type PolicyService struct {
	engine  atomic.Pointer[policy.Engine]
	scanner *dlp.Scanner
	opts    PolicyServiceOptions
	logger  *slog.Logger
}

// NewPolicyService compiles the configured policy and DLP rules.
func NewPolicyService(ctx context.Context, opts PolicyServiceOptions) (*PolicyService, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger

	dlpCfg := dlp.DefaultConfig()
	if opts.DLP != nil {
		dlpCfg = *opts.DLP
	}
	scanner, err := dlp.NewScanner(dlpCfg)
	if err != nil {
		return nil, fmt.Errorf("build dlp scanner: %w", err)
	}

	svc := &PolicyService{scanner: scanner, opts: opts, logger: logger}
	if err := svc.Reload(ctx, opts.Modules); err != nil {
		return nil, err
	}
	return svc, nil
}

// Reload swaps in a freshly compiled policy. On failure the previous policy
// stays active.
func (s *PolicyService) Reload(ctx context.Context, modules map[string]string) error {
	if len(modules) == 0 {
		modules = map[string]string{"default.rego": policy.DefaultModule}
	}
	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      s.opts.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: s.opts.CacheMaxEntries,
		Logger:          s.logger,
	})
	if err != nil {
		return fmt.Errorf("load guard policy: %w", err)
	}
	s.engine.Store(engine)
	s.logger.Info("guard policy loaded", "modules", len(modules))
	return nil
}

// CheckAccess implements Service.
func (s *PolicyService) CheckAccess(ctx context.Context, req Request) (Response, error) {
	report, err := s.scanner.ScanFor(ctx, req.Text, req.ConversationType)
	if err != nil {
		return Response{}, &ServiceError{Err: fmt.Errorf("dlp scan: %w", err)}
	}

	findings := make([]policy.Finding, 0, len(report.Findings))
	for _, f := range report.Findings {
		findings = append(findings, policy.Finding{Rule: f.Rule, Action: string(f.Action)})
	}

	engine := s.engine.Load()
	if engine == nil {
		return Response{}, &ServiceError{Err: errors.New("guard policy not loaded")}
	}

	decision, err := engine.Evaluate(ctx, policy.Input{
		Identity:         req.Identity,
		ConversationType: req.ConversationType,
		ThreadID:         req.ThreadID,
		Text:             req.Text,
		Findings:         findings,
	})
	if err != nil {
		return Response{}, &ServiceError{Err: err}
	}

	if decision.Action == policy.ActionBlock || report.Blocked {
		reason := decision.Reason
		if decision.Action != policy.ActionBlock || reason == "" {
			reason = defaultBlockReason
		}
		return Response{}, &AccessControlError{Code: CodeAccessDenied, Message: reason}
	}

	if decision.Action == policy.ActionRedact && report.RedactionsApplied {
		return Response{Text: report.Redacted}, nil
	}
	return Response{Text: req.Text}, nil
}
