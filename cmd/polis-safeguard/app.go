package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-safeguard/internal/governance"
	"github.com/polisai/polis-safeguard/pkg/backend"
	"github.com/polisai/polis-safeguard/pkg/config"
	"github.com/polisai/polis-safeguard/pkg/dataquery"
	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/guard"
	"github.com/polisai/polis-safeguard/pkg/pipeline"
	"github.com/polisai/polis-safeguard/pkg/policy/dlp"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	guard   *guard.AccessGuard
	gateway pipeline.Gateway
	opts    []pipeline.Option
	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	service, err := a.buildGuardService(ctx)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	identity := domain.NewIdentity(cfg.Identity.User, cfg.Identity.Role)
	a.guard = guard.NewAccessGuard(service, identity, guard.WithLogger(logger))

	gateway, err := backend.NewGateway(backend.Config{
		BaseURL:           cfg.Backend.BaseURL,
		Token:             cfg.Backend.Token,
		Model:             cfg.Backend.Model,
		SemanticModelFile: cfg.Backend.SemanticModelFile,
		SearchService:     cfg.Backend.SearchService,
		SearchIDColumn:    cfg.Backend.SearchIDColumn,
		Timeout:           cfg.Backend.Timeout,
		CircuitBreaker:    breakerConfig(cfg.Backend.BreakerFailures, cfg.Backend.BreakerCooldown),
		Logger:            logger,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to build backend gateway: %w", err)
	}
	a.gateway = gateway

	a.opts = []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithConfig(pipeline.Config{
			SearchLimit:         cfg.Pipeline.SearchLimit,
			CitationConcurrency: cfg.Pipeline.CitationConcurrency,
			BlockOnAuditDenial:  cfg.Pipeline.BlockOnAuditDenial,
		}),
	}
	if cfg.DataQuery.Enabled {
		exec, err := dataquery.NewSQLAPIExecutor(dataquery.SQLAPIConfig{
			BaseURL:   cfg.DataQuery.BaseURL,
			Token:     cfg.DataQuery.Token,
			Warehouse: cfg.DataQuery.Warehouse,
			Role:      cfg.DataQuery.Role,
			Database:  cfg.DataQuery.Database,
			Schema:    cfg.DataQuery.Schema,
			Timeout:   cfg.DataQuery.Timeout,
			Logger:    logger,
		})
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to build data query executor: %w", err)
		}
		a.opts = append(a.opts,
			pipeline.WithExecutor(exec),
			pipeline.WithTranscripts(dataquery.NewTranscriptLookup(exec)),
		)
	}

	return a, nil
}

func (a *app) buildGuardService(ctx context.Context) (guard.Service, error) {
	gc := a.cfg.Guard
	switch gc.Mode {
	case config.GuardModeLocal:
		opts := guard.PolicyServiceOptions{Logger: a.logger}
		if gc.PolicyFile != "" {
			modules, err := config.LoadPolicyModules(gc.PolicyFile)
			if err != nil {
				return nil, err
			}
			opts.Modules = modules
		}
		if len(gc.DLPRules) > 0 {
			opts.DLP = &dlp.Config{Rules: gc.DLPRules}
		}
		svc, err := guard.NewPolicyService(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to build policy guard: %w", err)
		}
		if gc.WatchPolicy {
			watcher, err := config.NewPolicyWatcher(gc.PolicyFile, svc.Reload, a.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to watch policy file: %w", err)
			}
			watcher.Start(ctx)
			a.closers = append(a.closers, func(context.Context) error { return watcher.Close() })
		}
		a.logger.Info("Using local policy guard", "policy_file", gc.PolicyFile, "watch", gc.WatchPolicy)
		return svc, nil
	default:
		retry := governance.DefaultRetryConfig()
		retry.MaxRetries = gc.MaxRetries
		svc, err := guard.NewRemoteService(guard.RemoteConfig{
			Endpoint:          gc.Endpoint,
			APIKey:            gc.APIKey,
			BearerToken:       gc.BearerToken,
			VectorDB:          gc.VectorDB,
			UseExternalGroups: gc.UseExternalGroups,
			Timeout:           gc.Timeout,
			Retry:             retry,
			CircuitBreaker:    breakerConfig(gc.BreakerFailures, gc.BreakerCooldown),
			Logger:            a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build remote guard: %w", err)
		}
		a.logger.Info("Using remote policy guard", "endpoint", gc.Endpoint)
		return svc, nil
	}
}

// orchestrator acts for the configured identity.
func (a *app) orchestrator() *pipeline.Orchestrator {
	return pipeline.NewOrchestrator(a.guard, a.gateway, a.opts...)
}

// forIdentity acts for identity while sharing every client with the default
// orchestrator.
func (a *app) forIdentity(identity domain.Identity) pipeline.Runner {
	return pipeline.NewOrchestrator(a.guard.WithIdentity(identity), a.gateway, a.opts...)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func breakerConfig(failures int, cooldown time.Duration) governance.CircuitBreakerConfig {
	cb := governance.DefaultCircuitBreakerConfig()
	cb.MaxFailures = failures
	if cooldown > 0 {
		cb.Timeout = cooldown
	}
	return cb
}
