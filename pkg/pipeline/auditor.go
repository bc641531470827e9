package pipeline

import (
	"context"
	"log/slog"

	"github.com/polisai/polis-safeguard/pkg/dataquery"
	"github.com/polisai/polis-safeguard/pkg/domain"
)

// ResultAuditor executes an approved query and submits the full result table
// to the guard once.
type ResultAuditor struct {
	guard         domain.AccessGuard
	executor      dataquery.Executor
	blockOnDenial bool
	logger        *slog.Logger
}

// NewResultAuditor builds an auditor. A nil executor disables query execution.
func NewResultAuditor(guard domain.AccessGuard, exec dataquery.Executor, blockOnDenial bool, logger *slog.Logger) *ResultAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultAuditor{
		guard:         guard,
		executor:      exec,
		blockOnDenial: blockOnDenial,
		logger:        logger,
	}
}

// Audit runs query and checks the serialised rows. Execution failures yield
// no table. A denied table is withheld only when blocking is enabled.
func (a *ResultAuditor) Audit(ctx context.Context, thread domain.Thread, query string) (*domain.Table, domain.AuditOutcome) {
	if a.executor == nil || query == "" {
		return nil, domain.AuditOutcome{}
	}
	statement := dataquery.StripTerminators(query)
	if statement == "" {
		return nil, domain.AuditOutcome{}
	}

	table, err := a.executor.Query(ctx, statement)
	if err != nil {
		a.logger.Warn("generated query failed", "thread_id", thread.ID, "error", err)
		return nil, domain.AuditOutcome{}
	}
	if table.Empty() {
		return table, domain.AuditOutcome{}
	}

	csv, err := table.CSV()
	if err != nil {
		a.logger.Warn("result table serialisation failed", "thread_id", thread.ID, "error", err)
		return table, domain.AuditOutcome{}
	}

	decision := a.guard.Check(ctx, csv, domain.ConversationReply, thread)
	outcome := domain.AuditOutcome{Performed: true, Authorized: decision.Authorized}
	if decision.Authorized {
		return table, outcome
	}

	outcome.Reason = decision.Payload
	a.logger.Warn("result table audit denied",
		"thread_id", thread.ID,
		"rows", len(table.Rows),
		"blocking", a.blockOnDenial,
	)
	if a.blockOnDenial {
		outcome.Blocked = true
		return nil, outcome
	}
	return table, outcome
}
