package dataquery

import (
	"context"
	"strings"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// Executor runs a single SQL statement. Args are bound positionally as text
// values and never interpolated into the statement.
type Executor interface {
	Query(ctx context.Context, statement string, args ...string) (*domain.Table, error)
}

// StripTerminators removes statement terminators so a generated query can be
// submitted as a single statement.
func StripTerminators(statement string) string {
	return strings.TrimSpace(strings.ReplaceAll(statement, ";", ""))
}
