package policy

import (
	_ "embed"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// DefaultModule is the bundled Rego policy used when no policy file is
// configured. It blocks text with blocking DLP findings and redacts text with
// redacting findings.
//
//go:embed default.rego
var DefaultModule string

// DefaultEntrypoint is the decision path evaluated when none is supplied.
const DefaultEntrypoint = "safeguard/decision"

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the text unchanged.
	ActionAllow Action = "allow"
	// ActionRedact allows the text after redaction is applied.
	ActionRedact Action = "redact"
	// ActionBlock rejects the text.
	ActionBlock Action = "block"
)

// Decision captures the result of a policy evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Finding is a content-scanner match summarised for policy input. Matched
// text is deliberately absent.
type Finding struct {
	Rule   string
	Action string
}

// Input provides context for policy evaluation.
type Input struct {
	Identity         domain.Identity
	ConversationType domain.ConversationType
	ThreadID         string
	Text             string
	Findings         []Finding
	Entrypoint       string
	DisableCache     bool
}
