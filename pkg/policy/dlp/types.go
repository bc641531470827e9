package dlp

import (
	"regexp"
	"slices"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// Action describes the directive associated with a DLP rule.
type Action string

const (
	// ActionAllow records the finding without altering the text.
	ActionAllow Action = "allow"
	// ActionRedact masks the match before the text is released.
	ActionRedact Action = "redact"
	// ActionBlock causes the whole text unit to be rejected.
	ActionBlock Action = "block"
)

// Rule declares a DLP detection rule. AppliesTo limits the rule to prompts
// or replies; an empty list covers both.
type Rule struct {
	Name        string                    `yaml:"name" json:"name"`
	Pattern     string                    `yaml:"pattern" json:"pattern"`
	Action      Action                    `yaml:"action" json:"action"`
	Replacement string                    `yaml:"replacement,omitempty" json:"replacement,omitempty"`
	AppliesTo   []domain.ConversationType `yaml:"applies_to,omitempty" json:"applies_to,omitempty"`
}

// Config bundles all rule definitions for a Scanner.
type Config struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Finding captures a single DLP match. Start and End are byte offsets into
// the scanned text.
type Finding struct {
	Rule   string
	Start  int
	End    int
	Action Action
}

// Report is the outcome of scanning one text unit. BlockedBy names the block
// rules that matched, in rule order.
type Report struct {
	Findings          []Finding
	Redacted          string
	RedactionsApplied bool
	Blocked           bool
	BlockedBy         []string
}

// Scanner applies DLP rules to textual content. It is safe for concurrent use.
type Scanner struct {
	rules []compiledRule
}

type compiledRule struct {
	name        string
	expr        *regexp.Regexp
	action      Action
	replacement string
	scope       []domain.ConversationType
}

func (r compiledRule) covers(kind domain.ConversationType) bool {
	return kind == "" || len(r.scope) == 0 || slices.Contains(r.scope, kind)
}

func isValidAction(action Action) bool {
	switch action {
	case ActionAllow, ActionRedact, ActionBlock:
		return true
	default:
		return false
	}
}
