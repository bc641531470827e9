// Package dlp provides configurable data loss prevention scanning used by the
// local guard to redact or block sensitive values in prompts, replies and
// audited result tables.
package dlp

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// DefaultConfig returns a baseline configuration covering common PII classes.
func DefaultConfig() Config {
	return Config{
		Rules: []Rule{
			{
				Name:        "email",
				Pattern:     `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
				Action:      ActionRedact,
				Replacement: "[REDACTED:email]",
			},
			{
				Name:    "ssn",
				Pattern: `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`,
				Action:  ActionBlock,
			},
			{
				Name:        "card",
				Pattern:     `\b(?:[0-9]{4}[ -]?){3}[0-9]{4}\b`,
				Action:      ActionRedact,
				Replacement: "[REDACTED:card]",
			},
		},
	}
}

// NewScanner constructs a Scanner for the provided configuration.
func NewScanner(cfg Config) (*Scanner, error) {
	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("dlp: rule name is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("dlp: pattern is required for rule %s", name)
		}
		action := rule.Action
		if action == "" {
			action = ActionRedact
		}
		if !isValidAction(action) {
			return nil, fmt.Errorf("dlp: unsupported action %q for rule %s", action, name)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp: invalid pattern for rule %s: %w", name, err)
		}
		replacement := rule.Replacement
		if replacement == "" && action == ActionRedact {
			replacement = fmt.Sprintf("[REDACTED:%s]", name)
		}
		scope := make([]domain.ConversationType, 0, len(rule.AppliesTo))
		for _, kind := range rule.AppliesTo {
			kind = domain.ConversationType(strings.ToUpper(strings.TrimSpace(string(kind))))
			if !kind.Valid() {
				return nil, fmt.Errorf("dlp: unknown conversation type %q for rule %s", kind, name)
			}
			scope = append(scope, kind)
		}

		compiled = append(compiled, compiledRule{
			name:        name,
			expr:        expr,
			action:      action,
			replacement: replacement,
			scope:       scope,
		})
	}

	return &Scanner{rules: compiled}, nil
}
