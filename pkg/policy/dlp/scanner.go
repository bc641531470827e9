package dlp

import (
	"context"
	"slices"
	"strings"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// Scan checks text against every rule regardless of scope.
func (s *Scanner) Scan(ctx context.Context, text string) (Report, error) {
	return s.ScanFor(ctx, text, "")
}

// ScanFor checks text against the rules scoped to kind. An empty kind selects
// every rule. Offsets in the report refer to text as given.
func (s *Scanner) ScanFor(ctx context.Context, text string, kind domain.ConversationType) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report := Report{Redacted: text}
	if s == nil {
		return report, nil
	}

	var masks []mask
	for _, rule := range s.rules {
		if !rule.covers(kind) {
			continue
		}
		hits := rule.expr.FindAllStringIndex(text, -1)
		if len(hits) == 0 {
			continue
		}
		for _, hit := range hits {
			report.Findings = append(report.Findings, Finding{
				Rule:   rule.name,
				Start:  hit[0],
				End:    hit[1],
				Action: rule.action,
			})
			if rule.action == ActionRedact {
				masks = append(masks, mask{start: hit[0], end: hit[1], with: rule.replacement})
			}
		}
		if rule.action == ActionBlock {
			report.BlockedBy = append(report.BlockedBy, rule.name)
		}
	}

	slices.SortStableFunc(report.Findings, func(a, b Finding) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})

	report.Blocked = len(report.BlockedBy) > 0
	report.Redacted = applyMasks(text, masks)
	report.RedactionsApplied = report.Redacted != text
	return report, nil
}

type mask struct {
	start, end int
	with       string
}

// applyMasks replaces each masked span of text. Where spans overlap, the one
// starting first wins and the rest are dropped; ties go to the longer span.
func applyMasks(text string, masks []mask) string {
	if len(masks) == 0 {
		return text
	}
	slices.SortStableFunc(masks, func(a, b mask) int {
		if a.start != b.start {
			return a.start - b.start
		}
		return b.end - a.end
	})

	var out strings.Builder
	out.Grow(len(text))
	pos := 0
	for _, m := range masks {
		if m.start < pos {
			continue
		}
		out.WriteString(text[pos:m.start])
		out.WriteString(m.with)
		pos = m.end
	}
	out.WriteString(text[pos:])
	return out.String()
}
