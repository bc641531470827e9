package guard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCleanMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "internal prefix is stripped",
			message: InternalErrorPrefix + "Sorry, you cannot ask about salaries.  ",
			want:    "Sorry, you cannot ask about salaries.",
		},
		{
			name:    "denial wording is replaced",
			message: InternalErrorPrefix + "Access Denied for user",
			want:    GenericDenial,
		},
		{
			name:    "other codes are generic",
			message: "AccessControlException: ERROR: PAIG-500001: internal failure",
			want:    GenericDenial,
		},
		{
			name:    "transport errors are generic",
			message: "AccessControlException: guard service unreachable: dial tcp: connection refused",
			want:    GenericDenial,
		},
		{
			name:    "empty message",
			message: "",
			want:    GenericDenial,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanMessage(tt.message))
		})
	}
}

func TestCleanMessage_PrefixedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		suffix := rapid.String().Draw(rt, "suffix")
		got := CleanMessage(InternalErrorPrefix + suffix)

		if strings.Contains(strings.ToLower(suffix), "denied") {
			if got != GenericDenial {
				rt.Fatalf("expected generic message for %q, got %q", suffix, got)
			}
			return
		}
		if got != strings.TrimSpace(suffix) {
			rt.Fatalf("expected %q, got %q", strings.TrimSpace(suffix), got)
		}
	})
}

func TestCleanMessage_UnprefixedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		message := rapid.String().Draw(rt, "message")
		if strings.HasPrefix(message, InternalErrorPrefix) {
			rt.Skip("prefixed input")
		}
		if got := CleanMessage(message); got != GenericDenial {
			rt.Fatalf("expected generic message for %q, got %q", message, got)
		}
	})
}
