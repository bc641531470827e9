package guard

import "strings"

const (
	// InternalErrorPrefix marks access-control errors whose remainder is safe
	// to show to users.
	InternalErrorPrefix = "AccessControlException: ERROR: PAIG-400004: "

	// GenericDenial is shown whenever an error message may leak internals.
	GenericDenial = "Looks like you’re not authorized to get information about that."
)

// CleanMessage maps a raw access-control error message to user-facing text.
// Messages carrying the internal prefix are shown without it, unless they
// mention a denial, in which case the generic message is substituted.
func CleanMessage(message string) string {
	if strings.HasPrefix(message, InternalErrorPrefix) && !strings.Contains(strings.ToLower(message), "denied") {
		return strings.TrimSpace(message[len(InternalErrorPrefix):])
	}
	return GenericDenial
}
