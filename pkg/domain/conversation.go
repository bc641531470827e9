package domain

import "strings"

// ConversationType tags a text unit as user input or assistant output.
type ConversationType string

const (
	// ConversationPrompt marks text flowing from the user to the backend.
	ConversationPrompt ConversationType = "PROMPT"
	// ConversationReply marks text flowing from the backend to the user.
	ConversationReply ConversationType = "REPLY"
)

// Valid reports whether the conversation type is one of the known tags.
func (c ConversationType) Valid() bool {
	return c == ConversationPrompt || c == ConversationReply
}

// Thread scopes every guard decision made during one user turn. Threads are
// created by the orchestrator at the start of a turn and never mutated.
type Thread struct {
	ID string
}

// IsZero reports whether the thread carries no identifier.
func (t Thread) IsZero() bool {
	return t.ID == ""
}

// Identity describes who is talking to the pipeline. It is read-only for the
// duration of a turn.
type Identity struct {
	User   string
	Groups []string
}

// NewIdentity normalises a user name and its active role into an Identity.
// Roles reported by the warehouse session are often quoted ("ANALYST"), so
// quotes are stripped before lower-casing.
func NewIdentity(user, role string) Identity {
	id := Identity{User: strings.ToLower(strings.TrimSpace(user))}
	role = strings.ToLower(strings.Trim(strings.TrimSpace(role), `"`))
	if role != "" {
		id.Groups = []string{role}
	}
	return id
}

// Clone returns a copy that does not share the groups slice.
func (i Identity) Clone() Identity {
	return Identity{User: i.User, Groups: append([]string(nil), i.Groups...)}
}
