package domain

import "context"

// GuardDecision is the outcome of one access check. When Authorized is true,
// Payload holds the approved and possibly redacted text; otherwise it holds a
// user-safe explanation.
type GuardDecision struct {
	Authorized bool
	Payload    string
}

// Authorized builds an approving decision.
func Authorized(text string) GuardDecision {
	return GuardDecision{Authorized: true, Payload: text}
}

// Denied builds a rejecting decision carrying a user-facing reason.
func Denied(reason string) GuardDecision {
	return GuardDecision{Authorized: false, Payload: reason}
}

// AccessGuard evaluates a single text unit for one identity within a thread.
// Implementations never return errors: service failures are folded into a
// denial so callers always receive a presentable decision.
type AccessGuard interface {
	Check(ctx context.Context, text string, kind ConversationType, thread Thread) GuardDecision
}
