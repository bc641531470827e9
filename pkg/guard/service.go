package guard

import (
	"context"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// Request is one access check sent to a guard service.
type Request struct {
	Identity         domain.Identity
	Text             string
	ConversationType domain.ConversationType
	ThreadID         string
}

// Response carries the approved, possibly transformed, text.
type Response struct {
	Text string
}

// Service is a policy-decision backend. Rejections are reported as
// *AccessControlError; any other error means no decision could be made.
type Service interface {
	CheckAccess(ctx context.Context, req Request) (Response, error)
}
