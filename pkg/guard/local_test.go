package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/policy/dlp"
)

const regionPolicy = `package safeguard

import rego.v1

default decision := {"action": "allow"}

decision := {"action": "block", "reason": "Only managers may see account rankings."} if {
	input.conversation_type == "REPLY"
	contains(lower(input.text), "ranking")
	not "manager" in input.identity.groups
}
`

func newPolicyService(t *testing.T, modules map[string]string) *PolicyService {
	t.Helper()
	svc, err := NewPolicyService(context.Background(), PolicyServiceOptions{Modules: modules})
	require.NoError(t, err)
	return svc
}

func TestPolicyService_DefaultPolicy(t *testing.T) {
	svc := newPolicyService(t, nil)
	ctx := context.Background()

	resp, err := svc.CheckAccess(ctx, Request{Text: "show acme pipeline", ConversationType: domain.ConversationPrompt})
	require.NoError(t, err)
	assert.Equal(t, "show acme pipeline", resp.Text)

	resp, err = svc.CheckAccess(ctx, Request{Text: "contact jane@acme.io", ConversationType: domain.ConversationReply})
	require.NoError(t, err)
	assert.Equal(t, "contact [REDACTED:email]", resp.Text)

	_, err = svc.CheckAccess(ctx, Request{Text: "ssn 123-45-6789", ConversationType: domain.ConversationReply})
	var ace *AccessControlError
	require.True(t, errors.As(err, &ace))
	assert.Equal(t, CodeAccessDenied, ace.Code)
	assert.Equal(t, defaultBlockReason, ace.Message)
}

func TestPolicyService_DLPScopedToConversationType(t *testing.T) {
	svc, err := NewPolicyService(context.Background(), PolicyServiceOptions{DLP: &dlp.Config{Rules: []dlp.Rule{
		{Name: "margin", Pattern: `margin [0-9]+%`, Action: dlp.ActionBlock, AppliesTo: []domain.ConversationType{domain.ConversationReply}},
	}}})
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := svc.CheckAccess(ctx, Request{Text: "is margin 40% normal?", ConversationType: domain.ConversationPrompt})
	require.NoError(t, err)
	assert.Equal(t, "is margin 40% normal?", resp.Text)

	_, err = svc.CheckAccess(ctx, Request{Text: "margin 40% on Acme", ConversationType: domain.ConversationReply})
	var ace *AccessControlError
	require.True(t, errors.As(err, &ace))
	assert.Equal(t, CodeAccessDenied, ace.Code)
}

func TestPolicyService_BlockReasonReachesUser(t *testing.T) {
	svc := newPolicyService(t, nil)
	g := NewAccessGuard(svc, domain.NewIdentity("alice", "sales_rep"))

	decision := g.Check(context.Background(), "ssn 123-45-6789", domain.ConversationReply, domain.Thread{ID: "t"})

	assert.False(t, decision.Authorized)
	assert.Equal(t, defaultBlockReason, decision.Payload)
}

func TestPolicyService_IdentityAwarePolicy(t *testing.T) {
	svc := newPolicyService(t, map[string]string{"region.rego": regionPolicy})
	ctx := context.Background()
	req := Request{Text: "Account ranking: acme first", ConversationType: domain.ConversationReply}

	req.Identity = domain.NewIdentity("bob", "sales_rep")
	_, err := svc.CheckAccess(ctx, req)
	require.True(t, IsAccessControl(err))

	req.Identity = domain.NewIdentity("carol", "MANAGER")
	resp, err := svc.CheckAccess(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.Text, resp.Text)
}

func TestPolicyService_Reload(t *testing.T) {
	svc := newPolicyService(t, nil)
	ctx := context.Background()
	req := Request{
		Identity:         domain.NewIdentity("bob", "sales_rep"),
		Text:             "ranking report",
		ConversationType: domain.ConversationReply,
	}

	_, err := svc.CheckAccess(ctx, req)
	require.NoError(t, err)

	require.NoError(t, svc.Reload(ctx, map[string]string{"region.rego": regionPolicy}))
	_, err = svc.CheckAccess(ctx, req)
	assert.True(t, IsAccessControl(err))

	require.Error(t, svc.Reload(ctx, map[string]string{"broken.rego": "package safeguard\n\ndecision := {"}))
	_, err = svc.CheckAccess(ctx, req)
	assert.True(t, IsAccessControl(err), "failed reload keeps previous policy")
}
