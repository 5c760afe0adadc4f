package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatic_Capabilities(t *testing.T) {
	s := NewStatic([]string{"ops@clearstake.io"}, []string{"review@clearstake.io"})
	ctx := context.Background()

	assert.True(t, s.CanManageAttestors(ctx, "ops@clearstake.io"))
	assert.True(t, s.CanAdministerPolicies(ctx, "ops@clearstake.io"))
	assert.True(t, s.CanReviewRequests(ctx, "ops@clearstake.io")) // admin implies reviewer

	assert.False(t, s.CanManageAttestors(ctx, "review@clearstake.io"))
	assert.False(t, s.CanAdministerPolicies(ctx, "review@clearstake.io"))
	assert.True(t, s.CanReviewRequests(ctx, "review@clearstake.io"))

	assert.False(t, s.CanManageAttestors(ctx, "anon"))
	assert.False(t, s.CanReviewRequests(ctx, ""))
}
