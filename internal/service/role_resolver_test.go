package service

import (
	"context"
	"testing"

	"course_access_backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleResolver_Precedence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	teacher := &model.User{UUIDBase: model.UUIDBase{ID: "t1"}, DisplayName: "T", Email: "t1@example.test", Role: model.Teacher}
	require.NoError(t, env.users.Create(ctx, teacher))
	plain := env.user(t, "u1", "Plain")

	bootstrap := NewBootstrapEmailSource([]string{"Boss@Example.test"})
	resolver := NewRoleResolver(ClaimsRoleSource{}, ProfileRoleSource{Users: env.users}, bootstrap)

	cases := []struct {
		name   string
		id     Identity
		role   model.UserRole
		source string
	}{
		{"claim wins over profile", Identity{UserID: "t1", ClaimRole: model.Admin}, model.Admin, "claims"},
		{"profile when no claim", Identity{UserID: "t1", Email: "boss@example.test"}, model.Teacher, "profile"},
		{"bootstrap when profile has no role", Identity{UserID: plain.ID, Email: "boss@example.test"}, model.Admin, "bootstrap"},
		{"default student", Identity{UserID: plain.ID, Email: plain.Email}, model.Student, "default"},
		{"unknown claim ignored", Identity{UserID: "t1", ClaimRole: "superuser"}, model.Teacher, "profile"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			role, source := resolver.ResolveWithSource(ctx, tc.id)
			assert.Equal(t, tc.role, role)
			assert.Equal(t, tc.source, source)
		})
	}

	bootstrap.Update(nil)
	assert.Equal(t, model.Student, resolver.Resolve(ctx, Identity{UserID: plain.ID, Email: "boss@example.test"}))
}
