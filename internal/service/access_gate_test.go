package service

import (
	"context"
	"testing"
	"time"

	"course_access_backend/internal/config"
	"course_access_backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessGate_UnpublishedCourseDeniedForEveryStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.course(t, "c1", false, 1)

	statuses := []model.EnrollmentStatus{
		model.EnrollmentPending, model.EnrollmentActive, model.EnrollmentCompleted,
		model.EnrollmentExpired, model.EnrollmentCancelled, model.EnrollmentBlocked,
	}
	for i, status := range statuses {
		userID := "u" + string(rune('a'+i))
		env.enroll(t, userID, "c1", status, nil)

		d := env.gate.Check(ctx, student(userID), "c1")
		assert.Equal(t, Denied, d.Outcome, "status %s", status)
		assert.Equal(t, ReasonUnpublished, d.Reason, "status %s", status)
	}
}

func TestAccessGate_GraduatesOnUnpublishedFollowsPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.course(t, "c1", false, 1)
	env.enroll(t, "u1", "c1", model.EnrollmentCompleted, nil)
	env.enroll(t, "u2", "c1", model.EnrollmentActive, nil)

	assert.Equal(t, Denied, env.gate.Check(ctx, student("u1"), "c1").Outcome)

	env.gate.UpdatePolicy(config.AccessConfig{AllowGraduatesOnUnpublished: true})
	assert.Equal(t, Granted, env.gate.Check(ctx, student("u1"), "c1").Outcome)
	// 仍在学习中的学员不受该开关影响
	assert.Equal(t, Denied, env.gate.Check(ctx, student("u2"), "c1").Outcome)
}

func TestAccessGate_ExpiredAccessDeniedEvenWhenActive(t *testing.T) {
	env := newTestEnv(t)
	env.course(t, "c1", true, 1)
	past := env.now.Add(-24 * time.Hour)
	env.enroll(t, "u1", "c1", model.EnrollmentActive, &past)

	d := env.gate.Check(context.Background(), student("u1"), "c1")
	assert.Equal(t, Denied, d.Outcome)
	assert.Equal(t, ReasonExpired, d.Reason)
}

func TestAccessGate_Scenarios(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.course(t, "c1", true, 2)
	future := env.now.Add(30 * 24 * time.Hour)

	// 正常付费学员
	env.enroll(t, "active", "c1", model.EnrollmentActive, &future)
	d := env.gate.Check(ctx, student("active"), "c1")
	assert.Equal(t, Granted, d.Outcome)
	assert.False(t, d.AdminOverride)

	// 已下单未确认付款
	env.enroll(t, "pending", "c1", model.EnrollmentPending, nil)
	d = env.gate.Check(ctx, student("pending"), "c1")
	assert.Equal(t, Pending, d.Outcome)
	assert.Equal(t, ReasonAwaitingPayment, d.Reason)

	// 没有报名记录
	d = env.gate.Check(ctx, student("stranger"), "c1")
	assert.Equal(t, Denied, d.Outcome)
	assert.Equal(t, ReasonNotEnrolled, d.Reason)

	// 被封禁
	env.enroll(t, "blocked", "c1", model.EnrollmentBlocked, &future)
	d = env.gate.Check(ctx, student("blocked"), "c1")
	assert.Equal(t, Denied, d.Outcome)
	assert.Equal(t, string(model.EnrollmentBlocked), d.Reason)

	// 课程不存在
	d = env.gate.Check(ctx, student("active"), "missing")
	assert.Equal(t, Denied, d.Outcome)
	assert.Equal(t, ReasonNotFound, d.Reason)
}

func TestAccessGate_AdminAndOwnerOverride(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.course(t, "c1", false, 1)
	require.NoError(t, env.db.Model(c).Update("owner_id", "teacher-1").Error)

	d := env.gate.Check(ctx, Requester{UserID: "root", Role: model.Admin}, "c1")
	assert.Equal(t, Granted, d.Outcome)
	assert.True(t, d.AdminOverride)

	d = env.gate.Check(ctx, Requester{UserID: "teacher-1", Role: model.Teacher}, "c1")
	assert.Equal(t, Granted, d.Outcome)
	assert.True(t, d.AdminOverride)

	d = env.gate.Check(ctx, Requester{UserID: "teacher-2", Role: model.Teacher}, "c1")
	assert.Equal(t, Denied, d.Outcome)
}

func TestAccessGate_ArchivedDeniedForEveryone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.course(t, "c1", true, 1)
	require.NoError(t, env.db.Model(c).Update("status", model.CourseArchived).Error)
	env.enroll(t, "u1", "c1", model.EnrollmentActive, nil)

	for _, req := range []Requester{student("u1"), {UserID: "root", Role: model.Admin}} {
		d := env.gate.Check(ctx, req, "c1")
		assert.Equal(t, Denied, d.Outcome)
		assert.Equal(t, ReasonArchived, d.Reason)
	}
}

func TestAccessGate_StoreFailureFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.course(t, "c1", true, 1)
	env.enroll(t, "u1", "c1", model.EnrollmentActive, nil)

	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	d := env.gate.Check(context.Background(), student("u1"), "c1")
	assert.Equal(t, Denied, d.Outcome)
	assert.Equal(t, ReasonUnavailable, d.Reason)
}
