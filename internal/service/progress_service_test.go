package service

import (
	"context"
	"testing"
	"time"

	"course_access_backend/internal/model"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecalculate_CompletesAndIssuesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1", "Ada Lovelace")
	_, lessons := env.course(t, "c4", true, 5)
	env.enroll(t, "u1", "c4", model.EnrollmentActive, nil)

	env.complete(t, "u1", "c4", lessons[:4])
	res, err := env.progress.RecalculateEnrollmentProgress(ctx, "u1", "c4")
	require.NoError(t, err)
	assert.Equal(t, 80, res.Percent)
	assert.False(t, res.Transitioned)

	env.complete(t, "u1", "c4", lessons[4:])
	res, err = env.progress.RecalculateEnrollmentProgress(ctx, "u1", "c4")
	require.NoError(t, err)
	assert.Equal(t, 100, res.Percent)
	assert.True(t, res.Transitioned)
	require.NotEmpty(t, res.CertificateID)
	firstCert := res.CertificateID

	e, err := env.enrollments.Find(ctx, "u1", "c4")
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentCompleted, e.Status)
	require.NotNil(t, e.CompletedAt)
	completedAt := *e.CompletedAt

	for i := 0; i < 3; i++ {
		res, err = env.progress.RecalculateEnrollmentProgress(ctx, "u1", "c4")
		require.NoError(t, err)
		assert.False(t, res.Transitioned)
		assert.Equal(t, firstCert, res.CertificateID)
	}

	var certs int64
	require.NoError(t, env.db.Model(&model.Certificate{}).Count(&certs).Error)
	assert.Equal(t, int64(1), certs)

	e, err = env.enrollments.Find(ctx, "u1", "c4")
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentCompleted, e.Status)
	assert.True(t, completedAt.Equal(*e.CompletedAt))
	assert.Equal(t, firstCert, e.CertificateID)

	assert.Equal(t, int64(1), env.auditCount(t, model.AuditCertificateIssued))
	assert.Equal(t, int64(1), env.auditCount(t, model.AuditEnrollmentCompleted))
	assert.Len(t, env.pub.ofType(events.CertificateIssued), 1)
}

func TestRecalculate_MissingEnrollmentIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.course(t, "c1", true, 1)

	_, err := env.progress.RecalculateEnrollmentProgress(context.Background(), "u1", "c1")
	assert.Equal(t, util.KindNotFound, util.KindOf(err))
}

func TestRecalculate_IgnoresUnpublishedLessons(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1", "Ada")
	_, lessons := env.course(t, "c1", true, 3)
	env.enroll(t, "u1", "c1", model.EnrollmentActive, nil)

	require.NoError(t, env.db.Model(&model.Lesson{}).Where("id = ?", lessons[2].ID).Update("is_published", false).Error)
	env.complete(t, "u1", "c1", lessons[:2])

	res, err := env.progress.RecalculateEnrollmentProgress(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 100, res.Percent)
	assert.True(t, res.Transitioned)
}

func TestSaveCheckpoint_StaleWriteDiscardedAndCompletionSticky(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, lessons := env.course(t, "c1", true, 2)
	env.enroll(t, "u1", "c1", model.EnrollmentActive, nil)
	lessonID := lessons[0].ID

	res, err := env.progress.SaveCheckpoint(ctx, student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: lessonID, SeekPosition: 120, Completed: true, ClientTimestamp: 2000,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.NewlyCompleted)

	// 乱序到达的旧写入
	res, err = env.progress.SaveCheckpoint(ctx, student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: lessonID, SeekPosition: 5, ClientTimestamp: 1000,
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, 120.0, res.Lesson.SeekPosition)

	// 新的未完成写入只更新播放位置
	res, err = env.progress.SaveCheckpoint(ctx, student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: lessonID, SeekPosition: 30, ClientTimestamp: 3000,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.NewlyCompleted)
	assert.True(t, res.Lesson.Completed)
	assert.Equal(t, 30.0, res.Lesson.SeekPosition)

	assert.Len(t, env.pub.ofType(events.LessonCompleted), 1)

	cp, err := env.progress.GetCourseProgress(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, lessonID, cp.LastLessonID)
	assert.True(t, cp.LessonProgress[lessonID].Completed)
}

func TestSaveCheckpoint_LateWriteStillRecordsCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, lessons := env.course(t, "c1", true, 2)
	env.enroll(t, "u1", "c1", model.EnrollmentActive, nil)
	lessonID := lessons[0].ID

	_, err := env.progress.SaveCheckpoint(ctx, student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: lessonID, SeekPosition: 50, ClientTimestamp: 5000,
	})
	require.NoError(t, err)

	// 设备时钟偏慢：带完成标记的写入时间戳更早
	res, err := env.progress.SaveCheckpoint(ctx, student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: lessonID, SeekPosition: 600, Completed: true, ClientTimestamp: 4000,
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.NewlyCompleted)
	assert.True(t, res.Lesson.Completed)
	assert.NotNil(t, res.Lesson.CompletedAt)
	assert.Equal(t, 50.0, res.Lesson.SeekPosition)
	assert.Equal(t, int64(5000), res.Lesson.ClientTimestamp)
	assert.Len(t, env.pub.ofType(events.LessonCompleted), 1)

	cp, err := env.progress.GetCourseProgress(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, cp.LessonProgress[lessonID].Completed)
}

func TestSaveCheckpoint_UnstampedWritesDoNotTakePartInOrdering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, lessons := env.course(t, "c1", true, 2)
	env.enroll(t, "u1", "c1", model.EnrollmentActive, nil)
	lessonID := lessons[0].ID

	res, err := env.progress.SaveCheckpoint(ctx, student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: lessonID, SeekPosition: 10,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Zero(t, res.Lesson.ClientTimestamp)

	// 设备时钟远早于服务器时钟也不会被当作旧写入
	deviceClock := env.now.Add(-time.Minute).UnixMilli()
	res, err = env.progress.SaveCheckpoint(ctx, student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: lessonID, SeekPosition: 600, Completed: true, ClientTimestamp: deviceClock,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.NewlyCompleted)
	assert.Equal(t, 600.0, res.Lesson.SeekPosition)

	// 之后的无时间戳写入更新位置，但保留设备时间戳
	res, err = env.progress.SaveCheckpoint(ctx, student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: lessonID, SeekPosition: 20,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 20.0, res.Lesson.SeekPosition)
	assert.Equal(t, deviceClock, res.Lesson.ClientTimestamp)
	assert.True(t, res.Lesson.Completed)
}

func TestSaveCheckpoint_RejectsNegativeTimestamp(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.progress.SaveCheckpoint(context.Background(), student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: "l1", ClientTimestamp: -5,
	})
	assert.Equal(t, util.KindInvalid, util.KindOf(err))
}

func TestSaveCheckpoint_RejectedWhenAccessExpired(t *testing.T) {
	env := newTestEnv(t)
	_, lessons := env.course(t, "c2", true, 1)
	past := env.now.AddDate(0, 0, -1)
	env.enroll(t, "u1", "c2", model.EnrollmentActive, &past)

	_, err := env.progress.SaveCheckpoint(context.Background(), student("u1"), CheckpointInput{
		CourseID: "c2", LessonID: lessons[0].ID, SeekPosition: 10,
	})
	assert.Equal(t, util.KindForbidden, util.KindOf(err))

	rows, err := env.progressRepo.ListLessonProgress(context.Background(), "u1", "c2")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSaveCheckpoint_RejectsNegativeSeek(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.progress.SaveCheckpoint(context.Background(), student("u1"), CheckpointInput{
		CourseID: "c1", LessonID: "l1", SeekPosition: -1,
	})
	assert.Equal(t, util.KindInvalid, util.KindOf(err))
}

func TestBackfill_PartialFailureDoesNotAbort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "u1", "Ada")
	env.user(t, "u2", "Grace")
	_, lessons := env.course(t, "c1", true, 2)

	env.enroll(t, "u1", "c1", model.EnrollmentActive, nil)
	env.enroll(t, "u2", "c1", model.EnrollmentActive, nil)
	// u3 没有用户资料，签发证书时前置条件不满足
	env.enroll(t, "u3", "c1", model.EnrollmentActive, nil)
	env.enroll(t, "u4", "c1", model.EnrollmentPending, nil)

	env.complete(t, "u1", "c1", lessons)
	env.complete(t, "u3", "c1", lessons)

	report, err := env.progress.RunBackfill(ctx, SystemActor)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Errors)

	byID := map[string]BackfillDetail{}
	for _, d := range report.Details {
		byID[d.EnrollmentID] = d
	}
	assert.True(t, byID["u1_c1"].Transitioned)
	assert.NotEmpty(t, byID["u3_c1"].Error)
	assert.NotContains(t, byID, "u2_c1")

	// 重跑不再产生迁移
	report, err = env.progress.RunBackfill(ctx, SystemActor)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	for _, d := range report.Details {
		assert.False(t, d.Transitioned)
	}
	assert.Equal(t, int64(2), env.auditCount(t, model.AuditBackfillRun))
}
