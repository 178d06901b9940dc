package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"course_access_backend/internal/config"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/pkg/database"
	"course_access_backend/pkg/events"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) ofType(t string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	db  *gorm.DB
	now time.Time
	pub *recordingPublisher

	users         *repository.UserRepository
	courses       *repository.CourseRepository
	enrollments   *repository.EnrollmentRepository
	progressRepo  *repository.ProgressRepository
	certRepo      *repository.CertificateRepository
	auditRepo     *repository.AuditRepository
	paymentEvents *repository.PaymentEventRepository

	audit        *AuditService
	gate         *AccessGate
	certificates *CertificateService
	progress     *ProgressService
	enrollment   *EnrollmentService
	payment      *PaymentService
}

const testWebhookSecret = "whsec_test"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	log := zap.NewNop()
	env := &testEnv{
		db:            db,
		now:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		pub:           &recordingPublisher{},
		users:         repository.NewUserRepository(db),
		courses:       repository.NewCourseRepository(db),
		enrollments:   repository.NewEnrollmentRepository(db),
		progressRepo:  repository.NewProgressRepository(db),
		certRepo:      repository.NewCertificateRepository(db),
		auditRepo:     repository.NewAuditRepository(db),
		paymentEvents: repository.NewPaymentEventRepository(db),
	}
	clock := func() time.Time { return env.now }

	env.audit = NewAuditService(env.auditRepo, log)
	env.gate = NewAccessGate(env.courses, env.enrollments, config.AccessConfig{}, log)
	env.gate.Now = clock
	env.certificates = NewCertificateService(env.users, env.courses, env.enrollments, env.certRepo, env.audit, env.pub,
		&config.CertificateConfig{NumberPrefix: "CA", VerifyBaseURL: "https://example.test/verify"}, log)
	env.certificates.Now = clock
	env.progress = NewProgressService(env.courses, env.enrollments, env.progressRepo, env.gate, env.certificates, env.audit, env.pub,
		config.BackfillConfig{BatchSize: 2, Concurrency: 2}, log)
	env.progress.Now = clock
	env.enrollment = NewEnrollmentService(env.courses, env.users, env.enrollments, env.audit, env.pub, log)
	env.enrollment.Now = clock
	env.payment = NewPaymentService(env.enrollments, env.paymentEvents, env.audit, env.pub, testWebhookSecret, log)
	env.payment.Now = clock
	return env
}

func (env *testEnv) user(t *testing.T, id, name string) *model.User {
	t.Helper()
	u := &model.User{UUIDBase: model.UUIDBase{ID: id}, DisplayName: name, Email: id + "@example.test"}
	require.NoError(t, env.users.Create(context.Background(), u))
	return u
}

func (env *testEnv) course(t *testing.T, id string, published bool, lessonCount int) (*model.Course, []model.Lesson) {
	t.Helper()
	ctx := context.Background()
	c := &model.Course{UUIDBase: model.UUIDBase{ID: id}, Title: "Course " + id, IsPublished: published, Status: model.CourseOpen, WorkloadHours: 12}
	require.NoError(t, env.courses.Create(ctx, c))
	m := &model.CourseModule{CourseID: id, Title: "Module 1", IsPublished: true}
	require.NoError(t, env.courses.CreateModule(ctx, m))

	lessons := make([]model.Lesson, 0, lessonCount)
	for i := 0; i < lessonCount; i++ {
		l := model.Lesson{CourseID: id, ModuleID: m.ID, Title: "Lesson", Order: i, IsPublished: true}
		require.NoError(t, env.courses.CreateLesson(ctx, &l))
		lessons = append(lessons, l)
	}
	return c, lessons
}

func (env *testEnv) enroll(t *testing.T, userID, courseID string, status model.EnrollmentStatus, accessUntil *time.Time) *model.Enrollment {
	t.Helper()
	e := &model.Enrollment{
		UserID:        userID,
		CourseID:      courseID,
		Status:        status,
		PaymentStatus: model.PaymentPaid,
		Source:        model.SourceAdminGrant,
		AccessUntil:   accessUntil,
	}
	require.NoError(t, env.enrollments.Create(context.Background(), e))
	return e
}

func (env *testEnv) complete(t *testing.T, userID, courseID string, lessons []model.Lesson) {
	t.Helper()
	for i, l := range lessons {
		_, err := env.progressRepo.MergeLessonProgress(context.Background(), model.LessonProgress{
			UserID:          userID,
			CourseID:        courseID,
			LessonID:        l.ID,
			Completed:       true,
			SeekPosition:    60,
			ClientTimestamp: int64(1000 + i),
		})
		require.NoError(t, err)
	}
}

func (env *testEnv) auditCount(t *testing.T, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.db.Model(&model.AuditLog{}).Where("action = ?", action).Count(&n).Error)
	return n
}

func student(id string) Requester {
	return Requester{UserID: id, Role: model.Student}
}
