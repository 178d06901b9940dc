package service

import (
	"context"
	"course_access_backend/internal/config"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/pkg/monitoring"
	"course_access_backend/pkg/tracing"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Outcome string

const (
	Granted Outcome = "GRANTED"
	Denied  Outcome = "DENIED"
	Pending Outcome = "PENDING"
)

// 拒绝/等待原因
const (
	ReasonNotFound        = "not_found"
	ReasonUnpublished     = "unpublished"
	ReasonArchived        = "archived"
	ReasonNotEnrolled     = "not_enrolled"
	ReasonAwaitingPayment = "awaiting_payment_confirmation"
	ReasonExpired         = "expired"
	ReasonUnavailable     = "unavailable"
	ReasonInvalidStatus   = "invalid_status"
)

// Decision 访问判定结果，是值而不是错误，调用方必须据此分支
type Decision struct {
	Outcome       Outcome `json:"outcome"`
	Reason        string  `json:"reason,omitempty"`
	AdminOverride bool    `json:"adminOverride,omitempty"`

	Course     *model.Course     `json:"-"`
	Enrollment *model.Enrollment `json:"-"`
}

func (d Decision) Allowed() bool {
	return d.Outcome == Granted
}

// Requester 发起访问的用户
type Requester struct {
	UserID string
	Role   model.UserRole
}

func (r Requester) Actor() model.AuditActor {
	return model.AuditActor{ID: r.UserID, Role: string(r.Role)}
}

type AccessGate struct {
	Courses     *repository.CourseRepository
	Enrollments *repository.EnrollmentRepository
	Log         *zap.Logger
	Now         func() time.Time

	mu     sync.RWMutex
	policy config.AccessConfig
}

func NewAccessGate(courses *repository.CourseRepository, enrollments *repository.EnrollmentRepository, policy config.AccessConfig, log *zap.Logger) *AccessGate {
	return &AccessGate{
		Courses:     courses,
		Enrollments: enrollments,
		Log:         log.Named("access_gate"),
		Now:         time.Now,
		policy:      policy,
	}
}

// UpdatePolicy 配置热更新
func (g *AccessGate) UpdatePolicy(policy config.AccessConfig) {
	g.mu.Lock()
	g.policy = policy
	g.mu.Unlock()
}

func (g *AccessGate) allowGraduates() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy.AllowGraduatesOnUnpublished
}

// Check 判定 requester 对课程的访问权。任何存储读取失败都按拒绝处理
func (g *AccessGate) Check(ctx context.Context, req Requester, courseID string) Decision {
	ctx, span := tracing.StartSpan(ctx, "AccessGate.Check")
	defer span.End()

	d := g.decide(ctx, req, courseID)

	span.SetAttributes(
		attribute.String("course.id", courseID),
		attribute.String("access.outcome", string(d.Outcome)),
		attribute.String("access.reason", d.Reason),
	)
	monitoring.AccessDecisionCounter.WithLabelValues(string(d.Outcome), d.Reason).Inc()
	return d
}

func (g *AccessGate) decide(ctx context.Context, req Requester, courseID string) Decision {
	course, err := g.Courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return deny(ReasonNotFound)
		}
		g.Log.Error("course lookup failed, denying access", zap.String("courseId", courseID), zap.Error(err))
		return deny(ReasonUnavailable)
	}

	if course.Status == model.CourseArchived {
		return Decision{Outcome: Denied, Reason: ReasonArchived, Course: course}
	}

	privileged := req.Role == model.Admin || (course.OwnerID != "" && course.OwnerID == req.UserID)

	enrollment, err := g.Enrollments.Find(ctx, req.UserID, courseID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			g.Log.Error("enrollment lookup failed, denying access",
				zap.String("userId", req.UserID), zap.String("courseId", courseID), zap.Error(err))
			return Decision{Outcome: Denied, Reason: ReasonUnavailable, Course: course}
		}
		enrollment = nil
	}

	if !course.IsPublished && !privileged {
		graduate := enrollment != nil && enrollment.Status == model.EnrollmentCompleted
		if !(graduate && g.allowGraduates()) {
			return Decision{Outcome: Denied, Reason: ReasonUnpublished, Course: course, Enrollment: enrollment}
		}
	}

	if enrollment == nil {
		if privileged {
			return Decision{Outcome: Granted, AdminOverride: true, Course: course}
		}
		return Decision{Outcome: Denied, Reason: ReasonNotEnrolled, Course: course}
	}

	d := evaluateEnrollment(enrollment, g.Now())
	d.Course = course
	d.Enrollment = enrollment
	if d.Outcome != Granted && privileged {
		return Decision{Outcome: Granted, AdminOverride: true, Course: course, Enrollment: enrollment}
	}
	return d
}

// evaluateEnrollment 仅根据报名记录判定
func evaluateEnrollment(e *model.Enrollment, now time.Time) Decision {
	switch e.Status {
	case model.EnrollmentPending:
		return Decision{Outcome: Pending, Reason: ReasonAwaitingPayment}
	case model.EnrollmentCancelled, model.EnrollmentBlocked:
		return deny(string(e.Status))
	case model.EnrollmentExpired:
		return deny(ReasonExpired)
	case model.EnrollmentActive:
		if e.AccessExpired(now) {
			return deny(ReasonExpired)
		}
		return Decision{Outcome: Granted}
	case model.EnrollmentCompleted:
		return Decision{Outcome: Granted}
	}
	return deny(ReasonInvalidStatus)
}

func deny(reason string) Decision {
	return Decision{Outcome: Denied, Reason: reason}
}
