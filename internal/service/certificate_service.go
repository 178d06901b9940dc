package service

import (
	"context"
	"course_access_backend/internal/config"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/events"
	"course_access_backend/pkg/monitoring"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 证书编号随机段字符集，去掉了易混淆的 I/O/0/1
const certificateAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const maxNumberAttempts = 3

type CertificateService struct {
	Users        *repository.UserRepository
	Courses      *repository.CourseRepository
	Enrollments  *repository.EnrollmentRepository
	Certificates *repository.CertificateRepository
	Audit        *AuditService
	Events       events.Publisher
	Cfg          *config.CertificateConfig
	Log          *zap.Logger
	Now          func() time.Time
}

func NewCertificateService(
	users *repository.UserRepository,
	courses *repository.CourseRepository,
	enrollments *repository.EnrollmentRepository,
	certificates *repository.CertificateRepository,
	audit *AuditService,
	publisher events.Publisher,
	cfg *config.CertificateConfig,
	log *zap.Logger,
) *CertificateService {
	return &CertificateService{
		Users:        users,
		Courses:      courses,
		Enrollments:  enrollments,
		Certificates: certificates,
		Audit:        audit,
		Events:       publisher,
		Cfg:          cfg,
		Log:          log.Named("certificate"),
		Now:          time.Now,
	}
}

// Issue 幂等签发：已有证书直接返回（created=false）
func (s *CertificateService) Issue(ctx context.Context, userID, courseID string) (*model.Certificate, bool, error) {
	existing, err := s.Certificates.FindByUserCourse(ctx, userID, courseID)
	if err == nil {
		monitoring.CertificateCounter.WithLabelValues("existing").Inc()
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		monitoring.CertificateCounter.WithLabelValues("failed").Inc()
		return nil, false, util.TransientError("failed to load certificate", err)
	}

	user, err := s.Users.FindByID(ctx, userID)
	if err != nil {
		monitoring.CertificateCounter.WithLabelValues("failed").Inc()
		return nil, false, s.snapshotError("user", err)
	}
	course, err := s.Courses.FindByID(ctx, courseID)
	if err != nil {
		monitoring.CertificateCounter.WithLabelValues("failed").Inc()
		return nil, false, s.snapshotError("course", err)
	}
	if strings.TrimSpace(user.DisplayName) == "" || strings.TrimSpace(course.Title) == "" {
		monitoring.CertificateCounter.WithLabelValues("failed").Inc()
		return nil, false, util.PreconditionFailed("certificate snapshot incomplete: missing student or course name", nil)
	}

	lessons, err := s.Courses.ListPublishedLessons(ctx, courseID)
	if err != nil {
		monitoring.CertificateCounter.WithLabelValues("failed").Inc()
		return nil, false, util.TransientError("failed to load lessons", err)
	}
	snapshot := make([]model.CertificateLesson, 0, len(lessons))
	for _, l := range lessons {
		snapshot = append(snapshot, model.CertificateLesson{ID: l.ID, Title: l.Title})
	}

	now := s.Now().UTC()
	var cert *model.Certificate
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		number := s.GenerateNumber(now)
		candidate := &model.Certificate{
			UserID:            userID,
			CourseID:          courseID,
			CertificateNumber: number,
			StudentName:       user.DisplayName,
			CourseName:        course.Title,
			CourseWorkload:    course.WorkloadHours,
			CourseRevision:    course.ContentRevision,
			ValidationURL:     s.ValidationURL(number),
			Status:            model.CertificateIssued,
			IssuedAt:          now,
			Lessons:           datatypes.NewJSONType(snapshot),
		}

		err = s.Certificates.Create(ctx, candidate)
		if err == nil {
			cert = candidate
			break
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			monitoring.CertificateCounter.WithLabelValues("failed").Inc()
			return nil, false, util.TransientError("failed to persist certificate", err)
		}
		// 并发签发时另一方已写入，返回已有证书；否则是编号冲突，换一个编号重试
		if winner, findErr := s.Certificates.FindByUserCourse(ctx, userID, courseID); findErr == nil {
			monitoring.CertificateCounter.WithLabelValues("existing").Inc()
			return winner, false, nil
		}
	}
	if cert == nil {
		monitoring.CertificateCounter.WithLabelValues("failed").Inc()
		return nil, false, util.TransientError("could not allocate a unique certificate number", err)
	}

	s.markEnrollmentCompleted(ctx, userID, courseID, cert, now)

	monitoring.CertificateCounter.WithLabelValues("issued").Inc()
	s.Log.Info("certificate issued",
		zap.String("userId", userID),
		zap.String("courseId", courseID),
		zap.String("number", cert.CertificateNumber))

	s.Audit.Record(ctx, SystemActor, model.AuditCertificateIssued, certificateTarget(cert.ID),
		&model.AuditDiff{After: map[string]interface{}{
			"certificateNumber": cert.CertificateNumber,
			"status":            string(cert.Status),
		}},
		map[string]interface{}{"userId": userID, "courseId": courseID})

	if s.Events != nil {
		s.Events.Publish(ctx, events.Event{
			Type:     events.CertificateIssued,
			UserID:   userID,
			CourseID: courseID,
			TargetID: cert.ID,
		})
	}
	return cert, true, nil
}

// markEnrollmentCompleted 证书落库后补齐报名状态；失败只记日志，重算会再次修复
func (s *CertificateService) markEnrollmentCompleted(ctx context.Context, userID, courseID string, cert *model.Certificate, now time.Time) {
	id := model.EnrollmentID(userID, courseID)
	done, err := s.Enrollments.UpdateFields(ctx, id,
		[]model.EnrollmentStatus{model.EnrollmentActive},
		map[string]interface{}{
			"status":         model.EnrollmentCompleted,
			"completed_at":   now,
			"certificate_id": cert.ID,
		})
	if err == nil && !done {
		_, err = s.Enrollments.UpdateFields(ctx, id,
			[]model.EnrollmentStatus{model.EnrollmentCompleted},
			map[string]interface{}{"certificate_id": cert.ID})
	}
	if err != nil {
		s.Log.Warn("failed to link certificate to enrollment", zap.String("enrollmentId", id), zap.Error(err))
		return
	}
	if done {
		s.Audit.Record(ctx, SystemActor, model.AuditEnrollmentCompleted, enrollmentTarget(id),
			&model.AuditDiff{
				Before: map[string]interface{}{"status": string(model.EnrollmentActive)},
				After:  map[string]interface{}{"status": string(model.EnrollmentCompleted)},
			},
			map[string]interface{}{"via": "certificate"})
	}
}

func (s *CertificateService) snapshotError(what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return util.PreconditionFailed(fmt.Sprintf("cannot issue certificate: %s not found", what), err)
	}
	return util.TransientError(fmt.Sprintf("failed to load %s", what), err)
}

// Revoke 吊销证书，已吊销时为空操作
func (s *CertificateService) Revoke(ctx context.Context, actor model.AuditActor, certificateID, reason string) (*model.Certificate, error) {
	cert, err := s.Certificates.FindByID(ctx, certificateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("certificate not found", util.ErrCertificateNotFound)
		}
		return nil, util.TransientError("failed to load certificate", err)
	}

	now := s.Now().UTC()
	changed, err := s.Certificates.Revoke(ctx, certificateID, reason, now)
	if err != nil {
		return nil, util.TransientError("failed to revoke certificate", err)
	}
	if !changed {
		return cert, nil
	}

	s.Audit.Record(ctx, actor, model.AuditCertificateRevoked, certificateTarget(cert.ID),
		&model.AuditDiff{
			Before: map[string]interface{}{"status": string(model.CertificateIssued)},
			After:  map[string]interface{}{"status": string(model.CertificateRevoked), "reason": reason},
		}, nil)

	cert.Status = model.CertificateRevoked
	cert.RevokedAt = &now
	cert.RevokeReason = reason
	return cert, nil
}

// Verify 按编号公开校验，不做任何关联查询
func (s *CertificateService) Verify(ctx context.Context, number string) (*model.Certificate, error) {
	cert, err := s.Certificates.FindByNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("certificate not found", util.ErrCertificateNotFound)
		}
		return nil, util.TransientError("failed to load certificate", err)
	}
	return cert, nil
}

func (s *CertificateService) ListForUser(ctx context.Context, userID string) ([]model.Certificate, error) {
	return s.Certificates.ListByUser(ctx, userID)
}

// GenerateNumber 形如 CA-26-K7PQ2M-LX3F9Q1C
func (s *CertificateService) GenerateNumber(now time.Time) string {
	prefix := strings.ToUpper(strings.TrimSpace(s.Cfg.NumberPrefix))
	if prefix == "" {
		prefix = "CA"
	}
	suffix := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	return fmt.Sprintf("%s-%02d-%s-%s", prefix, now.Year()%100, util.RandomFromAlphabet(certificateAlphabet, 6), suffix)
}

func (s *CertificateService) ValidationURL(number string) string {
	return strings.TrimRight(s.Cfg.VerifyBaseURL, "/") + "/" + number
}
