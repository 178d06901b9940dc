package service

import (
	"context"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/events"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 允许的管理员状态迁移，key 为目标状态
var adminTransitions = map[model.EnrollmentStatus][]model.EnrollmentStatus{
	model.EnrollmentActive:    {model.EnrollmentPending, model.EnrollmentExpired, model.EnrollmentCancelled, model.EnrollmentBlocked},
	model.EnrollmentBlocked:   {model.EnrollmentPending, model.EnrollmentActive, model.EnrollmentCompleted, model.EnrollmentExpired, model.EnrollmentCancelled},
	model.EnrollmentCancelled: {model.EnrollmentPending, model.EnrollmentActive, model.EnrollmentExpired, model.EnrollmentBlocked},
	model.EnrollmentExpired:   {model.EnrollmentActive},
	model.EnrollmentPending:   {model.EnrollmentCancelled, model.EnrollmentBlocked},
}

type EnrollmentService struct {
	Courses     *repository.CourseRepository
	Users       *repository.UserRepository
	Enrollments *repository.EnrollmentRepository
	Audit       *AuditService
	Events      events.Publisher
	Log         *zap.Logger
	Now         func() time.Time
}

func NewEnrollmentService(
	courses *repository.CourseRepository,
	users *repository.UserRepository,
	enrollments *repository.EnrollmentRepository,
	audit *AuditService,
	publisher events.Publisher,
	log *zap.Logger,
) *EnrollmentService {
	return &EnrollmentService{
		Courses:     courses,
		Users:       users,
		Enrollments: enrollments,
		Audit:       audit,
		Events:      publisher,
		Log:         log.Named("enrollment"),
		Now:         time.Now,
	}
}

// Get 按确定性主键查询
func (s *EnrollmentService) Get(ctx context.Context, userID, courseID string) (*model.Enrollment, error) {
	e, err := s.Enrollments.Find(ctx, userID, courseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("enrollment not found", util.ErrEnrollmentNotFound)
		}
		return nil, util.TransientError("failed to load enrollment", err)
	}
	return e, nil
}

// Enroll 学员发起报名（支付意向）。免费课程直接生效；已有记录时原样返回
func (s *EnrollmentService) Enroll(ctx context.Context, req Requester, courseID string) (*model.Enrollment, error) {
	course, err := s.Courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("course not found", util.ErrCourseNotFound)
		}
		return nil, util.TransientError("failed to load course", err)
	}
	if !course.IsPublished || course.Status != model.CourseOpen {
		return nil, util.NewError(util.KindConflict, "course is not open for enrollment", nil)
	}

	e := &model.Enrollment{
		UserID:        req.UserID,
		CourseID:      courseID,
		Status:        model.EnrollmentPending,
		PaymentStatus: model.PaymentUnpaid,
		Source:        model.SourcePayment,
	}
	action := model.AuditEnrollmentCreated
	if course.IsFree {
		e.Status = model.EnrollmentActive
		e.PaymentStatus = model.PaymentPaid
		e.Source = model.SourceFree
		action = model.AuditEnrollmentActivated
	}

	created, err := s.Enrollments.CreateIfAbsent(ctx, e)
	if err != nil {
		return nil, util.TransientError("failed to create enrollment", err)
	}
	if !created {
		return s.Get(ctx, req.UserID, courseID)
	}

	s.Audit.Record(ctx, req.Actor(), action, enrollmentTarget(e.ID),
		&model.AuditDiff{After: e.Snapshot()}, map[string]interface{}{"source": string(e.Source)})
	if e.Status == model.EnrollmentActive {
		s.publish(ctx, events.EnrollmentActivated, req.UserID, e)
	}
	return e, nil
}

type GrantInput struct {
	UserID      string     `json:"userId" binding:"required"`
	CourseID    string     `json:"courseId" binding:"required"`
	AccessUntil *time.Time `json:"accessUntil"`
	Note        string     `json:"note"`
}

// AdminGrant 管理员直接开通：不存在则创建为 active，存在则激活
func (s *EnrollmentService) AdminGrant(ctx context.Context, actor model.AuditActor, in GrantInput) (*model.Enrollment, error) {
	if _, err := s.Courses.FindByID(ctx, in.CourseID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("course not found", util.ErrCourseNotFound)
		}
		return nil, util.TransientError("failed to load course", err)
	}
	if _, err := s.Users.FindByID(ctx, in.UserID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("user not found", util.ErrUserNotFound)
		}
		return nil, util.TransientError("failed to load user", err)
	}

	e := &model.Enrollment{
		UserID:        in.UserID,
		CourseID:      in.CourseID,
		Status:        model.EnrollmentActive,
		PaymentStatus: model.PaymentPaid,
		Source:        model.SourceAdminGrant,
		SourceRef:     actor.ID,
		AccessUntil:   in.AccessUntil,
	}
	created, err := s.Enrollments.CreateIfAbsent(ctx, e)
	if err != nil {
		return nil, util.TransientError("failed to create enrollment", err)
	}
	if created {
		s.Audit.Record(ctx, actor, model.AuditEnrollmentGranted, enrollmentTarget(e.ID),
			&model.AuditDiff{After: e.Snapshot()}, map[string]interface{}{"note": in.Note})
		s.publish(ctx, events.EnrollmentActivated, actor.ID, e)
		return e, nil
	}

	fields := map[string]interface{}{
		"status":         model.EnrollmentActive,
		"payment_status": model.PaymentPaid,
	}
	if in.AccessUntil != nil {
		fields["access_until"] = in.AccessUntil.UTC()
	}
	return s.transition(ctx, actor, model.EnrollmentID(in.UserID, in.CourseID), model.AuditEnrollmentGranted,
		[]model.EnrollmentStatus{model.EnrollmentPending, model.EnrollmentExpired, model.EnrollmentCancelled, model.EnrollmentBlocked, model.EnrollmentActive},
		fields, map[string]interface{}{"note": in.Note})
}

// Approve 管理员确认 pending 报名
func (s *EnrollmentService) Approve(ctx context.Context, actor model.AuditActor, enrollmentID string) (*model.Enrollment, error) {
	return s.transition(ctx, actor, enrollmentID, model.AuditEnrollmentActivated,
		[]model.EnrollmentStatus{model.EnrollmentPending},
		map[string]interface{}{"status": model.EnrollmentActive}, map[string]interface{}{"via": "admin_approval"})
}

// SetStatus 管理员强制迁移状态（封禁、取消、恢复）
func (s *EnrollmentService) SetStatus(ctx context.Context, actor model.AuditActor, enrollmentID string, status model.EnrollmentStatus, reason string) (*model.Enrollment, error) {
	if !status.Valid() {
		return nil, util.InvalidError("unknown enrollment status")
	}
	from, ok := adminTransitions[status]
	if !ok {
		return nil, util.NewError(util.KindConflict, "status cannot be set directly: "+string(status), util.ErrInvalidTransition)
	}
	return s.transition(ctx, actor, enrollmentID, model.AuditEnrollmentStatus, from,
		map[string]interface{}{"status": status}, map[string]interface{}{"reason": reason})
}

// SetAccessUntil 修改访问截止时间，nil 表示不限期
func (s *EnrollmentService) SetAccessUntil(ctx context.Context, actor model.AuditActor, enrollmentID string, until *time.Time) (*model.Enrollment, error) {
	var value interface{}
	if until != nil {
		value = until.UTC()
	}
	return s.transition(ctx, actor, enrollmentID, model.AuditEnrollmentAccessUntil, nil,
		map[string]interface{}{"access_until": value}, nil)
}

func (s *EnrollmentService) List(ctx context.Context, f repository.EnrollmentFilter, page, limit int) ([]model.Enrollment, int64, error) {
	offset, size := util.Page(page, limit)
	return s.Enrollments.List(ctx, f, offset, size)
}

// transition 条件更新 + 审计。from 为空表示不校验当前状态
func (s *EnrollmentService) transition(ctx context.Context, actor model.AuditActor, id, action string, from []model.EnrollmentStatus, fields, metadata map[string]interface{}) (*model.Enrollment, error) {
	before, err := s.Enrollments.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("enrollment not found", util.ErrEnrollmentNotFound)
		}
		return nil, util.TransientError("failed to load enrollment", err)
	}

	changed, err := s.Enrollments.UpdateFields(ctx, id, from, fields)
	if err != nil {
		return nil, util.TransientError("failed to update enrollment", err)
	}
	if !changed {
		return nil, util.NewError(util.KindConflict,
			"enrollment is "+string(before.Status)+", transition not allowed", util.ErrInvalidTransition)
	}

	after, err := s.Enrollments.FindByID(ctx, id)
	if err != nil {
		return nil, util.TransientError("failed to reload enrollment", err)
	}

	s.Audit.Record(ctx, actor, action, enrollmentTarget(id),
		&model.AuditDiff{Before: before.Snapshot(), After: after.Snapshot()}, metadata)

	if before.Status != model.EnrollmentActive && after.Status == model.EnrollmentActive {
		s.publish(ctx, events.EnrollmentActivated, actor.ID, after)
	} else if before.Status != after.Status {
		s.publish(ctx, events.EnrollmentChanged, actor.ID, after)
	}
	return after, nil
}

// ExpireOverdue 定时任务：accessUntil 已过的 active 报名置为 expired
func (s *EnrollmentService) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.Now().UTC()
	expired := 0
	for {
		list, err := s.Enrollments.FindOverdue(ctx, now, 200)
		if err != nil {
			return expired, err
		}
		if len(list) == 0 {
			return expired, nil
		}
		progressed := false
		for i := range list {
			e := &list[i]
			moved, err := s.Enrollments.UpdateFields(ctx, e.ID,
				[]model.EnrollmentStatus{model.EnrollmentActive},
				map[string]interface{}{"status": model.EnrollmentExpired})
			if err != nil {
				s.Log.Warn("failed to expire enrollment", zap.String("enrollmentId", e.ID), zap.Error(err))
				continue
			}
			if !moved {
				continue
			}
			progressed = true
			expired++
			before := e.Snapshot()
			e.Status = model.EnrollmentExpired
			s.Audit.Record(ctx, SystemActor, model.AuditEnrollmentExpired, enrollmentTarget(e.ID),
				&model.AuditDiff{Before: before, After: e.Snapshot()}, nil)
			s.publish(ctx, events.EnrollmentChanged, SystemActor.ID, e)
		}
		if !progressed || len(list) < 200 {
			return expired, nil
		}
	}
}

type MigrationReport struct {
	Scanned  int      `json:"scanned"`
	Migrated int      `json:"migrated"`
	// Merged 规范主键已存在，旧记录并入后删除（较强的状态与进度被保留）
	Merged   int      `json:"merged"`
	Errors   []string `json:"errors"`
}

// MigrateEnrollmentIDs 修复主键方向错误（{courseId}_{userId}）的历史记录
func (s *EnrollmentService) MigrateEnrollmentIDs(ctx context.Context, actor model.AuditActor) (*MigrationReport, error) {
	report := &MigrationReport{Errors: []string{}}
	cursor := ""
	for {
		page, err := s.Enrollments.ListPage(ctx, nil, cursor, 200)
		if err != nil {
			return report, util.TransientError("failed to list enrollments", err)
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			e := page[i]
			report.Scanned++
			if e.HasCanonicalID() {
				continue
			}
			canonical := model.EnrollmentID(e.UserID, e.CourseID)
			result, merged, err := s.Enrollments.ReplaceID(ctx, &e, canonical)
			if err != nil {
				report.Errors = append(report.Errors, e.ID+": "+err.Error())
				continue
			}
			if merged {
				report.Merged++
			} else {
				report.Migrated++
			}
			before := e.Snapshot()
			before["id"] = e.ID
			after := result.Snapshot()
			after["id"] = canonical
			s.Audit.Record(ctx, actor, model.AuditMigrationEnrollments, enrollmentTarget(canonical),
				&model.AuditDiff{Before: before, After: after},
				map[string]interface{}{"merged": merged})
		}
		cursor = page[len(page)-1].ID
		if len(page) < 200 {
			break
		}
	}

	s.Log.Info("enrollment id migration finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("migrated", report.Migrated),
		zap.Int("merged", report.Merged),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

func (s *EnrollmentService) publish(ctx context.Context, eventType, actorID string, e *model.Enrollment) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(ctx, events.Event{
		Type:     eventType,
		ActorID:  actorID,
		UserID:   e.UserID,
		CourseID: e.CourseID,
		TargetID: e.ID,
		Payload:  map[string]interface{}{"status": string(e.Status)},
	})
}
