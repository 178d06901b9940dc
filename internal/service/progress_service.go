package service

import (
	"context"
	"course_access_backend/internal/config"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/events"
	"course_access_backend/pkg/monitoring"
	"course_access_backend/pkg/tracing"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type ProgressService struct {
	Courses      *repository.CourseRepository
	Enrollments  *repository.EnrollmentRepository
	Progress     *repository.ProgressRepository
	Gate         *AccessGate
	Certificates *CertificateService
	Audit        *AuditService
	Events       events.Publisher
	Backfill     config.BackfillConfig
	Log          *zap.Logger
	Now          func() time.Time
}

func NewProgressService(
	courses *repository.CourseRepository,
	enrollments *repository.EnrollmentRepository,
	progress *repository.ProgressRepository,
	gate *AccessGate,
	certificates *CertificateService,
	audit *AuditService,
	publisher events.Publisher,
	backfill config.BackfillConfig,
	log *zap.Logger,
) *ProgressService {
	return &ProgressService{
		Courses:      courses,
		Enrollments:  enrollments,
		Progress:     progress,
		Gate:         gate,
		Certificates: certificates,
		Audit:        audit,
		Events:       publisher,
		Backfill:     backfill,
		Log:          log.Named("progress"),
		Now:          time.Now,
	}
}

type CheckpointInput struct {
	CourseID        string  `json:"courseId" binding:"required"`
	LessonID        string  `json:"lessonId" binding:"required"`
	SeekPosition    float64 `json:"seekPosition"`
	Completed       bool    `json:"completed"`
	ClientTimestamp int64   `json:"clientTimestamp"`
}

type CheckpointResult struct {
	LessonID       string            `json:"lessonId"`
	Applied        bool              `json:"applied"`
	NewlyCompleted bool              `json:"newlyCompleted"`
	Lesson         model.LessonState `json:"lesson"`
}

// SaveCheckpoint 服务端写入单节课进度。按 lessonId 合并，重复投递不会改变结果
func (s *ProgressService) SaveCheckpoint(ctx context.Context, req Requester, in CheckpointInput) (*CheckpointResult, error) {
	if in.SeekPosition < 0 || math.IsNaN(in.SeekPosition) || math.IsInf(in.SeekPosition, 0) {
		return nil, util.InvalidError("seekPosition must be a non-negative number")
	}
	if in.ClientTimestamp < 0 {
		return nil, util.InvalidError("clientTimestamp must not be negative")
	}

	decision := s.Gate.Check(ctx, req, in.CourseID)
	if !decision.Allowed() {
		return nil, util.ForbiddenError("access " + string(decision.Outcome) + ": " + decision.Reason)
	}

	lesson, err := s.Courses.FindLesson(ctx, in.CourseID, in.LessonID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("lesson not found", util.ErrLessonNotFound)
		}
		return nil, util.TransientError("failed to load lesson", err)
	}
	if !decision.AdminOverride {
		published, err := s.Courses.IsLessonPublished(ctx, lesson)
		if err != nil {
			return nil, util.TransientError("failed to load lesson", err)
		}
		if !published {
			return nil, util.NotFoundError("lesson not found", util.ErrLessonNotFound)
		}
	}

	// 缺少 clientTimestamp 时不用服务端时钟补齐，否则会和设备时钟混在一起比较
	now := s.Now().UTC()

	res, err := s.Progress.MergeLessonProgress(ctx, model.LessonProgress{
		UserID:          req.UserID,
		CourseID:        in.CourseID,
		LessonID:        in.LessonID,
		Completed:       in.Completed,
		SeekPosition:    in.SeekPosition,
		ClientTimestamp: in.ClientTimestamp,
	})
	if err != nil {
		monitoring.ProgressWriteCounter.WithLabelValues("error").Inc()
		return nil, util.TransientError("failed to save progress", err)
	}

	if res.Stale {
		label := "stale"
		if res.NewlyCompleted {
			label = "stale_completed"
		}
		monitoring.ProgressWriteCounter.WithLabelValues(label).Inc()
		s.Log.Debug("discarded stale checkpoint position",
			zap.String("userId", req.UserID),
			zap.String("lessonId", in.LessonID),
			zap.Bool("completionKept", res.NewlyCompleted),
			zap.Int64("clientTimestamp", in.ClientTimestamp),
			zap.Int64("storedTimestamp", res.Current.ClientTimestamp))
	} else {
		monitoring.ProgressWriteCounter.WithLabelValues("applied").Inc()
		if err := s.Progress.TouchCourseProgress(ctx, req.UserID, in.CourseID, in.LessonID, now); err != nil {
			s.Log.Warn("failed to update course progress", zap.String("userId", req.UserID), zap.Error(err))
		}
		if decision.Enrollment != nil {
			if _, err := s.Enrollments.UpdateFields(ctx, decision.Enrollment.ID, nil,
				map[string]interface{}{"last_lesson_id": in.LessonID}); err != nil {
				s.Log.Warn("failed to update last lesson", zap.String("enrollmentId", decision.Enrollment.ID), zap.Error(err))
			}
		}
	}

	if res.NewlyCompleted && s.Events != nil {
		s.Events.Publish(ctx, events.Event{
			Type:     events.LessonCompleted,
			ActorID:  req.UserID,
			UserID:   req.UserID,
			CourseID: in.CourseID,
			TargetID: in.LessonID,
		})
	}

	return &CheckpointResult{
		LessonID:       in.LessonID,
		Applied:        res.Applied,
		NewlyCompleted: res.NewlyCompleted,
		Lesson:         res.Current.State(),
	}, nil
}

// GetCourseProgress 返回课程进度及各课时状态，未开始时返回空进度
func (s *ProgressService) GetCourseProgress(ctx context.Context, userID, courseID string) (*model.CourseProgress, error) {
	cp, err := s.Progress.FindCourseProgress(ctx, userID, courseID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.TransientError("failed to load progress", err)
		}
		cp = &model.CourseProgress{
			ID:       model.EnrollmentID(userID, courseID),
			UserID:   userID,
			CourseID: courseID,
		}
	}

	rows, err := s.Progress.ListLessonProgress(ctx, userID, courseID)
	if err != nil {
		return nil, util.TransientError("failed to load lesson progress", err)
	}
	cp.LessonProgress = make(map[string]model.LessonState, len(rows))
	for i := range rows {
		cp.LessonProgress[rows[i].LessonID] = rows[i].State()
	}
	return cp, nil
}

type RecomputeResult struct {
	EnrollmentID  string `json:"enrollmentId"`
	Percent       int    `json:"percentComplete"`
	Completed     int    `json:"completedLessons"`
	Total         int    `json:"totalLessons"`
	Transitioned  bool   `json:"transitioned"`
	CertificateID string `json:"certificateId,omitempty"`
}

// RecalculateEnrollmentProgress 按当前已发布课时集合重算百分比。
// 可任意重复执行：状态迁移是条件更新，证书签发是幂等的
func (s *ProgressService) RecalculateEnrollmentProgress(ctx context.Context, userID, courseID string) (*RecomputeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ProgressService.Recalculate",
		attribute.String("user.id", userID),
		attribute.String("course.id", courseID))
	defer span.End()

	res, err := s.recalculate(ctx, userID, courseID)
	tracing.RecordError(span, err)
	if res != nil {
		span.SetAttributes(attribute.Int("progress.percent", res.Percent), attribute.Bool("progress.transitioned", res.Transitioned))
	}
	return res, err
}

func (s *ProgressService) recalculate(ctx context.Context, userID, courseID string) (*RecomputeResult, error) {
	enrollment, err := s.Enrollments.Find(ctx, userID, courseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("enrollment not found", util.ErrEnrollmentNotFound)
		}
		return nil, util.TransientError("failed to load enrollment", err)
	}

	lessons, err := s.Courses.ListPublishedLessons(ctx, courseID)
	if err != nil {
		return nil, util.TransientError("failed to load lessons", err)
	}
	completedIDs, err := s.Progress.CompletedLessonIDs(ctx, userID, courseID)
	if err != nil {
		return nil, util.TransientError("failed to load lesson progress", err)
	}

	done := make(map[string]struct{}, len(completedIDs))
	for _, id := range completedIDs {
		done[id] = struct{}{}
	}
	completed := 0
	for _, l := range lessons {
		if _, ok := done[l.ID]; ok {
			completed++
		}
	}

	result := &RecomputeResult{
		EnrollmentID:  enrollment.ID,
		Completed:     completed,
		Total:         len(lessons),
		Percent:       model.ComputePercent(completed, len(lessons)),
		CertificateID: enrollment.CertificateID,
	}

	if enrollment.PercentComplete != result.Percent ||
		enrollment.CompletedLessonCount != result.Completed ||
		enrollment.TotalLessonCount != result.Total {
		if _, err := s.Enrollments.UpdateFields(ctx, enrollment.ID, nil, map[string]interface{}{
			"percent_complete":       result.Percent,
			"completed_lesson_count": result.Completed,
			"total_lesson_count":     result.Total,
		}); err != nil {
			return nil, util.TransientError("failed to update enrollment progress", err)
		}
		if err := s.Progress.SetPercent(ctx, userID, courseID, result.Percent); err != nil {
			s.Log.Warn("failed to update course progress percent", zap.String("enrollmentId", enrollment.ID), zap.Error(err))
		}
	}

	if result.Percent < 100 {
		return result, nil
	}

	status := enrollment.Status
	if status == model.EnrollmentActive {
		now := s.Now().UTC()
		moved, err := s.Enrollments.UpdateFields(ctx, enrollment.ID,
			[]model.EnrollmentStatus{model.EnrollmentActive},
			map[string]interface{}{
				"status":       model.EnrollmentCompleted,
				"completed_at": now,
			})
		if err != nil {
			return nil, util.TransientError("failed to complete enrollment", err)
		}
		if moved {
			result.Transitioned = true
			s.Audit.Record(ctx, SystemActor, model.AuditEnrollmentCompleted, enrollmentTarget(enrollment.ID),
				&model.AuditDiff{
					Before: map[string]interface{}{"status": string(model.EnrollmentActive)},
					After:  map[string]interface{}{"status": string(model.EnrollmentCompleted), "percentComplete": 100},
				}, nil)
		}
		status = model.EnrollmentCompleted
	}

	if status != model.EnrollmentCompleted {
		return result, nil
	}

	cert, _, err := s.Certificates.Issue(ctx, userID, courseID)
	if err != nil {
		return result, err
	}
	result.CertificateID = cert.ID
	return result, nil
}

// HandleLessonCompleted lesson.completed 事件处理
func (s *ProgressService) HandleLessonCompleted(ctx context.Context, evt events.Event) error {
	_, err := s.RecalculateEnrollmentProgress(ctx, evt.UserID, evt.CourseID)
	if util.KindOf(err) == util.KindNotFound {
		// 管理员越权访问时没有报名记录
		return nil
	}
	return err
}

type BackfillDetail struct {
	EnrollmentID string `json:"enrollmentId" yaml:"enrollmentId"`
	Percent      int    `json:"percentComplete,omitempty" yaml:"percentComplete,omitempty"`
	Transitioned bool   `json:"transitioned,omitempty" yaml:"transitioned,omitempty"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
}

// BackfillReport errors>0 表示部分失败，调用方需要检查
type BackfillReport struct {
	Processed int              `json:"processed" yaml:"processed"`
	Errors    int              `json:"errors" yaml:"errors"`
	Details   []BackfillDetail `json:"details" yaml:"details"`
}

// RunBackfill 对 active/completed 报名逐条重算。单条失败只记录，不中断整批
func (s *ProgressService) RunBackfill(ctx context.Context, actor model.AuditActor) (*BackfillReport, error) {
	batch := s.Backfill.BatchSize
	if batch <= 0 || batch > 500 {
		batch = 200
	}
	workers := s.Backfill.Concurrency
	if workers <= 0 {
		workers = 1
	}

	report := &BackfillReport{Details: []BackfillDetail{}}
	started := s.Now()
	cursor := ""
	statuses := []model.EnrollmentStatus{model.EnrollmentActive, model.EnrollmentCompleted}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.Enrollments.ListPage(ctx, statuses, cursor, batch)
		if err != nil {
			return report, util.TransientError("failed to list enrollments", err)
		}
		if len(page) == 0 {
			break
		}

		details := make([]BackfillDetail, len(page))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i := range page {
			i := i
			e := page[i]
			g.Go(func() error {
				details[i] = BackfillDetail{EnrollmentID: e.ID}
				res, err := s.RecalculateEnrollmentProgress(gctx, e.UserID, e.CourseID)
				if err != nil {
					details[i].Error = err.Error()
					return nil
				}
				details[i].Percent = res.Percent
				details[i].Transitioned = res.Transitioned
				return nil
			})
		}
		_ = g.Wait()

		for _, d := range details {
			report.Processed++
			if d.Error != "" {
				report.Errors++
				s.Log.Warn("backfill record failed", zap.String("enrollmentId", d.EnrollmentID), zap.String("error", d.Error))
			}
			if d.Error != "" || d.Transitioned {
				report.Details = append(report.Details, d)
			}
		}

		cursor = page[len(page)-1].ID
		if len(page) < batch {
			break
		}
	}

	s.Log.Info("backfill finished",
		zap.Int("processed", report.Processed),
		zap.Int("errors", report.Errors),
		zap.Duration("took", s.Now().Sub(started)))

	s.Audit.Record(ctx, actor, model.AuditBackfillRun, model.AuditTarget{Collection: "enrollments", ID: "*"}, nil,
		map[string]interface{}{"processed": report.Processed, "errors": report.Errors})
	return report, nil
}
