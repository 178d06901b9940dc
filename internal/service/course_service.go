package service

import (
	"context"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/database"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const outlineCacheTTL = 10 * time.Minute

func outlineCacheKey(courseID string) string {
	return database.RedisKey("outline", courseID)
}

type CourseService struct {
	Courses *repository.CourseRepository
	Gate    *AccessGate
	Redis   *redis.Client
	Log     *zap.Logger
}

func NewCourseService(courses *repository.CourseRepository, gate *AccessGate, rdb *redis.Client, log *zap.Logger) *CourseService {
	return &CourseService{
		Courses: courses,
		Gate:    gate,
		Redis:   rdb,
		Log:     log.Named("course"),
	}
}

type LessonSummary struct {
	ID              string `json:"id"`
	ModuleID        string `json:"moduleId,omitempty"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"durationSeconds"`
}

type Outline struct {
	CourseID string          `json:"courseId"`
	Title    string          `json:"title"`
	Lessons  []LessonSummary `json:"lessons"`
}

func (s *CourseService) CreateCourse(ctx context.Context, course *model.Course) error {
	if course.Status == "" {
		course.Status = model.CourseOpen
	}
	if course.ContentRevision == 0 {
		course.ContentRevision = 1
	}
	return s.Courses.Create(ctx, course)
}

type CourseUpdate struct {
	Title         *string             `json:"title"`
	IsPublished   *bool               `json:"isPublished"`
	Status        *model.CourseStatus `json:"status"`
	IsFree        *bool               `json:"isFree"`
	WorkloadHours *int                `json:"workloadHours"`
}

func (s *CourseService) UpdateCourse(ctx context.Context, courseID string, in CourseUpdate) (*model.Course, error) {
	course, err := s.find(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		course.Title = *in.Title
	}
	if in.IsPublished != nil {
		course.IsPublished = *in.IsPublished
	}
	if in.Status != nil {
		switch *in.Status {
		case model.CourseOpen, model.CourseClosed, model.CourseArchived:
			course.Status = *in.Status
		default:
			return nil, util.InvalidError("unknown course status")
		}
	}
	if in.IsFree != nil {
		course.IsFree = *in.IsFree
	}
	if in.WorkloadHours != nil {
		course.WorkloadHours = *in.WorkloadHours
	}
	if err := s.Courses.Update(ctx, course); err != nil {
		return nil, util.TransientError("failed to update course", err)
	}
	s.invalidate(ctx, courseID)
	return course, nil
}

func (s *CourseService) AddModule(ctx context.Context, m *model.CourseModule) error {
	if _, err := s.find(ctx, m.CourseID); err != nil {
		return err
	}
	if err := s.Courses.CreateModule(ctx, m); err != nil {
		return util.TransientError("failed to create module", err)
	}
	s.bumpRevision(ctx, m.CourseID)
	return nil
}

func (s *CourseService) AddLesson(ctx context.Context, l *model.Lesson) error {
	if _, err := s.find(ctx, l.CourseID); err != nil {
		return err
	}
	if err := s.Courses.CreateLesson(ctx, l); err != nil {
		return util.TransientError("failed to create lesson", err)
	}
	s.bumpRevision(ctx, l.CourseID)
	return nil
}

// Outline 当前已发布课时目录，Redis 可用时缓存
func (s *CourseService) Outline(ctx context.Context, courseID string) (*Outline, error) {
	if s.Redis != nil {
		if raw, err := s.Redis.Get(ctx, outlineCacheKey(courseID)).Bytes(); err == nil {
			var cached Outline
			if json.Unmarshal(raw, &cached) == nil {
				return &cached, nil
			}
		}
	}

	course, err := s.find(ctx, courseID)
	if err != nil {
		return nil, err
	}
	lessons, err := s.Courses.ListPublishedLessons(ctx, courseID)
	if err != nil {
		return nil, util.TransientError("failed to load lessons", err)
	}
	out := &Outline{CourseID: course.ID, Title: course.Title, Lessons: make([]LessonSummary, 0, len(lessons))}
	for _, l := range lessons {
		out.Lessons = append(out.Lessons, LessonSummary{
			ID:              l.ID,
			ModuleID:        l.ModuleID,
			Title:           l.Title,
			DurationSeconds: l.DurationSeconds,
		})
	}

	if s.Redis != nil {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.Redis.Set(ctx, outlineCacheKey(courseID), raw, outlineCacheTTL).Err(); err != nil {
				s.Log.Debug("outline cache write failed", zap.Error(err))
			}
		}
	}
	return out, nil
}

// LessonContent 每次请求都在服务端重新判定访问权，未通过时不返回课时内容
func (s *CourseService) LessonContent(ctx context.Context, req Requester, courseID, lessonID string) (*model.Lesson, Decision, error) {
	decision := s.Gate.Check(ctx, req, courseID)
	if !decision.Allowed() {
		return nil, decision, nil
	}

	lesson, err := s.Courses.FindLesson(ctx, courseID, lessonID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, decision, util.NotFoundError("lesson not found", util.ErrLessonNotFound)
		}
		return nil, decision, util.TransientError("failed to load lesson", err)
	}
	if !decision.AdminOverride {
		published, err := s.Courses.IsLessonPublished(ctx, lesson)
		if err != nil {
			return nil, decision, util.TransientError("failed to load lesson", err)
		}
		if !published {
			return nil, decision, util.NotFoundError("lesson not found", util.ErrLessonNotFound)
		}
	}
	return lesson, decision, nil
}

func (s *CourseService) find(ctx context.Context, courseID string) (*model.Course, error) {
	course, err := s.Courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("course not found", util.ErrCourseNotFound)
		}
		return nil, util.TransientError("failed to load course", err)
	}
	return course, nil
}

// bumpRevision 课时集合变化后递增内容版本，证书快照会记录该版本
func (s *CourseService) bumpRevision(ctx context.Context, courseID string) {
	if err := s.Courses.BumpRevision(ctx, courseID); err != nil {
		s.Log.Warn("failed to bump content revision", zap.String("courseId", courseID), zap.Error(err))
	}
	s.invalidate(ctx, courseID)
}

func (s *CourseService) invalidate(ctx context.Context, courseID string) {
	if s.Redis == nil {
		return
	}
	if err := s.Redis.Del(ctx, outlineCacheKey(courseID)).Err(); err != nil {
		s.Log.Debug("outline cache invalidation failed", zap.Error(err))
	}
}
