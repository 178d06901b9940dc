package repository

import (
	"context"
	"course_access_backend/internal/model"

	"gorm.io/gorm"
)

type CourseRepository struct {
	DB *gorm.DB
}

func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{DB: db}
}

func (r *CourseRepository) Create(ctx context.Context, course *model.Course) error {
	return r.DB.WithContext(ctx).Create(course).Error
}

func (r *CourseRepository) Update(ctx context.Context, course *model.Course) error {
	return r.DB.WithContext(ctx).Save(course).Error
}

func (r *CourseRepository) FindByID(ctx context.Context, id string) (*model.Course, error) {
	var course model.Course
	if err := r.DB.WithContext(ctx).First(&course, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &course, nil
}

func (r *CourseRepository) CreateModule(ctx context.Context, m *model.CourseModule) error {
	return r.DB.WithContext(ctx).Create(m).Error
}

func (r *CourseRepository) CreateLesson(ctx context.Context, l *model.Lesson) error {
	return r.DB.WithContext(ctx).Create(l).Error
}

func (r *CourseRepository) FindLesson(ctx context.Context, courseID, lessonID string) (*model.Lesson, error) {
	var lesson model.Lesson
	err := r.DB.WithContext(ctx).
		Where("id = ? AND course_id = ?", lessonID, courseID).
		First(&lesson).Error
	if err != nil {
		return nil, err
	}
	return &lesson, nil
}

// ListPublishedLessons 当前生效的课时集合：已发布模块下的已发布课时（无模块的课时只看自身状态）
func (r *CourseRepository) ListPublishedLessons(ctx context.Context, courseID string) ([]model.Lesson, error) {
	var lessons []model.Lesson
	err := r.DB.WithContext(ctx).
		Table("lessons l").
		Select("l.*").
		Joins("LEFT JOIN course_modules m ON m.id = l.module_id").
		Where("l.course_id = ? AND l.is_published = ?", courseID, true).
		Where("(l.module_id = '' OR l.module_id IS NULL OR m.is_published = ?)", true).
		Order("m.`order` asc, l.`order` asc").
		Scan(&lessons).Error
	return lessons, err
}

// IsLessonPublished 课时及所属模块均已发布
func (r *CourseRepository) IsLessonPublished(ctx context.Context, lesson *model.Lesson) (bool, error) {
	if !lesson.IsPublished {
		return false, nil
	}
	if lesson.ModuleID == "" {
		return true, nil
	}
	var m model.CourseModule
	if err := r.DB.WithContext(ctx).First(&m, "id = ?", lesson.ModuleID).Error; err != nil {
		return false, err
	}
	return m.IsPublished, nil
}

func (r *CourseRepository) BumpRevision(ctx context.Context, courseID string) error {
	return r.DB.WithContext(ctx).Model(&model.Course{}).
		Where("id = ?", courseID).
		Update("content_revision", gorm.Expr("content_revision + 1")).Error
}
