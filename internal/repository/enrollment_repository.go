package repository

import (
	"context"
	"errors"
	"course_access_backend/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EnrollmentRepository struct {
	DB *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{DB: db}
}

type EnrollmentFilter struct {
	UserID   string
	CourseID string
	Status   model.EnrollmentStatus
}

// Find 始终通过确定性主键查找
func (r *EnrollmentRepository) Find(ctx context.Context, userID, courseID string) (*model.Enrollment, error) {
	return r.FindByID(ctx, model.EnrollmentID(userID, courseID))
}

func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*model.Enrollment, error) {
	var e model.Enrollment
	if err := r.DB.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// Create 主键由 (userId, courseId) 推导，调用方传入的 ID 会被覆盖
func (r *EnrollmentRepository) Create(ctx context.Context, e *model.Enrollment) error {
	e.ID = model.EnrollmentID(e.UserID, e.CourseID)
	return r.DB.WithContext(ctx).Create(e).Error
}

// CreateIfAbsent 已存在时不覆盖，返回是否新建
func (r *EnrollmentRepository) CreateIfAbsent(ctx context.Context, e *model.Enrollment) (bool, error) {
	e.ID = model.EnrollmentID(e.UserID, e.CourseID)
	res := r.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateFields 单条原子更新；expected 非空时作为状态前置条件（CAS），返回是否命中
func (r *EnrollmentRepository) UpdateFields(ctx context.Context, id string, expected []model.EnrollmentStatus, fields map[string]interface{}) (bool, error) {
	fields["updated_at"] = time.Now().UTC()
	q := r.DB.WithContext(ctx).Model(&model.Enrollment{}).Where("id = ?", id)
	if len(expected) > 0 {
		q = q.Where("status IN ?", expected)
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListPage 按主键游标分页，用于批量回填，避免 offset 在写入时漂移
func (r *EnrollmentRepository) ListPage(ctx context.Context, statuses []model.EnrollmentStatus, afterID string, limit int) ([]model.Enrollment, error) {
	var list []model.Enrollment
	q := r.DB.WithContext(ctx).Model(&model.Enrollment{})
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if afterID != "" {
		q = q.Where("id > ?", afterID)
	}
	err := q.Order("id asc").Limit(limit).Find(&list).Error
	return list, err
}

func (r *EnrollmentRepository) List(ctx context.Context, f EnrollmentFilter, offset, limit int) ([]model.Enrollment, int64, error) {
	q := r.DB.WithContext(ctx).Model(&model.Enrollment{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.CourseID != "" {
		q = q.Where("course_id = ?", f.CourseID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []model.Enrollment
	err := q.Order("updated_at desc").Offset(offset).Limit(limit).Find(&list).Error
	return list, total, err
}

// FindOverdue 已过期但仍为 active 的报名
func (r *EnrollmentRepository) FindOverdue(ctx context.Context, now time.Time, limit int) ([]model.Enrollment, error) {
	var list []model.Enrollment
	err := r.DB.WithContext(ctx).
		Where("status = ? AND access_until IS NOT NULL AND access_until <= ?", model.EnrollmentActive, now).
		Order("access_until asc").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// ReplaceID 将记录迁移到新主键（同一事务）。
// 新主键已有记录时把旧记录并入其中再删除旧记录，merged 返回 true。
func (r *EnrollmentRepository) ReplaceID(ctx context.Context, old *model.Enrollment, newID string) (result *model.Enrollment, merged bool, err error) {
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var canonical model.Enrollment
		findErr := tx.Where("id = ?", newID).First(&canonical).Error
		if findErr != nil && !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		// 先删旧记录，避免 (user_id, course_id) 唯一索引冲突
		if err := tx.Delete(&model.Enrollment{}, "id = ?", old.ID).Error; err != nil {
			return err
		}
		if findErr == nil {
			merged = true
			if canonical.Absorb(old) {
				canonical.UpdatedAt = time.Now().UTC()
				if err := tx.Save(&canonical).Error; err != nil {
					return err
				}
			}
			result = &canonical
			return nil
		}
		moved := *old
		moved.ID = newID
		moved.UpdatedAt = time.Now().UTC()
		if err := tx.Create(&moved).Error; err != nil {
			return err
		}
		result = &moved
		return nil
	})
	return result, merged, err
}
