package repository

import (
	"context"
	"course_access_backend/internal/model"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProgressRepository struct {
	DB *gorm.DB
}

func NewProgressRepository(db *gorm.DB) *ProgressRepository {
	return &ProgressRepository{DB: db}
}

// MergeResult 单节课合并写入的结果
type MergeResult struct {
	Applied        bool
	Stale          bool
	NewlyCompleted bool
	Current        model.LessonProgress
}

// MergeLessonProgress 按 (user, course, lesson) 合并写入：
// clientTimestamp 早于已存储值的写入丢弃播放位置，但仍会补上完成状态；
// clientTimestamp 为 0 的写入不参与排序，按到达顺序生效且不改动已存储的时间戳；
// 完成状态一旦为 true 不会被回退
func (r *ProgressRepository) MergeLessonProgress(ctx context.Context, in model.LessonProgress) (MergeResult, error) {
	var result MergeResult
	now := time.Now().UTC()

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.LessonProgress
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND course_id = ? AND lesson_id = ?", in.UserID, in.CourseID, in.LessonID).
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := in
			row.UpdatedAt = now
			if row.Completed {
				row.CompletedAt = &now
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				result.Applied = true
				result.NewlyCompleted = row.Completed
				result.Current = row
				return nil
			}
			// 并发插入，重新读取后走更新逻辑
			if err := tx.Where("user_id = ? AND course_id = ? AND lesson_id = ?", in.UserID, in.CourseID, in.LessonID).
				First(&existing).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		completes := in.Completed && !existing.Completed
		where := tx.Model(&model.LessonProgress{}).
			Where("user_id = ? AND course_id = ? AND lesson_id = ?", in.UserID, in.CourseID, in.LessonID)

		if in.ClientTimestamp > 0 && in.ClientTimestamp < existing.ClientTimestamp {
			result.Stale = true
			if completes {
				if err := where.Updates(map[string]interface{}{
					"completed":    true,
					"completed_at": now,
					"updated_at":   now,
				}).Error; err != nil {
					return err
				}
				result.NewlyCompleted = true
				existing.Completed = true
				existing.CompletedAt = &now
				existing.UpdatedAt = now
			}
			result.Current = existing
			return nil
		}

		updates := map[string]interface{}{
			"seek_position": in.SeekPosition,
			"updated_at":    now,
		}
		if in.ClientTimestamp > 0 {
			updates["client_timestamp"] = in.ClientTimestamp
			existing.ClientTimestamp = in.ClientTimestamp
		}
		if completes {
			updates["completed"] = true
			updates["completed_at"] = now
			result.NewlyCompleted = true
			existing.Completed = true
			existing.CompletedAt = &now
		}
		if err := where.Updates(updates).Error; err != nil {
			return err
		}

		existing.SeekPosition = in.SeekPosition
		existing.UpdatedAt = now
		result.Applied = true
		result.Current = existing
		return nil
	})

	return result, err
}

func (r *ProgressRepository) ListLessonProgress(ctx context.Context, userID, courseID string) ([]model.LessonProgress, error) {
	var list []model.LessonProgress
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		Find(&list).Error
	return list, err
}

// CompletedLessonIDs 用户在课程下已完成的课时 ID
func (r *ProgressRepository) CompletedLessonIDs(ctx context.Context, userID, courseID string) ([]string, error) {
	var ids []string
	err := r.DB.WithContext(ctx).Model(&model.LessonProgress{}).
		Where("user_id = ? AND course_id = ? AND completed = ?", userID, courseID, true).
		Pluck("lesson_id", &ids).Error
	return ids, err
}

func (r *ProgressRepository) FindCourseProgress(ctx context.Context, userID, courseID string) (*model.CourseProgress, error) {
	var cp model.CourseProgress
	if err := r.DB.WithContext(ctx).First(&cp, "id = ?", model.EnrollmentID(userID, courseID)).Error; err != nil {
		return nil, err
	}
	return &cp, nil
}

// TouchCourseProgress 懒创建课程进度并记录最近访问的课时
func (r *ProgressRepository) TouchCourseProgress(ctx context.Context, userID, courseID, lessonID string, at time.Time) error {
	cp := model.CourseProgress{
		ID:             model.EnrollmentID(userID, courseID),
		UserID:         userID,
		CourseID:       courseID,
		LastLessonID:   lessonID,
		LastAccessedAt: at,
	}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_lesson_id", "last_accessed_at", "updated_at"}),
	}).Create(&cp).Error
}

// SetPercent 写入重算后的百分比（不存在时创建）
func (r *ProgressRepository) SetPercent(ctx context.Context, userID, courseID string, percent int) error {
	cp := model.CourseProgress{
		ID:              model.EnrollmentID(userID, courseID),
		UserID:          userID,
		CourseID:        courseID,
		PercentComplete: percent,
		LastAccessedAt:  time.Now().UTC(),
	}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"percent_complete", "updated_at"}),
	}).Create(&cp).Error
}
