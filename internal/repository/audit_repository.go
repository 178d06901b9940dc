package repository

import (
	"context"
	"course_access_backend/internal/model"
	"time"

	"gorm.io/gorm"
)

type AuditRepository struct {
	DB *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{DB: db}
}

type AuditFilter struct {
	Action   string
	TargetID string
	ActorID  string
	Since    *time.Time
}

func (r *AuditRepository) Create(ctx context.Context, entry *model.AuditLog) error {
	return r.DB.WithContext(ctx).Create(entry).Error
}

func (r *AuditRepository) List(ctx context.Context, f AuditFilter, offset, limit int) ([]model.AuditLog, int64, error) {
	q := r.DB.WithContext(ctx).Model(&model.AuditLog{})
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.TargetID != "" {
		q = q.Where("target_id = ?", f.TargetID)
	}
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.Since != nil {
		q = q.Where("timestamp >= ?", *f.Since)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []model.AuditLog
	err := q.Order("timestamp desc").Offset(offset).Limit(limit).Find(&list).Error
	return list, total, err
}
