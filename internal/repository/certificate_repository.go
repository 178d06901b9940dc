package repository

import (
	"context"
	"course_access_backend/internal/model"
	"time"

	"gorm.io/gorm"
)

type CertificateRepository struct {
	DB *gorm.DB
}

func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{DB: db}
}

// Create 依赖 (user_id, course_id) 唯一索引，重复签发返回 gorm.ErrDuplicatedKey
func (r *CertificateRepository) Create(ctx context.Context, cert *model.Certificate) error {
	return r.DB.WithContext(ctx).Create(cert).Error
}

func (r *CertificateRepository) FindByUserCourse(ctx context.Context, userID, courseID string) (*model.Certificate, error) {
	var cert model.Certificate
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		First(&cert).Error
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (r *CertificateRepository) FindByID(ctx context.Context, id string) (*model.Certificate, error) {
	var cert model.Certificate
	if err := r.DB.WithContext(ctx).First(&cert, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &cert, nil
}

func (r *CertificateRepository) FindByNumber(ctx context.Context, number string) (*model.Certificate, error) {
	var cert model.Certificate
	if err := r.DB.WithContext(ctx).First(&cert, "certificate_number = ?", number).Error; err != nil {
		return nil, err
	}
	return &cert, nil
}

func (r *CertificateRepository) ListByUser(ctx context.Context, userID string) ([]model.Certificate, error) {
	var list []model.Certificate
	err := r.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("issued_at desc").
		Find(&list).Error
	return list, err
}

func (r *CertificateRepository) SetArtifactURL(ctx context.Context, id, url string) error {
	return r.DB.WithContext(ctx).Model(&model.Certificate{}).
		Where("id = ?", id).
		Update("artifact_url", url).Error
}

// Revoke 仅对 issued 状态生效，返回是否实际更新
func (r *CertificateRepository) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&model.Certificate{}).
		Where("id = ? AND status = ?", id, model.CertificateIssued).
		Updates(map[string]interface{}{
			"status":        model.CertificateRevoked,
			"revoked_at":    at,
			"revoke_reason": reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
