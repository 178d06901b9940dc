package repository

import (
	"context"
	"course_access_backend/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentEventRepository struct {
	DB *gorm.DB
}

func NewPaymentEventRepository(db *gorm.DB) *PaymentEventRepository {
	return &PaymentEventRepository{DB: db}
}

// Acquire 占用事件 ID。返回 false 表示该事件已处理完成或正在处理中；
// 之前处理失败（error）的事件可以重新占用
func (r *PaymentEventRepository) Acquire(ctx context.Context, evt *model.PaymentEvent) (bool, error) {
	evt.State = model.PaymentEventProcessing
	evt.Attempts = 1
	res := r.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(evt)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	retry := r.DB.WithContext(ctx).Model(&model.PaymentEvent{}).
		Where("id = ? AND state = ?", evt.ID, model.PaymentEventError).
		Updates(map[string]interface{}{
			"state":      model.PaymentEventProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if retry.Error != nil {
		return false, retry.Error
	}
	return retry.RowsAffected > 0, nil
}

func (r *PaymentEventRepository) MarkDone(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.DB.WithContext(ctx).Model(&model.PaymentEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":        model.PaymentEventDone,
			"processed_at": now,
			"last_error":   "",
		}).Error
}

func (r *PaymentEventRepository) MarkError(ctx context.Context, id string, cause error) error {
	return r.DB.WithContext(ctx).Model(&model.PaymentEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":      model.PaymentEventError,
			"last_error": cause.Error(),
		}).Error
}

func (r *PaymentEventRepository) FindByID(ctx context.Context, id string) (*model.PaymentEvent, error) {
	var evt model.PaymentEvent
	if err := r.DB.WithContext(ctx).First(&evt, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &evt, nil
}

// Cleanup 删除早于 before 的已完成事件
func (r *PaymentEventRepository) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).
		Where("state = ? AND updated_at < ?", model.PaymentEventDone, before).
		Delete(&model.PaymentEvent{})
	return res.RowsAffected, res.Error
}

// ReleaseStale 处理中超时的事件（进程崩溃遗留）标记为 error 以便重试
func (r *PaymentEventRepository) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&model.PaymentEvent{}).
		Where("state = ? AND updated_at < ?", model.PaymentEventProcessing, before).
		Updates(map[string]interface{}{
			"state":      model.PaymentEventError,
			"last_error": "processing timed out",
		})
	return res.RowsAffected, res.Error
}
