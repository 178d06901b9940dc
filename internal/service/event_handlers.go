package service

import (
	"context"
	"course_access_backend/pkg/events"

	"go.uber.org/zap"
)

// RegisterEventHandlers 订阅领域事件。处理失败只影响该事件，不回滚发布方的写入
func RegisterEventHandlers(bus *events.Bus, progress *ProgressService, renderer *CertificateRenderer, log *zap.Logger) {
	bus.Subscribe(events.LessonCompleted, progress.HandleLessonCompleted)

	// 重新激活的报名可能已有历史进度，重算一次摘要
	bus.Subscribe(events.EnrollmentActivated, func(ctx context.Context, evt events.Event) error {
		_, err := progress.RecalculateEnrollmentProgress(ctx, evt.UserID, evt.CourseID)
		return err
	})

	if renderer != nil {
		bus.Subscribe(events.CertificateIssued, renderer.HandleIssued)
	}

	bus.Subscribe(events.EnrollmentChanged, func(ctx context.Context, evt events.Event) error {
		log.Debug("enrollment changed",
			zap.String("enrollmentId", evt.TargetID),
			zap.Any("payload", evt.Payload))
		return nil
	})
}
