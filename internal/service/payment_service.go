package service

import (
	"context"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/events"
	"course_access_backend/pkg/monitoring"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 支付回调事件类型
const (
	PaymentSucceeded    = "payment.succeeded"
	PaymentFailed       = "payment.failed"
	SubscriptionRenewed = "subscription.renewed"
)

type WebhookEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data WebhookData `json:"data"`
}

type WebhookData struct {
	UserID      string     `json:"userId"`
	CourseID    string     `json:"courseId"`
	Reference   string     `json:"reference"`
	AccessUntil *time.Time `json:"accessUntil"`
}

type WebhookResult struct {
	EventID    string            `json:"eventId"`
	Duplicate  bool              `json:"duplicate,omitempty"`
	Ignored    bool              `json:"ignored,omitempty"`
	Status     string            `json:"status,omitempty"`
	Payment    string            `json:"paymentStatus,omitempty"`
	Enrollment *model.Enrollment `json:"-"`
}

type PaymentService struct {
	Enrollments *repository.EnrollmentRepository
	Events      *repository.PaymentEventRepository
	Audit       *AuditService
	Publisher   events.Publisher
	Log         *zap.Logger
	Now         func() time.Time

	mu     sync.RWMutex
	secret string
}

func NewPaymentService(enrollments *repository.EnrollmentRepository, paymentEvents *repository.PaymentEventRepository, audit *AuditService, publisher events.Publisher, secret string, log *zap.Logger) *PaymentService {
	return &PaymentService{
		Enrollments: enrollments,
		Events:      paymentEvents,
		Audit:       audit,
		Publisher:   publisher,
		Log:         log.Named("payment"),
		Now:         time.Now,
		secret:      secret,
	}
}

func (s *PaymentService) UpdateSecret(secret string) {
	s.mu.Lock()
	s.secret = secret
	s.mu.Unlock()
}

// Sign 计算回调签名（hex 编码的 HMAC-SHA256）
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 未配置密钥时一律拒绝
func (s *PaymentService) VerifySignature(body []byte, signature string) error {
	s.mu.RLock()
	secret := s.secret
	s.mu.RUnlock()

	if secret == "" {
		return util.NewError(util.KindForbidden, "webhook secret not configured", util.ErrInvalidSignature)
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return util.NewError(util.KindForbidden, "malformed signature", util.ErrInvalidSignature)
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	if !hmac.Equal(got, want) {
		return util.NewError(util.KindForbidden, "signature mismatch", util.ErrInvalidSignature)
	}
	return nil
}

// HandleWebhook 校验签名后按事件 ID 去重处理；同一事件重复投递不会重复生效
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if err := s.VerifySignature(body, signature); err != nil {
		monitoring.WebhookCounter.WithLabelValues("unknown", "rejected").Inc()
		return nil, err
	}

	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, util.InvalidError("malformed webhook payload")
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, util.InvalidError("webhook event id and type are required")
	}

	result := &WebhookResult{EventID: evt.ID}
	switch evt.Type {
	case PaymentSucceeded, PaymentFailed, SubscriptionRenewed:
	default:
		monitoring.WebhookCounter.WithLabelValues(evt.Type, "ignored").Inc()
		result.Ignored = true
		return result, nil
	}
	if evt.Data.UserID == "" || evt.Data.CourseID == "" {
		return nil, util.InvalidError("webhook data requires userId and courseId")
	}

	acquired, err := s.Events.Acquire(ctx, &model.PaymentEvent{
		ID:       evt.ID,
		Type:     evt.Type,
		UserID:   evt.Data.UserID,
		CourseID: evt.Data.CourseID,
		Payload:  datatypes.JSON(body),
	})
	if err != nil {
		monitoring.WebhookCounter.WithLabelValues(evt.Type, "error").Inc()
		return nil, util.TransientError("failed to record webhook event", err)
	}
	if !acquired {
		monitoring.WebhookCounter.WithLabelValues(evt.Type, "duplicate").Inc()
		s.Log.Info("duplicate webhook delivery ignored", zap.String("eventId", evt.ID), zap.String("type", evt.Type))
		result.Duplicate = true
		return result, nil
	}

	e, err := s.apply(ctx, &evt)
	if err != nil {
		if markErr := s.Events.MarkError(ctx, evt.ID, err); markErr != nil {
			s.Log.Error("failed to mark webhook event as failed", zap.String("eventId", evt.ID), zap.Error(markErr))
		}
		monitoring.WebhookCounter.WithLabelValues(evt.Type, "error").Inc()
		return nil, err
	}
	if err := s.Events.MarkDone(ctx, evt.ID); err != nil {
		s.Log.Error("failed to mark webhook event as done", zap.String("eventId", evt.ID), zap.Error(err))
	}
	monitoring.WebhookCounter.WithLabelValues(evt.Type, "applied").Inc()

	if e != nil {
		result.Enrollment = e
		result.Status = string(e.Status)
		result.Payment = string(e.PaymentStatus)
	}
	return result, nil
}

func (s *PaymentService) apply(ctx context.Context, evt *WebhookEvent) (*model.Enrollment, error) {
	switch evt.Type {
	case PaymentSucceeded:
		return s.applySucceeded(ctx, evt)
	case PaymentFailed:
		return s.applyFailed(ctx, evt)
	case SubscriptionRenewed:
		return s.applyRenewed(ctx, evt)
	}
	return nil, nil
}

func (s *PaymentService) applySucceeded(ctx context.Context, evt *WebhookEvent) (*model.Enrollment, error) {
	created, e, err := s.createActive(ctx, evt)
	if err != nil || created {
		return e, err
	}

	fields := map[string]interface{}{"payment_status": model.PaymentPaid}
	switch e.Status {
	case model.EnrollmentPending, model.EnrollmentExpired, model.EnrollmentCancelled:
		fields["status"] = model.EnrollmentActive
	case model.EnrollmentActive, model.EnrollmentCompleted, model.EnrollmentBlocked:
		// 封禁与已结业状态不因付款改变
	}
	if evt.Data.AccessUntil != nil {
		fields["access_until"] = evt.Data.AccessUntil.UTC()
	}
	if evt.Data.Reference != "" {
		fields["source_ref"] = evt.Data.Reference
	}
	return s.update(ctx, evt, e, model.AuditPaymentConfirmed, fields)
}

func (s *PaymentService) applyFailed(ctx context.Context, evt *WebhookEvent) (*model.Enrollment, error) {
	e, err := s.Enrollments.Find(ctx, evt.Data.UserID, evt.Data.CourseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.Log.Info("payment failure for unknown enrollment", zap.String("eventId", evt.ID))
			return nil, nil
		}
		return nil, util.TransientError("failed to load enrollment", err)
	}

	fields := map[string]interface{}{"payment_status": model.PaymentPastDue}
	if e.Status == model.EnrollmentActive {
		fields["status"] = model.EnrollmentCancelled
	}
	return s.update(ctx, evt, e, model.AuditPaymentFailed, fields)
}

func (s *PaymentService) applyRenewed(ctx context.Context, evt *WebhookEvent) (*model.Enrollment, error) {
	if evt.Data.AccessUntil == nil {
		return nil, util.InvalidError("subscription.renewed requires accessUntil")
	}
	created, e, err := s.createActive(ctx, evt)
	if err != nil || created {
		return e, err
	}

	fields := map[string]interface{}{
		"payment_status": model.PaymentPaid,
		"access_until":   evt.Data.AccessUntil.UTC(),
	}
	switch e.Status {
	case model.EnrollmentPending, model.EnrollmentExpired, model.EnrollmentCancelled:
		fields["status"] = model.EnrollmentActive
	}
	return s.update(ctx, evt, e, model.AuditSubscriptionRenewed, fields)
}

// createActive 没有报名记录时直接创建 active；已存在时返回现有记录
func (s *PaymentService) createActive(ctx context.Context, evt *WebhookEvent) (bool, *model.Enrollment, error) {
	e := &model.Enrollment{
		UserID:        evt.Data.UserID,
		CourseID:      evt.Data.CourseID,
		Status:        model.EnrollmentActive,
		PaymentStatus: model.PaymentPaid,
		Source:        model.SourcePayment,
		SourceRef:     evt.Data.Reference,
		AccessUntil:   evt.Data.AccessUntil,
	}
	created, err := s.Enrollments.CreateIfAbsent(ctx, e)
	if err != nil {
		return false, nil, util.TransientError("failed to create enrollment", err)
	}
	if created {
		action := model.AuditPaymentConfirmed
		if evt.Type == SubscriptionRenewed {
			action = model.AuditSubscriptionRenewed
		}
		s.Audit.Record(ctx, webhookActor(), action, enrollmentTarget(e.ID),
			&model.AuditDiff{After: e.Snapshot()}, map[string]interface{}{"eventId": evt.ID})
		s.publish(ctx, events.EnrollmentActivated, e)
		return true, e, nil
	}

	existing, err := s.Enrollments.Find(ctx, evt.Data.UserID, evt.Data.CourseID)
	if err != nil {
		return false, nil, util.TransientError("failed to load enrollment", err)
	}
	return false, existing, nil
}

// update 以读取时的状态作为前置条件；并发修改导致失败时返回 transient，由支付方重试
func (s *PaymentService) update(ctx context.Context, evt *WebhookEvent, e *model.Enrollment, action string, fields map[string]interface{}) (*model.Enrollment, error) {
	changed, err := s.Enrollments.UpdateFields(ctx, e.ID, []model.EnrollmentStatus{e.Status}, fields)
	if err != nil {
		return nil, util.TransientError("failed to update enrollment", err)
	}
	if !changed {
		return nil, util.TransientError(fmt.Sprintf("enrollment %s changed concurrently", e.ID), nil)
	}
	after, err := s.Enrollments.FindByID(ctx, e.ID)
	if err != nil {
		return nil, util.TransientError("failed to reload enrollment", err)
	}

	s.Audit.Record(ctx, webhookActor(), action, enrollmentTarget(e.ID),
		&model.AuditDiff{Before: e.Snapshot(), After: after.Snapshot()},
		map[string]interface{}{"eventId": evt.ID})

	if e.Status != model.EnrollmentActive && after.Status == model.EnrollmentActive {
		s.publish(ctx, events.EnrollmentActivated, after)
	} else if e.Status != after.Status {
		s.publish(ctx, events.EnrollmentChanged, after)
	}
	return after, nil
}

// Housekeeping 清理已完成的旧事件，释放卡在 processing 的事件
func (s *PaymentService) Housekeeping(ctx context.Context, retention, stuckAfter time.Duration) {
	now := s.Now().UTC()
	if n, err := s.Events.ReleaseStale(ctx, now.Add(-stuckAfter)); err != nil {
		s.Log.Warn("failed to release stale payment events", zap.Error(err))
	} else if n > 0 {
		s.Log.Info("released stale payment events", zap.Int64("count", n))
	}
	if n, err := s.Events.Cleanup(ctx, now.Add(-retention)); err != nil {
		s.Log.Warn("failed to clean up payment events", zap.Error(err))
	} else if n > 0 {
		s.Log.Info("cleaned up payment events", zap.Int64("count", n))
	}
}

func (s *PaymentService) publish(ctx context.Context, eventType string, e *model.Enrollment) {
	if s.Publisher == nil {
		return
	}
	s.Publisher.Publish(ctx, events.Event{
		Type:     eventType,
		ActorID:  "billing",
		UserID:   e.UserID,
		CourseID: e.CourseID,
		TargetID: e.ID,
		Payload:  map[string]interface{}{"status": string(e.Status), "paymentStatus": string(e.PaymentStatus)},
	})
}

func webhookActor() model.AuditActor {
	return model.AuditActor{ID: "billing", Role: "system"}
}
