package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"course_access_backend/internal/model"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookBody(t *testing.T, evt WebhookEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return raw
}

func TestWebhook_DuplicateDeliveryAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.course(t, "c5", true, 1)

	_, err := env.enrollment.Enroll(ctx, student("u1"), "c5")
	require.NoError(t, err)

	body := webhookBody(t, WebhookEvent{
		ID:   "evt_1",
		Type: PaymentSucceeded,
		Data: WebhookData{UserID: "u1", CourseID: "c5", Reference: "pi_123"},
	})
	sig := Sign(testWebhookSecret, body)

	first, err := env.payment.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, string(model.EnrollmentActive), first.Status)

	second, err := env.payment.HandleWebhook(ctx, body, "sha256="+sig)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	e, err := env.enrollments.Find(ctx, "u1", "c5")
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentActive, e.Status)
	assert.Equal(t, model.PaymentPaid, e.PaymentStatus)

	assert.Equal(t, int64(1), env.auditCount(t, model.AuditPaymentConfirmed))
	assert.Len(t, env.pub.ofType(events.EnrollmentActivated), 1)

	stored, err := env.paymentEvents.FindByID(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentEventDone, stored.State)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	body := webhookBody(t, WebhookEvent{ID: "evt_1", Type: PaymentSucceeded, Data: WebhookData{UserID: "u1", CourseID: "c1"}})

	_, err := env.payment.HandleWebhook(context.Background(), body, Sign("wrong", body))
	assert.ErrorIs(t, err, util.ErrInvalidSignature)
	_, err = env.payment.HandleWebhook(context.Background(), body, "not-hex")
	assert.ErrorIs(t, err, util.ErrInvalidSignature)

	env.payment.UpdateSecret("")
	_, err = env.payment.HandleWebhook(context.Background(), body, Sign("", body))
	assert.Equal(t, util.KindForbidden, util.KindOf(err))

	_, err = env.enrollments.Find(context.Background(), "u1", "c1")
	assert.Error(t, err)
}

func TestWebhook_SucceededWithoutEnrollmentCreatesActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	until := env.now.Add(90 * 24 * time.Hour)
	body := webhookBody(t, WebhookEvent{
		ID:   "evt_2",
		Type: PaymentSucceeded,
		Data: WebhookData{UserID: "u9", CourseID: "c9", AccessUntil: &until},
	})

	res, err := env.payment.HandleWebhook(ctx, body, Sign(testWebhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, string(model.EnrollmentActive), res.Status)

	e, err := env.enrollments.FindByID(ctx, "u9_c9")
	require.NoError(t, err)
	require.NotNil(t, e.AccessUntil)
	assert.True(t, until.Equal(*e.AccessUntil))
}

func TestWebhook_FailedPaymentCancelsActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enroll(t, "u1", "c1", model.EnrollmentActive, nil)

	body := webhookBody(t, WebhookEvent{ID: "evt_3", Type: PaymentFailed, Data: WebhookData{UserID: "u1", CourseID: "c1"}})
	res, err := env.payment.HandleWebhook(ctx, body, Sign(testWebhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, string(model.EnrollmentCancelled), res.Status)
	assert.Equal(t, string(model.PaymentPastDue), res.Payment)
}

func TestWebhook_RenewalReactivatesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	past := env.now.Add(-time.Hour)
	env.enroll(t, "u1", "c1", model.EnrollmentExpired, &past)

	until := env.now.AddDate(1, 0, 0)
	body := webhookBody(t, WebhookEvent{ID: "evt_4", Type: SubscriptionRenewed, Data: WebhookData{UserID: "u1", CourseID: "c1", AccessUntil: &until}})
	res, err := env.payment.HandleWebhook(ctx, body, Sign(testWebhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, string(model.EnrollmentActive), res.Status)

	env.course(t, "c1", true, 1)
	assert.Equal(t, Granted, env.gate.Check(ctx, student("u1"), "c1").Outcome)
}

func TestWebhook_UnknownTypeIgnored(t *testing.T) {
	env := newTestEnv(t)
	body := webhookBody(t, WebhookEvent{ID: "evt_5", Type: "invoice.created"})
	res, err := env.payment.HandleWebhook(context.Background(), body, Sign(testWebhookSecret, body))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}
