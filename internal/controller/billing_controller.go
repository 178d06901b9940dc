package controller

import (
	"course_access_backend/internal/service"
	"course_access_backend/internal/util"
	"io"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

type BillingController struct {
	PaymentService *service.PaymentService
}

func NewBillingController(paymentService *service.PaymentService) *BillingController {
	return &BillingController{PaymentService: paymentService}
}

// Webhook godoc
// @Summary 支付回调
// @Description 请求体需带 X-Signature（HMAC-SHA256）；同一事件 ID 重复投递只生效一次
// @Tags 支付
// @Accept  json
// @Produce  json
// @Param   X-Signature header string true "签名"
// @Success 200 {object} util.Response{data=service.WebhookResult}
// @Failure 400 {object} util.Response
// @Failure 403 {object} util.Response "签名无效"
// @Failure 503 {object} util.Response "暂时失败，可重试"
// @Router /api/billing/webhook [post]
func (c *BillingController) Webhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBody))
	if err != nil {
		util.BadRequest(ctx, "failed to read body")
		return
	}

	res, err := c.PaymentService.HandleWebhook(ctx.Request.Context(), body, ctx.GetHeader("X-Signature"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, res)
}
