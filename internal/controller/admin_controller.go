package controller

import (
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/service"
	"course_access_backend/internal/util"
	"time"

	"github.com/gin-gonic/gin"
)

// AdminController 管理操作统一返回 {success, error, data}
type AdminController struct {
	EnrollmentService  *service.EnrollmentService
	CertificateService *service.CertificateService
	ProgressService    *service.ProgressService
	AuditService       *service.AuditService
	UserService        *service.UserService
}

func NewAdminController(
	enrollmentService *service.EnrollmentService,
	certificateService *service.CertificateService,
	progressService *service.ProgressService,
	auditService *service.AuditService,
	userService *service.UserService,
) *AdminController {
	return &AdminController{
		EnrollmentService:  enrollmentService,
		CertificateService: certificateService,
		ProgressService:    progressService,
		AuditService:       auditService,
		UserService:        userService,
	}
}

func adminActor(ctx *gin.Context) model.AuditActor {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		return service.SystemActor
	}
	return model.AuditActor{ID: claims.UserID, Role: string(claims.Role)}
}

// GrantEnrollment godoc
// @Summary 管理员开通课程
// @Tags 管理
// @Accept  json
// @Produce  json
// @Param   body body service.GrantInput true "开通信息"
// @Success 200 {object} util.AdminResult{data=model.Enrollment}
// @Security ApiKeyAuth
// @Router /api/admin/enrollments/grant [post]
func (c *AdminController) GrantEnrollment(ctx *gin.Context) {
	var in service.GrantInput
	if err := ctx.ShouldBindJSON(&in); err != nil {
		util.AdminFailed(ctx, util.InvalidError(err.Error()))
		return
	}
	e, err := c.EnrollmentService.AdminGrant(ctx.Request.Context(), adminActor(ctx), in)
	if err != nil {
		util.AdminFailed(ctx, err)
		return
	}
	util.AdminOK(ctx, e)
}

// ApproveEnrollment godoc
// @Summary 确认待支付报名
// @Tags 管理
// @Produce  json
// @Param   id path string true "报名ID"
// @Success 200 {object} util.AdminResult{data=model.Enrollment}
// @Security ApiKeyAuth
// @Router /api/admin/enrollments/{id}/approve [post]
func (c *AdminController) ApproveEnrollment(ctx *gin.Context) {
	e, err := c.EnrollmentService.Approve(ctx.Request.Context(), adminActor(ctx), ctx.Param("id"))
	if err != nil {
		util.AdminFailed(ctx, err)
		return
	}
	util.AdminOK(ctx, e)
}

// SetStatusRequest 修改报名状态
// swagger:model SetStatusRequest
type SetStatusRequest struct {
	Status model.EnrollmentStatus `json:"status" binding:"required"`
	Reason string                 `json:"reason"`
}

// SetEnrollmentStatus godoc
// @Summary 修改报名状态（封禁/取消/恢复）
// @Tags 管理
// @Accept  json
// @Produce  json
// @Param   id path string true "报名ID"
// @Param   body body SetStatusRequest true "目标状态"
// @Success 200 {object} util.AdminResult{data=model.Enrollment}
// @Security ApiKeyAuth
// @Router /api/admin/enrollments/{id}/status [put]
func (c *AdminController) SetEnrollmentStatus(ctx *gin.Context) {
	var req SetStatusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.AdminFailed(ctx, util.InvalidError(err.Error()))
		return
	}
	e, err := c.EnrollmentService.SetStatus(ctx.Request.Context(), adminActor(ctx), ctx.Param("id"), req.Status, req.Reason)
	if err != nil {
		util.AdminFailed(ctx, err)
		return
	}
	util.AdminOK(ctx, e)
}

// SetAccessUntilRequest accessUntil 为空表示不限期
// swagger:model SetAccessUntilRequest
type SetAccessUntilRequest struct {
	AccessUntil *time.Time `json:"accessUntil"`
}

// SetAccessUntil godoc
// @Summary 修改访问截止时间
// @Tags 管理
// @Accept  json
// @Produce  json
// @Param   id path string true "报名ID"
// @Param   body body SetAccessUntilRequest true "截止时间"
// @Success 200 {object} util.AdminResult{data=model.Enrollment}
// @Security ApiKeyAuth
// @Router /api/admin/enrollments/{id}/access-until [put]
func (c *AdminController) SetAccessUntil(ctx *gin.Context) {
	var req SetAccessUntilRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.AdminFailed(ctx, util.InvalidError(err.Error()))
		return
	}
	e, err := c.EnrollmentService.SetAccessUntil(ctx.Request.Context(), adminActor(ctx), ctx.Param("id"), req.AccessUntil)
	if err != nil {
		util.AdminFailed(ctx, err)
		return
	}
	util.AdminOK(ctx, e)
}

// ListEnrollments godoc
// @Summary 报名列表
// @Tags 管理
// @Produce  json
// @Param   userId query string false "用户ID"
// @Param   courseId query string false "课程ID"
// @Param   status query string false "状态"
// @Param   page query int false "页码"
// @Param   limit query int false "每页数量"
// @Success 200 {object} util.AdminResult{data=util.PageResponse}
// @Security ApiKeyAuth
// @Router /api/admin/enrollments [get]
func (c *AdminController) ListEnrollments(ctx *gin.Context) {
	page := util.MustParseInt(ctx.Query("page"), 1)
	limit := util.MustParseInt(ctx.Query("limit"), 20)
	f := repository.EnrollmentFilter{
		UserID:   ctx.Query("userId"),
		CourseID: ctx.Query("courseId"),
		Status:   model.EnrollmentStatus(ctx.Query("status")),
	}

	list, total, err := c.EnrollmentService.List(ctx.Request.Context(), f, page, limit)
	if err != nil {
		util.AdminFailed(ctx, util.TransientError("failed to list enrollments", err))
		return
	}
	util.AdminOK(ctx, util.PageResponse{List: list, Total: total, Page: page, Limit: limit})
}

// RevokeRequest 吊销原因
// swagger:model RevokeRequest
type RevokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RevokeCertificate godoc
// @Summary 吊销证书
// @Tags 管理
// @Accept  json
// @Produce  json
// @Param   id path string true "证书ID"
// @Param   body body RevokeRequest true "吊销原因"
// @Success 200 {object} util.AdminResult{data=model.Certificate}
// @Security ApiKeyAuth
// @Router /api/admin/certificates/{id}/revoke [post]
func (c *AdminController) RevokeCertificate(ctx *gin.Context) {
	var req RevokeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.AdminFailed(ctx, util.InvalidError(err.Error()))
		return
	}
	cert, err := c.CertificateService.Revoke(ctx.Request.Context(), adminActor(ctx), ctx.Param("id"), req.Reason)
	if err != nil {
		util.AdminFailed(ctx, err)
		return
	}
	util.AdminOK(ctx, cert)
}

// ListAuditLogs godoc
// @Summary 审计日志
// @Tags 管理
// @Produce  json
// @Param   action query string false "动作"
// @Param   targetId query string false "目标ID"
// @Param   actorId query string false "操作者ID"
// @Param   page query int false "页码"
// @Param   limit query int false "每页数量"
// @Success 200 {object} util.AdminResult{data=util.PageResponse}
// @Security ApiKeyAuth
// @Router /api/admin/audit-logs [get]
func (c *AdminController) ListAuditLogs(ctx *gin.Context) {
	page := util.MustParseInt(ctx.Query("page"), 1)
	limit := util.MustParseInt(ctx.Query("limit"), 50)
	f := repository.AuditFilter{
		Action:   ctx.Query("action"),
		TargetID: ctx.Query("targetId"),
		ActorID:  ctx.Query("actorId"),
	}
	if since := ctx.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			util.AdminFailed(ctx, util.InvalidError("since must be RFC3339"))
			return
		}
		f.Since = &t
	}

	list, total, err := c.AuditService.List(ctx.Request.Context(), f, page, limit)
	if err != nil {
		util.AdminFailed(ctx, util.TransientError("failed to list audit logs", err))
		return
	}
	util.AdminOK(ctx, util.PageResponse{List: list, Total: total, Page: page, Limit: limit})
}

// RunBackfill godoc
// @Summary 重算全部报名进度
// @Description success=true 时仍需检查 errors 字段判断是否部分失败
// @Tags 管理
// @Produce  json
// @Success 200 {object} util.AdminResult{data=service.BackfillReport}
// @Security ApiKeyAuth
// @Router /api/admin/progress/backfill [post]
func (c *AdminController) RunBackfill(ctx *gin.Context) {
	report, err := c.ProgressService.RunBackfill(ctx.Request.Context(), adminActor(ctx))
	if err != nil {
		util.AdminFailed(ctx, err)
		return
	}
	util.AdminOK(ctx, report)
}

// RecalculateEnrollment godoc
// @Summary 重算单个报名进度
// @Tags 管理
// @Produce  json
// @Param   userId path string true "用户ID"
// @Param   courseId path string true "课程ID"
// @Success 200 {object} util.AdminResult{data=service.RecomputeResult}
// @Security ApiKeyAuth
// @Router /api/admin/progress/{userId}/{courseId}/recalculate [post]
func (c *AdminController) RecalculateEnrollment(ctx *gin.Context) {
	res, err := c.ProgressService.RecalculateEnrollmentProgress(ctx.Request.Context(), ctx.Param("userId"), ctx.Param("courseId"))
	if err != nil {
		util.AdminFailed(ctx, err)
		return
	}
	util.AdminOK(ctx, res)
}

// MigrateEnrollmentIDs godoc
// @Summary 修复历史报名主键方向
// @Tags 管理
// @Produce  json
// @Success 200 {object} util.AdminResult{data=service.MigrationReport}
// @Security ApiKeyAuth
// @Router /api/admin/migrations/enrollment-ids [post]
func (c *AdminController) MigrateEnrollmentIDs(ctx *gin.Context) {
	report, err := c.EnrollmentService.MigrateEnrollmentIDs(ctx.Request.Context(), adminActor(ctx))
	if err != nil {
		util.AdminFailed(ctx, err)
		return
	}
	util.AdminOK(ctx, report)
}

// SetRoleRequest 修改用户角色
// swagger:model SetRoleRequest
type SetRoleRequest struct {
	Role model.UserRole `json:"role" binding:"required"`
}

// SetUserRole godoc
// @Summary 修改用户角色
// @Tags 管理
// @Accept  json
// @Produce  json
// @Param   id path string true "用户ID"
// @Param   body body SetRoleRequest true "角色"
// @Success 200 {object} util.AdminResult{data=model.User}
// @Security ApiKeyAuth
// @Router /api/admin/users/{id}/role [put]
func (c *AdminController) SetUserRole(ctx *gin.Context) {
	var req SetRoleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.AdminFailed(ctx, util.InvalidError(err.Error()))
		return
	}
	user, err := c.UserService.SetRole(ctx.Request.Context(), adminActor(ctx), ctx.Param("id"), req.Role)
	if err != nil {
		util.AdminFailed(ctx, err)
		return
	}
	util.AdminOK(ctx, user)
}
