package controller

import (
	"course_access_backend/internal/middleware"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/service"
	"course_access_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type EnrollmentController struct {
	EnrollmentService *service.EnrollmentService
}

func NewEnrollmentController(enrollmentService *service.EnrollmentService) *EnrollmentController {
	return &EnrollmentController{EnrollmentService: enrollmentService}
}

// Enroll godoc
// @Summary 报名课程
// @Description 付费课程创建 pending 报名等待支付确认，免费课程直接生效；重复调用返回已有记录
// @Tags 报名
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Success 200 {object} util.Response{data=model.Enrollment}
// @Failure 404 {object} util.Response
// @Failure 409 {object} util.Response
// @Security ApiKeyAuth
// @Router /api/courses/{courseId}/enroll [post]
func (c *EnrollmentController) Enroll(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	e, err := c.EnrollmentService.Enroll(ctx.Request.Context(), req, ctx.Param("courseId"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, e)
}

// GetMyEnrollment godoc
// @Summary 查询本人在课程下的报名
// @Tags 报名
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Success 200 {object} util.Response{data=model.Enrollment}
// @Failure 404 {object} util.Response
// @Security ApiKeyAuth
// @Router /api/courses/{courseId}/enrollment [get]
func (c *EnrollmentController) GetMyEnrollment(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	e, err := c.EnrollmentService.Get(ctx.Request.Context(), req.UserID, ctx.Param("courseId"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, e)
}

// ListMyEnrollments godoc
// @Summary 我的报名列表
// @Tags 报名
// @Produce  json
// @Param   page query int false "页码"
// @Param   limit query int false "每页数量"
// @Success 200 {object} util.Response{data=util.PageResponse}
// @Security ApiKeyAuth
// @Router /api/enrollments [get]
func (c *EnrollmentController) ListMyEnrollments(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	page := util.MustParseInt(ctx.Query("page"), 1)
	limit := util.MustParseInt(ctx.Query("limit"), 20)

	list, total, err := c.EnrollmentService.List(ctx.Request.Context(), repository.EnrollmentFilter{UserID: req.UserID}, page, limit)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, util.PageResponse{List: list, Total: total, Page: page, Limit: limit})
}
