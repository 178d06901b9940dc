package controller

import (
	"course_access_backend/internal/middleware"
	"course_access_backend/internal/service"
	"course_access_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type ProgressController struct {
	ProgressService *service.ProgressService
}

func NewProgressController(progressService *service.ProgressService) *ProgressController {
	return &ProgressController{ProgressService: progressService}
}

// SaveCheckpoint godoc
// @Summary 记录课时进度
// @Description 按课时合并写入；clientTimestamp 早于已保存值的写入会被丢弃（applied=false）
// @Tags 学习进度
// @Accept  json
// @Produce  json
// @Param   body body service.CheckpointInput true "检查点"
// @Success 200 {object} util.Response{data=service.CheckpointResult}
// @Failure 403 {object} util.Response
// @Security ApiKeyAuth
// @Router /api/progress/checkpoint [post]
func (c *ProgressController) SaveCheckpoint(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	var in service.CheckpointInput
	if err := ctx.ShouldBindJSON(&in); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	res, err := c.ProgressService.SaveCheckpoint(ctx.Request.Context(), req, in)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, res)
}

// GetCourseProgress godoc
// @Summary 查询课程进度
// @Tags 学习进度
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Success 200 {object} util.Response{data=model.CourseProgress}
// @Security ApiKeyAuth
// @Router /api/progress/{courseId} [get]
func (c *ProgressController) GetCourseProgress(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	cp, err := c.ProgressService.GetCourseProgress(ctx.Request.Context(), req.UserID, ctx.Param("courseId"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, cp)
}
