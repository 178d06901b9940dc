package controller

import (
	"course_access_backend/internal/middleware"
	"course_access_backend/internal/model"
	"course_access_backend/internal/service"
	"course_access_backend/internal/util"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type CourseController struct {
	CourseService *service.CourseService
	Gate          *service.AccessGate
}

func NewCourseController(courseService *service.CourseService, gate *service.AccessGate) *CourseController {
	return &CourseController{CourseService: courseService, Gate: gate}
}

// CheckAccess godoc
// @Summary 查询课程访问权
// @Description 返回 GRANTED / DENIED / PENDING 及原因
// @Tags 课程
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Success 200 {object} util.Response{data=service.Decision}
// @Failure 401 {object} util.Response
// @Security ApiKeyAuth
// @Router /api/courses/{courseId}/access [get]
func (c *CourseController) CheckAccess(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	util.Success(ctx, c.Gate.Check(ctx.Request.Context(), req, ctx.Param("courseId")))
}

// GetOutline godoc
// @Summary 课程目录
// @Tags 课程
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Success 200 {object} util.Response{data=service.Outline}
// @Failure 403 {object} util.Response
// @Security ApiKeyAuth
// @Router /api/courses/{courseId}/outline [get]
func (c *CourseController) GetOutline(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	courseID := ctx.Param("courseId")

	decision := c.Gate.Check(ctx.Request.Context(), req, courseID)
	if !decision.Allowed() {
		denyAccess(ctx, decision)
		return
	}

	outline, err := c.CourseService.Outline(ctx.Request.Context(), courseID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, outline)
}

// GetLesson godoc
// @Summary 课时内容
// @Description 每次请求在服务端判定访问权；未通过时返回 403，不返回内容
// @Tags 课程
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Param   lessonId path string true "课时ID"
// @Success 200 {object} util.Response{data=model.Lesson}
// @Failure 403 {object} util.Response{data=service.Decision}
// @Failure 404 {object} util.Response
// @Security ApiKeyAuth
// @Router /api/courses/{courseId}/lessons/{lessonId} [get]
func (c *CourseController) GetLesson(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}

	lesson, decision, err := c.CourseService.LessonContent(ctx.Request.Context(), req, ctx.Param("courseId"), ctx.Param("lessonId"))
	if !decision.Allowed() {
		denyAccess(ctx, decision)
		return
	}
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, lesson)
}

// CreateCourseRequest 创建课程
// swagger:model CreateCourseRequest
type CreateCourseRequest struct {
	Title         string `json:"title" binding:"required"`
	OwnerID       string `json:"ownerId"`
	IsPublished   bool   `json:"isPublished"`
	IsFree        bool   `json:"isFree"`
	WorkloadHours int    `json:"workloadHours"`
}

// CreateCourse godoc
// @Summary 创建课程
// @Tags 课程管理
// @Accept  json
// @Produce  json
// @Param   body body CreateCourseRequest true "课程信息"
// @Success 201 {object} util.Response{data=model.Course}
// @Security ApiKeyAuth
// @Router /api/teacher/courses [post]
func (c *CourseController) CreateCourse(ctx *gin.Context) {
	var req CreateCourseRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	claims := util.GetUserFromContext(ctx)
	owner := req.OwnerID
	if owner == "" || claims.Role != model.Admin {
		owner = claims.UserID
	}

	course := &model.Course{
		Title:         req.Title,
		OwnerID:       owner,
		IsPublished:   req.IsPublished,
		IsFree:        req.IsFree,
		WorkloadHours: req.WorkloadHours,
	}
	if err := c.CourseService.CreateCourse(ctx.Request.Context(), course); err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Created(ctx, course)
}

// UpdateCourse godoc
// @Summary 修改课程（发布/下架/归档）
// @Tags 课程管理
// @Accept  json
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Param   body body service.CourseUpdate true "修改内容"
// @Success 200 {object} util.Response{data=model.Course}
// @Security ApiKeyAuth
// @Router /api/teacher/courses/{courseId} [patch]
func (c *CourseController) UpdateCourse(ctx *gin.Context) {
	var req service.CourseUpdate
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	if !c.canManage(ctx, ctx.Param("courseId")) {
		return
	}
	course, err := c.CourseService.UpdateCourse(ctx.Request.Context(), ctx.Param("courseId"), req)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, course)
}

// CreateModuleRequest 创建模块
// swagger:model CreateModuleRequest
type CreateModuleRequest struct {
	Title       string `json:"title" binding:"required"`
	Order       int    `json:"order"`
	IsPublished bool   `json:"isPublished"`
}

// CreateModule godoc
// @Summary 创建模块
// @Tags 课程管理
// @Accept  json
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Param   body body CreateModuleRequest true "模块信息"
// @Success 201 {object} util.Response{data=model.CourseModule}
// @Security ApiKeyAuth
// @Router /api/teacher/courses/{courseId}/modules [post]
func (c *CourseController) CreateModule(ctx *gin.Context) {
	var req CreateModuleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	if !c.canManage(ctx, ctx.Param("courseId")) {
		return
	}
	m := &model.CourseModule{
		CourseID:    ctx.Param("courseId"),
		Title:       req.Title,
		Order:       req.Order,
		IsPublished: req.IsPublished,
	}
	if err := c.CourseService.AddModule(ctx.Request.Context(), m); err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Created(ctx, m)
}

// CreateLessonRequest 创建课时
// swagger:model CreateLessonRequest
type CreateLessonRequest struct {
	ModuleID        string `json:"moduleId"`
	Title           string `json:"title" binding:"required"`
	Order           int    `json:"order"`
	IsPublished     bool   `json:"isPublished"`
	VideoURL        string `json:"videoUrl"`
	Body            string `json:"body"`
	DurationSeconds int    `json:"durationSeconds"`
}

// CreateLesson godoc
// @Summary 创建课时
// @Tags 课程管理
// @Accept  json
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Param   body body CreateLessonRequest true "课时信息"
// @Success 201 {object} util.Response{data=model.Lesson}
// @Security ApiKeyAuth
// @Router /api/teacher/courses/{courseId}/lessons [post]
func (c *CourseController) CreateLesson(ctx *gin.Context) {
	var req CreateLessonRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	if !c.canManage(ctx, ctx.Param("courseId")) {
		return
	}
	l := &model.Lesson{
		CourseID:        ctx.Param("courseId"),
		ModuleID:        req.ModuleID,
		Title:           req.Title,
		Order:           req.Order,
		IsPublished:     req.IsPublished,
		VideoURL:        req.VideoURL,
		Body:            req.Body,
		DurationSeconds: req.DurationSeconds,
	}
	if err := c.CourseService.AddLesson(ctx.Request.Context(), l); err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Created(ctx, l)
}

// canManage 管理员或课程所有者
func (c *CourseController) canManage(ctx *gin.Context, courseID string) bool {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return false
	}
	if claims.Role == model.Admin {
		return true
	}
	course, err := c.CourseService.Courses.FindByID(ctx.Request.Context(), courseID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		util.NotFound(ctx)
		return false
	}
	if err != nil {
		util.HandleError(ctx, util.TransientError("failed to load course", err))
		return false
	}
	if course.OwnerID != claims.UserID {
		util.Forbidden(ctx)
		return false
	}
	return true
}

// denyAccess 拒绝与等待都返回 403，附带判定结果供前端展示说明
func denyAccess(ctx *gin.Context, d service.Decision) {
	util.ErrorWithData(ctx, http.StatusForbidden, "Access "+string(d.Outcome), d)
}
