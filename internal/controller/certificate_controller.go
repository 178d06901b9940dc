package controller

import (
	"course_access_backend/internal/middleware"
	"course_access_backend/internal/model"
	"course_access_backend/internal/service"
	"course_access_backend/internal/util"
	"net/http"

	"github.com/gin-gonic/gin"
)

type CertificateController struct {
	CertificateService *service.CertificateService
	ProgressService    *service.ProgressService
}

func NewCertificateController(certificateService *service.CertificateService, progressService *service.ProgressService) *CertificateController {
	return &CertificateController{
		CertificateService: certificateService,
		ProgressService:    progressService,
	}
}

// CertificateView 公开校验返回的快照
// swagger:model CertificateView
type CertificateView struct {
	CertificateNumber string                    `json:"certificateNumber"`
	StudentName       string                    `json:"studentName"`
	CourseName        string                    `json:"courseName"`
	CourseWorkload    int                       `json:"courseWorkload"`
	IssuedAt          string                    `json:"issuedAt"`
	Status            model.CertificateStatus   `json:"status"`
	RevokedAt         string                    `json:"revokedAt,omitempty"`
	ValidationURL     string                    `json:"validationUrl"`
	ArtifactURL       string                    `json:"artifactUrl,omitempty"`
	Lessons           []model.CertificateLesson `json:"lessons"`
}

func toCertificateView(cert *model.Certificate) CertificateView {
	v := CertificateView{
		CertificateNumber: cert.CertificateNumber,
		StudentName:       cert.StudentName,
		CourseName:        cert.CourseName,
		CourseWorkload:    cert.CourseWorkload,
		IssuedAt:          cert.IssuedAt.UTC().Format(util.DateFormat),
		Status:            cert.Status,
		ValidationURL:     cert.ValidationURL,
		ArtifactURL:       cert.ArtifactURL,
		Lessons:           cert.Lessons.Data(),
	}
	if cert.RevokedAt != nil {
		v.RevokedAt = cert.RevokedAt.UTC().Format(util.DateFormat)
	}
	return v
}

// Verify godoc
// @Summary 证书校验（公开）
// @Tags 证书
// @Produce  json
// @Param   number path string true "证书编号"
// @Success 200 {object} util.Response{data=CertificateView}
// @Failure 404 {object} util.Response
// @Router /api/certificates/verify/{number} [get]
func (c *CertificateController) Verify(ctx *gin.Context) {
	cert, err := c.CertificateService.Verify(ctx.Request.Context(), ctx.Param("number"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, toCertificateView(cert))
}

// Claim godoc
// @Summary 领取结业证书
// @Description 重新计算进度，达到 100% 时签发（幂等）
// @Tags 证书
// @Produce  json
// @Param   courseId path string true "课程ID"
// @Success 200 {object} util.Response{data=model.Certificate}
// @Failure 412 {object} util.Response "进度未完成"
// @Security ApiKeyAuth
// @Router /api/courses/{courseId}/certificate [post]
func (c *CertificateController) Claim(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	courseID := ctx.Param("courseId")

	res, err := c.ProgressService.RecalculateEnrollmentProgress(ctx.Request.Context(), req.UserID, courseID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	if res.Percent < 100 || res.CertificateID == "" {
		util.ErrorWithData(ctx, http.StatusPreconditionFailed, util.ErrProgressIncomplete.Error(), res)
		return
	}

	cert, _, err := c.CertificateService.Issue(ctx.Request.Context(), req.UserID, courseID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, cert)
}

// ListMine godoc
// @Summary 我的证书
// @Tags 证书
// @Produce  json
// @Success 200 {object} util.Response{data=[]model.Certificate}
// @Security ApiKeyAuth
// @Router /api/certificates [get]
func (c *CertificateController) ListMine(ctx *gin.Context) {
	req, ok := middleware.Requester(ctx)
	if !ok {
		util.Unauthorized(ctx)
		return
	}
	list, err := c.CertificateService.ListForUser(ctx.Request.Context(), req.UserID)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, list)
}
