package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"course_access_backend/internal/config"
	"course_access_backend/internal/middleware"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/service"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/database"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSessionSecret = "controller-test-secret"

type lessonFixture struct {
	router   *gin.Engine
	db       *gorm.DB
	lessonID string
}

func newLessonFixture(t *testing.T) *lessonFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	ctx := context.Background()
	courses := repository.NewCourseRepository(db)
	enrollments := repository.NewEnrollmentRepository(db)
	users := repository.NewUserRepository(db)

	require.NoError(t, courses.Create(ctx, &model.Course{UUIDBase: model.UUIDBase{ID: "c2"}, Title: "Go", IsPublished: true, Status: model.CourseOpen}))
	lesson := &model.Lesson{CourseID: "c2", Title: "Intro", IsPublished: true, Body: "premium lesson body"}
	require.NoError(t, courses.CreateLesson(ctx, lesson))

	yesterday := time.Now().Add(-24 * time.Hour)
	nextMonth := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, enrollments.Create(ctx, &model.Enrollment{UserID: "expired", CourseID: "c2", Status: model.EnrollmentActive, PaymentStatus: model.PaymentPaid, AccessUntil: &yesterday}))
	require.NoError(t, enrollments.Create(ctx, &model.Enrollment{UserID: "paid", CourseID: "c2", Status: model.EnrollmentActive, PaymentStatus: model.PaymentPaid, AccessUntil: &nextMonth}))

	log := zap.NewNop()
	gate := service.NewAccessGate(courses, enrollments, config.AccessConfig{}, log)
	courseCtl := NewCourseController(service.NewCourseService(courses, gate, nil, log), gate)
	roles := service.NewRoleResolver(service.ClaimsRoleSource{}, service.ProfileRoleSource{Users: users})

	session := &config.SessionConfig{Secret: testSessionSecret, CookieName: "session"}
	router := gin.New()
	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(session, service.NewSessionGuard(users), roles))
	api.GET("/courses/:courseId/access", courseCtl.CheckAccess)
	api.GET("/courses/:courseId/lessons/:lessonId", courseCtl.GetLesson)
	api.PATCH("/teacher/courses/:courseId", courseCtl.UpdateCourse)

	return &lessonFixture{router: router, db: db, lessonID: lesson.ID}
}

func (f *lessonFixture) get(t *testing.T, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		token, err := util.GenerateJWT(&model.User{UUIDBase: model.UUIDBase{ID: userID}, Email: userID + "@example.test"}, testSessionSecret, time.Hour)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: "session", Value: token})
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *lessonFixture) patch(t *testing.T, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPatch, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	token, err := util.GenerateJWT(&model.User{UUIDBase: model.UUIDBase{ID: userID}, Email: userID + "@example.test"}, testSessionSecret, time.Hour)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "session", Value: token})
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestGetLesson_ExpiredAccessIsRejectedWithoutContent(t *testing.T) {
	f := newLessonFixture(t)

	w := f.get(t, "/api/courses/c2/lessons/"+f.lessonID, "expired")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "premium lesson body")

	var resp struct {
		Data service.Decision `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, service.Denied, resp.Data.Outcome)
	assert.Equal(t, service.ReasonExpired, resp.Data.Reason)
}

func TestGetLesson_ActiveAccessReturnsContent(t *testing.T) {
	f := newLessonFixture(t)

	w := f.get(t, "/api/courses/c2/lessons/"+f.lessonID, "paid")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "premium lesson body")

	w = f.get(t, "/api/courses/c2/lessons/missing", "paid")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetLesson_RequiresSession(t *testing.T) {
	f := newLessonFixture(t)

	w := f.get(t, "/api/courses/c2/lessons/"+f.lessonID, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckAccess_NotEnrolled(t *testing.T) {
	f := newLessonFixture(t)

	w := f.get(t, "/api/courses/c2/access", "stranger")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data service.Decision `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, service.Denied, resp.Data.Outcome)
	assert.Equal(t, service.ReasonNotEnrolled, resp.Data.Reason)
}

func TestUpdateCourse_OwnershipLookup(t *testing.T) {
	f := newLessonFixture(t)

	w := f.patch(t, "/api/teacher/courses/missing", "stranger", `{"title":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.patch(t, "/api/teacher/courses/c2", "stranger", `{"title":"x"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 存储故障不能伪装成 404
	require.NoError(t, f.db.Migrator().DropTable(&model.Course{}))
	w = f.patch(t, "/api/teacher/courses/c2", "stranger", `{"title":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
