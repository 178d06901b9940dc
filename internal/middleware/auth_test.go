package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"course_access_backend/internal/config"
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

const authTestSecret = "middleware-test-secret"

type authFixture struct {
	db        *gorm.DB
	router    *gin.Engine
	auth      *service.AuthService
	users     *service.UserService
	userRepo  *repository.UserRepository
	bootstrap *service.BootstrapEmailSource
}

func newAuthFixture(t *testing.T, bootstrap ...string) *authFixture {
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

	userRepo := repository.NewUserRepository(db)
	admins := service.NewBootstrapEmailSource(bootstrap)
	roles := service.NewRoleResolver(
		service.ClaimsRoleSource{},
		service.ProfileRoleSource{Users: userRepo},
		admins,
	)
	session := &config.SessionConfig{Secret: authTestSecret, CookieName: "session", ExpireTime: time.Hour}
	audit := service.NewAuditService(repository.NewAuditRepository(db), zap.NewNop())

	router := gin.New()
	api := router.Group("/api")
	api.Use(AuthMiddleware(session, service.NewSessionGuard(userRepo), roles))
	api.GET("/me", func(c *gin.Context) { c.Status(http.StatusOK) })
	api.GET("/admin/ping", RoleMiddleware(model.Admin), func(c *gin.Context) { c.Status(http.StatusOK) })

	return &authFixture{
		db:        db,
		router:    router,
		auth:      service.NewAuthService(userRepo, roles, session),
		users:     service.NewUserService(userRepo, audit),
		userRepo:  userRepo,
		bootstrap: admins,
	}
}

func (f *authFixture) login(t *testing.T, email string) (string, *model.User) {
	t.Helper()
	require.NoError(t, f.auth.Register(context.Background(), &model.User{DisplayName: "Ada", Email: email, Password: "s3cret-pass"}))
	token, user, err := f.auth.Login(context.Background(), email, "s3cret-pass")
	require.NoError(t, err)
	return token, user
}

func (f *authFixture) get(path, token string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: token})
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w.Code
}

func TestAuthMiddleware_DemotionTakesEffectOnExistingSession(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	actor := model.AuditActor{ID: "root", Role: string(model.Admin)}

	_, user := f.login(t, "ada@example.test")
	_, err := f.users.SetRole(ctx, actor, user.ID, model.Admin)
	require.NoError(t, err)

	token, _, err := f.auth.Login(ctx, "ada@example.test", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.get("/api/admin/ping", token))

	_, err = f.users.SetRole(ctx, actor, user.ID, model.Student)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, f.get("/api/admin/ping", token))
	assert.Equal(t, http.StatusOK, f.get("/api/me", token))
}

func TestAuthMiddleware_BootstrapRemovalTakesEffect(t *testing.T) {
	f := newAuthFixture(t, "boss@example.test")

	token, user := f.login(t, "boss@example.test")
	assert.Equal(t, model.Admin, user.Role)
	assert.Equal(t, http.StatusOK, f.get("/api/admin/ping", token))

	f.bootstrap.Update(nil)
	assert.Equal(t, http.StatusForbidden, f.get("/api/admin/ping", token))
}

func TestAuthMiddleware_DisabledAccountLosesSession(t *testing.T) {
	f := newAuthFixture(t)
	token, user := f.login(t, "grace@example.test")
	assert.Equal(t, http.StatusOK, f.get("/api/me", token))

	require.NoError(t, f.db.Model(&model.User{}).Where("id = ?", user.ID).Update("disabled", true).Error)
	assert.Equal(t, http.StatusUnauthorized, f.get("/api/me", token))
}

func TestAuthMiddleware_IssuedTokenCarriesNoRole(t *testing.T) {
	token, err := util.GenerateJWT(&model.User{UUIDBase: model.UUIDBase{ID: "u1"}, Email: "u1@example.test", Role: model.Admin}, authTestSecret, time.Hour)
	require.NoError(t, err)
	claims, err := util.ParseJWT(token, authTestSecret)
	require.NoError(t, err)
	assert.Empty(t, claims.Role)
}

func TestAuthMiddleware_MissingSession(t *testing.T) {
	f := newAuthFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.get("/api/me", ""))
}
