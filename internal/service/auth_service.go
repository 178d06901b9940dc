package service

import (
	"context"
	"course_access_backend/internal/config"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type AuthService struct {
	UserRepo *repository.UserRepository
	Roles    *RoleResolver
	Session  *config.SessionConfig
}

func NewAuthService(userRepo *repository.UserRepository, roles *RoleResolver, session *config.SessionConfig) *AuthService {
	return &AuthService{
		UserRepo: userRepo,
		Roles:    roles,
		Session:  session,
	}
}

func (s *AuthService) Register(ctx context.Context, user *model.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	_, err := s.UserRepo.FindByEmail(ctx, user.Email)
	if err == nil {
		return util.NewError(util.KindConflict, "email already registered", nil)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return util.TransientError("failed to look up user", err)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user.Password = string(hashedPassword)
	// 角色留空，由角色解析链兜底
	user.Role = ""
	return s.UserRepo.Create(ctx, user)
}

// Login 校验密码并签发会话令牌，令牌中的角色由角色解析链决定
func (s *AuthService) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	user, err := s.UserRepo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, util.ErrInvalidCredentials
		}
		return "", nil, util.TransientError("failed to look up user", err)
	}
	if user.Disabled {
		return "", nil, util.ForbiddenError("account disabled")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return "", nil, util.ErrInvalidCredentials
	}

	// 签发前按资料表与初始管理员名单解析角色，令牌声明不参与
	user.Role = s.Roles.Resolve(ctx, Identity{UserID: user.ID, Email: user.Email})

	token, err := util.GenerateJWT(user, s.Session.Secret, s.Session.ExpireTime)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.UserRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("user not found", util.ErrUserNotFound)
		}
		return nil, util.TransientError("failed to load user", err)
	}
	return user, nil
}
