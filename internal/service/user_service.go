package service

import (
	"context"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"errors"

	"gorm.io/gorm"
)

type UserService struct {
	UserRepo *repository.UserRepository
	Audit    *AuditService
}

func NewUserService(userRepo *repository.UserRepository, audit *AuditService) *UserService {
	return &UserService{UserRepo: userRepo, Audit: audit}
}

// SetRole 管理员修改用户资料中的角色
func (s *UserService) SetRole(ctx context.Context, actor model.AuditActor, userID string, role model.UserRole) (*model.User, error) {
	if !validRole(role) {
		return nil, util.InvalidError("unknown role")
	}
	user, err := s.UserRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.NotFoundError("user not found", util.ErrUserNotFound)
		}
		return nil, util.TransientError("failed to load user", err)
	}
	if user.Role == role {
		return user, nil
	}
	if err := s.UserRepo.UpdateRole(ctx, userID, role); err != nil {
		return nil, util.TransientError("failed to update role", err)
	}

	s.Audit.Record(ctx, actor, model.AuditUserRoleChanged, model.AuditTarget{Collection: "users", ID: userID},
		&model.AuditDiff{
			Before: map[string]interface{}{"role": string(user.Role)},
			After:  map[string]interface{}{"role": string(role)},
		}, nil)
	user.Role = role
	return user, nil
}
