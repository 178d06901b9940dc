package service

import (
	"context"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"errors"

	"gorm.io/gorm"
)

// SessionGuard 每个请求重新校验账号状态，令牌签发后的停用立即生效
type SessionGuard struct {
	Users *repository.UserRepository
}

func NewSessionGuard(users *repository.UserRepository) *SessionGuard {
	return &SessionGuard{Users: users}
}

// Admit 账号停用返回 Unauthorized；没有资料记录的外部身份原样放行。
// 读到的资料挂在 Identity 上，角色解析时不再重复查询
func (g *SessionGuard) Admit(ctx context.Context, id Identity) (Identity, error) {
	user, err := g.Users.FindByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return id, nil
		}
		return id, util.TransientError("failed to load session user", err)
	}
	if user.Disabled {
		return id, util.NewError(util.KindUnauthorized, "account disabled", util.ErrUnauthorized)
	}
	id.Profile = user
	return id, nil
}
