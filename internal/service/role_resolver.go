package service

import (
	"context"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"strings"
	"sync"
)

// Identity 已通过会话校验的身份信息
type Identity struct {
	UserID    string
	Email     string
	ClaimRole model.UserRole
	// Profile 已加载的用户资料，可为空
	Profile *model.User
}

// RoleSource 角色来源；ok=false 表示该来源没有权威结论，交给下一个来源
type RoleSource interface {
	Name() string
	Resolve(ctx context.Context, id Identity) (model.UserRole, bool)
}

// RoleResolver 按固定顺序询问各来源，第一个给出结论的来源胜出
type RoleResolver struct {
	Sources []RoleSource
	Default model.UserRole
}

func NewRoleResolver(sources ...RoleSource) *RoleResolver {
	return &RoleResolver{Sources: sources, Default: model.Student}
}

func (r *RoleResolver) Resolve(ctx context.Context, id Identity) model.UserRole {
	role, _ := r.ResolveWithSource(ctx, id)
	return role
}

// ResolveWithSource 额外返回给出结论的来源名，便于排查
func (r *RoleResolver) ResolveWithSource(ctx context.Context, id Identity) (model.UserRole, string) {
	for _, src := range r.Sources {
		if role, ok := src.Resolve(ctx, id); ok && validRole(role) {
			return role, src.Name()
		}
	}
	return r.Default, "default"
}

func validRole(role model.UserRole) bool {
	switch role {
	case model.Student, model.Teacher, model.Admin:
		return true
	}
	return false
}

// ClaimsRoleSource 会话令牌中的角色声明。本服务签发的令牌不带角色，
// 只有外部身份提供方的令牌会命中这一来源
type ClaimsRoleSource struct{}

func (ClaimsRoleSource) Name() string { return "claims" }

func (ClaimsRoleSource) Resolve(ctx context.Context, id Identity) (model.UserRole, bool) {
	if id.ClaimRole == "" {
		return "", false
	}
	return id.ClaimRole, true
}

// ProfileRoleSource 用户资料表中的角色
type ProfileRoleSource struct {
	Users *repository.UserRepository
}

func (ProfileRoleSource) Name() string { return "profile" }

func (s ProfileRoleSource) Resolve(ctx context.Context, id Identity) (model.UserRole, bool) {
	user := id.Profile
	if user == nil {
		if id.UserID == "" {
			return "", false
		}
		loaded, err := s.Users.FindByID(ctx, id.UserID)
		if err != nil {
			return "", false
		}
		user = loaded
	}
	if user.Role == "" {
		return "", false
	}
	return user.Role, true
}

// BootstrapEmailSource 配置中的初始管理员邮箱，支持热更新
type BootstrapEmailSource struct {
	mu     sync.RWMutex
	emails map[string]struct{}
}

func NewBootstrapEmailSource(emails []string) *BootstrapEmailSource {
	s := &BootstrapEmailSource{}
	s.Update(emails)
	return s
}

func (s *BootstrapEmailSource) Update(emails []string) {
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		set[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	s.mu.Lock()
	s.emails = set
	s.mu.Unlock()
}

func (*BootstrapEmailSource) Name() string { return "bootstrap" }

func (s *BootstrapEmailSource) Resolve(ctx context.Context, id Identity) (model.UserRole, bool) {
	email := strings.ToLower(strings.TrimSpace(id.Email))
	if email == "" {
		return "", false
	}
	s.mu.RLock()
	_, ok := s.emails[email]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return model.Admin, true
}
