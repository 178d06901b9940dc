package service

import (
	"context"
	"course_access_backend/internal/model"
	"course_access_backend/internal/repository"
	"course_access_backend/internal/util"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// SystemActor 定时任务、回调等非人工操作使用的操作者
var SystemActor = model.AuditActor{ID: "system", Role: "system"}

type AuditService struct {
	Repo *repository.AuditRepository
	Log  *zap.Logger
}

func NewAuditService(repo *repository.AuditRepository, log *zap.Logger) *AuditService {
	return &AuditService{Repo: repo, Log: log.Named("audit")}
}

// Record 追加审计记录。失败只记录日志，不影响调用方的业务结果
func (s *AuditService) Record(ctx context.Context, actor model.AuditActor, action string, target model.AuditTarget, diff *model.AuditDiff, metadata map[string]interface{}) {
	entry := &model.AuditLog{
		ID:               model.GenerateUUID(),
		ActorID:          actor.ID,
		ActorRole:        actor.Role,
		Action:           action,
		TargetCollection: target.Collection,
		TargetID:         target.ID,
		Timestamp:        time.Now().UTC(),
	}
	if diff != nil {
		if raw, err := json.Marshal(diff); err == nil {
			entry.Diff = datatypes.JSON(raw)
		}
	}
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = datatypes.JSON(raw)
		}
	}

	if err := s.Repo.Create(context.WithoutCancel(ctx), entry); err != nil {
		s.Log.Error("failed to write audit log",
			zap.String("action", action),
			zap.String("target", target.Collection+"/"+target.ID),
			zap.Error(err))
	}
}

func (s *AuditService) List(ctx context.Context, f repository.AuditFilter, page, limit int) ([]model.AuditLog, int64, error) {
	offset, size := util.Page(page, limit)
	return s.Repo.List(ctx, f, offset, size)
}

func enrollmentTarget(id string) model.AuditTarget {
	return model.AuditTarget{Collection: "enrollments", ID: id}
}

func certificateTarget(id string) model.AuditTarget {
	return model.AuditTarget{Collection: "certificates", ID: id}
}
