package model

import (
	"time"

	"gorm.io/datatypes"
)

// 审计动作
const (
	AuditEnrollmentCreated     = "ENROLLMENT_CREATED"
	AuditEnrollmentActivated   = "ENROLLMENT_ACTIVATED"
	AuditEnrollmentGranted     = "ENROLLMENT_GRANTED"
	AuditEnrollmentStatus      = "ENROLLMENT_STATUS_CHANGED"
	AuditEnrollmentAccessUntil = "ENROLLMENT_ACCESS_UNTIL_CHANGED"
	AuditEnrollmentExpired     = "ENROLLMENT_EXPIRED"
	AuditEnrollmentCompleted   = "ENROLLMENT_COMPLETED"
	AuditPaymentConfirmed      = "PAYMENT_CONFIRMED"
	AuditPaymentFailed         = "PAYMENT_FAILED"
	AuditSubscriptionRenewed   = "SUBSCRIPTION_RENEWED"
	AuditCertificateIssued     = "CERTIFICATE_ISSUED"
	AuditCertificateRevoked    = "CERTIFICATE_REVOKED"
	AuditBackfillRun           = "PROGRESS_BACKFILL"
	AuditMigrationEnrollments  = "MIGRATION_ENROLLMENT_IDS"
	AuditUserRoleChanged       = "USER_ROLE_CHANGED"
)

type AuditActor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type AuditTarget struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

type AuditDiff struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// AuditLog 只追加，不更新不删除
// swagger:model AuditLog
type AuditLog struct {
	ID               string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ActorID          string         `gorm:"size:64;index" json:"actorId"`
	ActorRole        string         `gorm:"size:20" json:"actorRole"`
	Action           string         `gorm:"size:64;index;not null" json:"action"`
	TargetCollection string         `gorm:"size:64;not null" json:"targetCollection"`
	TargetID         string         `gorm:"size:140;index;not null" json:"targetId"`
	Diff             datatypes.JSON `json:"diff,omitempty"`
	Metadata         datatypes.JSON `json:"metadata,omitempty"`
	Timestamp        time.Time      `gorm:"index" json:"timestamp"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
