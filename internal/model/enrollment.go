package model

import (
	"fmt"
	"strings"
	"time"
)

type EnrollmentStatus string

const (
	EnrollmentPending   EnrollmentStatus = "pending"
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExpired   EnrollmentStatus = "expired"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
	EnrollmentBlocked   EnrollmentStatus = "blocked"
)

func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentPending, EnrollmentActive, EnrollmentCompleted,
		EnrollmentExpired, EnrollmentCancelled, EnrollmentBlocked:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPastDue PaymentStatus = "past_due"
)

type EnrollmentSource string

const (
	SourcePayment    EnrollmentSource = "payment"
	SourceFree       EnrollmentSource = "free"
	SourceAdminGrant EnrollmentSource = "admin_grant"
	SourceMigration  EnrollmentSource = "migration"
)

// Enrollment 每个 (user, course) 唯一一条，主键固定为 "{userId}_{courseId}"
// swagger:model Enrollment
type Enrollment struct {
	ID            string           `gorm:"primaryKey;type:varchar(140)" json:"id"`
	UserID        string           `gorm:"size:64;not null;uniqueIndex:idx_enrollment_user_course" json:"userId"`
	CourseID      string           `gorm:"size:64;not null;uniqueIndex:idx_enrollment_user_course;index" json:"courseId"`
	Status        EnrollmentStatus `gorm:"size:20;not null;index" json:"status"`
	PaymentStatus PaymentStatus    `gorm:"size:20;not null;default:'unpaid'" json:"paymentStatus"`
	Source        EnrollmentSource `gorm:"size:20" json:"source"`
	SourceRef     string           `gorm:"size:128" json:"sourceRef,omitempty"`
	AccessUntil   *time.Time       `json:"accessUntil,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	LastLessonID  string           `gorm:"size:64" json:"lastLessonId,omitempty"`
	CertificateID string           `gorm:"size:64" json:"certificateId,omitempty"`
	// 进度摘要（冗余字段，可随时由 lesson_progresses 重算）
	PercentComplete      int `gorm:"default:0" json:"percentComplete"`
	CompletedLessonCount int `gorm:"default:0" json:"completedLessonCount"`
	TotalLessonCount     int `gorm:"default:0" json:"totalLessonCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}

// EnrollmentID 生成确定性主键，顺序固定为 userId 在前
func EnrollmentID(userID, courseID string) string {
	return fmt.Sprintf("%s_%s", userID, courseID)
}

// LegacyEnrollmentID 历史数据中出现过的反向主键格式
func LegacyEnrollmentID(userID, courseID string) string {
	return fmt.Sprintf("%s_%s", courseID, userID)
}

// HasCanonicalID 判断记录主键是否为规范格式
func (e *Enrollment) HasCanonicalID() bool {
	return e.ID == EnrollmentID(e.UserID, e.CourseID)
}

// AccessExpired accessUntil 已设置且早于 now
func (e *Enrollment) AccessExpired(now time.Time) bool {
	return e.AccessUntil != nil && !now.Before(*e.AccessUntil)
}

// Snapshot 审计日志中使用的精简视图
func (e *Enrollment) Snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"status":        string(e.Status),
		"paymentStatus": string(e.PaymentStatus),
	}
	if e.AccessUntil != nil {
		snap["accessUntil"] = e.AccessUntil.UTC().Format(time.RFC3339)
	}
	if e.CompletedAt != nil {
		snap["completedAt"] = e.CompletedAt.UTC().Format(time.RFC3339)
	}
	return snap
}

// SplitLegacyID 尝试按已知 userId 拆出课程 ID，用于修复反向主键
func SplitLegacyID(id, userID string) (courseID string, ok bool) {
	suffix := "_" + userID
	if !strings.HasSuffix(id, suffix) {
		return "", false
	}
	return strings.TrimSuffix(id, suffix), true
}

// statusRank 合并重复报名时的状态强弱；blocked 是管理员决定，优先保留
func statusRank(s EnrollmentStatus) int {
	switch s {
	case EnrollmentBlocked:
		return 5
	case EnrollmentCompleted:
		return 4
	case EnrollmentActive:
		return 3
	case EnrollmentExpired:
		return 2
	case EnrollmentPending:
		return 1
	}
	return 0
}

// Absorb 把同一 (user, course) 的另一条记录并入 e，返回 e 是否被修改。
// 对方状态更强时整体接管访问字段；进度字段各自取较大值。
func (e *Enrollment) Absorb(other *Enrollment) bool {
	changed := false
	if statusRank(other.Status) > statusRank(e.Status) {
		e.Status = other.Status
		e.PaymentStatus = other.PaymentStatus
		e.AccessUntil = other.AccessUntil
		e.Source = other.Source
		e.SourceRef = other.SourceRef
		changed = true
	} else if other.PaymentStatus == PaymentPaid && e.PaymentStatus != PaymentPaid {
		e.PaymentStatus = PaymentPaid
		changed = true
	}
	if e.CompletedAt == nil && other.CompletedAt != nil {
		e.CompletedAt = other.CompletedAt
		changed = true
	}
	if e.CertificateID == "" && other.CertificateID != "" {
		e.CertificateID = other.CertificateID
		changed = true
	}
	if other.CompletedLessonCount > e.CompletedLessonCount {
		e.CompletedLessonCount = other.CompletedLessonCount
		e.PercentComplete = other.PercentComplete
		e.TotalLessonCount = other.TotalLessonCount
		e.LastLessonID = other.LastLessonID
		changed = true
	}
	return changed
}
