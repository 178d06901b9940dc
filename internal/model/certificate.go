package model

import (
	"time"

	"gorm.io/datatypes"
)

type CertificateStatus string

const (
	CertificateIssued  CertificateStatus = "issued"
	CertificateRevoked CertificateStatus = "revoked"
)

type CertificateLesson struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Certificate 结业证书，学员姓名与课程名在签发时冗余快照
// swagger:model Certificate
type Certificate struct {
	UUIDBase
	UserID            string            `gorm:"size:64;not null;uniqueIndex:idx_certificate_user_course" json:"userId"`
	CourseID          string            `gorm:"size:64;not null;uniqueIndex:idx_certificate_user_course" json:"courseId"`
	CertificateNumber string            `gorm:"size:64;not null;uniqueIndex" json:"certificateNumber"`
	StudentName       string            `gorm:"size:100;not null" json:"studentName"`
	CourseName        string            `gorm:"size:255;not null" json:"courseName"`
	CourseWorkload    int               `gorm:"default:0" json:"courseWorkload"`
	CourseRevision    int               `gorm:"default:1" json:"courseRevision"`
	ValidationURL     string            `gorm:"size:512" json:"validationUrl"`
	ArtifactURL       string            `gorm:"size:512" json:"artifactUrl,omitempty"`
	Status            CertificateStatus `gorm:"size:20;default:'issued'" json:"status"`
	IssuedAt          time.Time         `json:"issuedAt"`
	RevokedAt         *time.Time        `json:"revokedAt,omitempty"`
	RevokeReason      string            `gorm:"size:255" json:"revokeReason,omitempty"`

	Lessons datatypes.JSONType[[]CertificateLesson] `json:"lessons"`
}

func (Certificate) TableName() string {
	return "certificates"
}
