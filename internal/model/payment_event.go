package model

import (
	"time"

	"gorm.io/datatypes"
)

type PaymentEventState string

const (
	PaymentEventProcessing PaymentEventState = "processing"
	PaymentEventDone       PaymentEventState = "done"
	PaymentEventError      PaymentEventState = "error"
)

// PaymentEvent 支付回调去重表，主键为外部事件 ID
type PaymentEvent struct {
	ID          string            `gorm:"primaryKey;type:varchar(128)" json:"id"`
	Type        string            `gorm:"size:64;not null" json:"type"`
	State       PaymentEventState `gorm:"size:20;not null;index" json:"state"`
	UserID      string            `gorm:"size:64" json:"userId"`
	CourseID    string            `gorm:"size:64" json:"courseId"`
	Payload     datatypes.JSON    `json:"payload"`
	LastError   string            `gorm:"type:text" json:"lastError,omitempty"`
	Attempts    int               `gorm:"default:0" json:"attempts"`
	ProcessedAt *time.Time        `json:"processedAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func (PaymentEvent) TableName() string {
	return "payment_events"
}
