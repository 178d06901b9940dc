package model

import "time"

// CourseProgress 每个 (user, course) 一条，保存最近访问信息与派生百分比
// swagger:model CourseProgress
type CourseProgress struct {
	ID              string    `gorm:"primaryKey;type:varchar(140)" json:"id"`
	UserID          string    `gorm:"size:64;not null;uniqueIndex:idx_progress_user_course" json:"userId"`
	CourseID        string    `gorm:"size:64;not null;uniqueIndex:idx_progress_user_course" json:"courseId"`
	LastLessonID    string    `gorm:"size:64" json:"lastLessonId"`
	PercentComplete int       `gorm:"default:0" json:"percentComplete"`
	LastAccessedAt  time.Time `json:"lastAccessedAt"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`

	LessonProgress map[string]LessonState `gorm:"-" json:"lessonProgress"`
}

func (CourseProgress) TableName() string {
	return "course_progresses"
}

// LessonProgress 单节课的播放/完成状态，按 (user, course, lesson) 合并写入
type LessonProgress struct {
	UserID       string     `gorm:"primaryKey;size:64" json:"userId"`
	CourseID     string     `gorm:"primaryKey;size:64" json:"courseId"`
	LessonID     string     `gorm:"primaryKey;size:64" json:"lessonId"`
	Completed    bool       `gorm:"default:false;index" json:"completed"`
	SeekPosition float64    `gorm:"default:0" json:"seekPosition"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	// ClientTimestamp 客户端记录检查点的时间（毫秒），用于丢弃乱序到达的旧写入
	ClientTimestamp int64     `gorm:"default:0" json:"clientTimestamp"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (LessonProgress) TableName() string {
	return "lesson_progresses"
}

type LessonState struct {
	Completed       bool       `json:"completed"`
	SeekPosition    float64    `json:"seekPosition"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ClientTimestamp int64      `json:"clientTimestamp"`
}

func (lp *LessonProgress) State() LessonState {
	return LessonState{
		Completed:       lp.Completed,
		SeekPosition:    lp.SeekPosition,
		CompletedAt:     lp.CompletedAt,
		ClientTimestamp: lp.ClientTimestamp,
	}
}

// ComputePercent completed / total * 100，向下取整，最大 100
func ComputePercent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return completed * 100 / total
}
