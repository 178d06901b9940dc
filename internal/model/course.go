package model

type CourseStatus string

const (
	CourseOpen     CourseStatus = "open"
	CourseClosed   CourseStatus = "closed"
	CourseArchived CourseStatus = "archived"
)

// swagger:model Course
type Course struct {
	UUIDBase
	Title           string       `gorm:"size:255;not null" json:"title"`
	OwnerID         string       `gorm:"size:64;index" json:"ownerId"`
	IsPublished     bool         `gorm:"default:false" json:"isPublished"`
	Status          CourseStatus `gorm:"size:20;default:'open'" json:"status"`
	IsFree          bool         `gorm:"default:false" json:"isFree"`
	WorkloadHours   int          `gorm:"default:0" json:"workloadHours"`
	ContentRevision int          `gorm:"default:1" json:"contentRevision"`
}

func (Course) TableName() string {
	return "courses"
}

// swagger:model CourseModule
type CourseModule struct {
	UUIDBase
	CourseID    string `gorm:"size:64;index;not null" json:"courseId"`
	Title       string `gorm:"size:255;not null" json:"title"`
	Order       int    `gorm:"default:0" json:"order"`
	IsPublished bool   `gorm:"not null" json:"isPublished"`
}

func (CourseModule) TableName() string {
	return "course_modules"
}

// swagger:model Lesson
type Lesson struct {
	UUIDBase
	CourseID        string `gorm:"size:64;index;not null" json:"courseId"`
	ModuleID        string `gorm:"size:64;index" json:"moduleId"`
	Title           string `gorm:"size:255;not null" json:"title"`
	Order           int    `gorm:"default:0" json:"order"`
	IsPublished     bool   `gorm:"not null" json:"isPublished"`
	VideoURL        string `gorm:"size:512" json:"videoUrl"`
	Body            string `gorm:"type:text" json:"body"`
	DurationSeconds int    `gorm:"default:0" json:"durationSeconds"`
}

func (Lesson) TableName() string {
	return "lessons"
}
