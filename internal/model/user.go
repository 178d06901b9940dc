package model

type UserRole string

const (
	Student UserRole = "student"
	Teacher UserRole = "teacher"
	Admin   UserRole = "admin"
)

// User 身份由外部身份提供方签发，这里只保存资料快照与角色
// swagger:model User
type User struct {
	UUIDBase
	DisplayName string   `gorm:"size:100;not null" json:"displayName"`
	Email       string   `gorm:"size:100;uniqueIndex;not null" json:"email"`
	Password    string   `gorm:"size:100" json:"-"`
	Role        UserRole `gorm:"size:20" json:"role,omitempty"`
	Disabled    bool     `gorm:"default:false" json:"disabled"`
}

func (User) TableName() string {
	return "users"
}
