package model

import "time"

const (
	RoleStudent = "STUDENT"
	RoleAdmin   = "ADMIN"
)

// User 由认证模块维护，这里只读取身份与角色。
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name      string    `gorm:"type:varchar(100)" json:"name"`
	Role      string    `gorm:"type:varchar(16);not null;default:STUDENT" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (User) TableName() string {
	return "users"
}

// Principal 是已认证的调用者。
type Principal struct {
	UserID uint
	Role   string
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Subject 是一门课程，文档和对话可以归属到某个学科。
type Subject struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"type:varchar(100);not null" json:"name"`
	Code        string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"code"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	IsActive    bool      `gorm:"not null;default:true" json:"isActive"`
	CreatedBy   uint      `gorm:"not null" json:"createdBy"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Subject) TableName() string {
	return "subjects"
}

// Enrollment 记录学生选修的学科。
type Enrollment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"uniqueIndex:idx_enrollment_user_subject;not null" json:"userId"`
	SubjectID  uint      `gorm:"uniqueIndex:idx_enrollment_user_subject;not null" json:"subjectId"`
	EnrolledAt time.Time `gorm:"autoCreateTime" json:"enrolledAt"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}
