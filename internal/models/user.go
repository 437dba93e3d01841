package models

import "time"

type UserRole string

const (
	RoleTeacher UserRole = "teacher"
	RoleStudent UserRole = "student"
)

type TeacherProfile struct {
	EmployeeID string `json:"employee_id"`
	Department string `json:"department,omitempty"`
}

type StudentProfile struct {
	StudentNumber string `json:"student_number"`
}

// User is the authenticated principal. Exactly one of Teacher/Student is set, matching Role.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Role      UserRole  `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`

	Teacher *TeacherProfile `json:"teacher,omitempty"`
	Student *StudentProfile `json:"student,omitempty"`
}

func (u *User) IsTeacher() bool { return u != nil && u.Role == RoleTeacher }
func (u *User) IsStudent() bool { return u != nil && u.Role == RoleStudent }

// UserRecord is the row shape of the users table.
type UserRecord struct {
	ID            string    `gorm:"column:id;type:uuid;primaryKey"`
	Email         string    `gorm:"column:email;type:text;uniqueIndex"`
	Username      string    `gorm:"column:username;type:text;uniqueIndex"`
	FullName      string    `gorm:"column:full_name;type:text"`
	Role          string    `gorm:"column:role;type:text;index"`
	IsActive      bool      `gorm:"column:is_active;default:true"`
	EmployeeID    *string   `gorm:"column:employee_id;type:text"`
	Department    *string   `gorm:"column:department;type:text"`
	StudentNumber *string   `gorm:"column:student_number;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at;type:timestamptz"`
}

func (UserRecord) TableName() string { return "users" }

// ToUser converts the row into the typed principal, filling only the role's profile.
func (r *UserRecord) ToUser() *User {
	u := &User{
		ID:        r.ID,
		Email:     r.Email,
		Username:  r.Username,
		FullName:  r.FullName,
		Role:      UserRole(r.Role),
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
	}
	switch u.Role {
	case RoleTeacher:
		t := &TeacherProfile{}
		if r.EmployeeID != nil {
			t.EmployeeID = *r.EmployeeID
		}
		if r.Department != nil {
			t.Department = *r.Department
		}
		u.Teacher = t
	case RoleStudent:
		s := &StudentProfile{}
		if r.StudentNumber != nil {
			s.StudentNumber = *r.StudentNumber
		}
		u.Student = s
	}
	return u
}
