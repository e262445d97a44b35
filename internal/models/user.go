package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents user role in the platform.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User status values; inactive users cannot log in.
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
)

// User represents a platform user.
type User struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	Password       string    `json:"-"`
	FullName       string    `json:"fullName"`
	ProfilePicture string    `json:"profilePicture"`
	PhoneNo        string    `json:"phoneNo,omitempty"`
	Role           Role      `json:"role"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// UserPublic is User without sensitive fields for API responses.
type UserPublic struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	FullName       string    `json:"fullName"`
	ProfilePicture string    `json:"profilePicture"`
	PhoneNo        string    `json:"phoneNo,omitempty"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ToPublic converts User to UserPublic.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:             u.ID,
		Email:          u.Email,
		FullName:       u.FullName,
		ProfilePicture: u.ProfilePicture,
		PhoneNo:        u.PhoneNo,
		Role:           u.Role,
		CreatedAt:      u.CreatedAt,
	}
}
