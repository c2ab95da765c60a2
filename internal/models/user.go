package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a registered account. ID is an opaque UUID assigned on
// creation and never changed afterwards.
type User struct {
	ID        string  `gorm:"type:varchar(36);primaryKey"`
	Name      string  `gorm:"size:255;not null"`
	Phone     string  `gorm:"size:32;uniqueIndex;not null"`
	Email     *string `gorm:"size:255;uniqueIndex"`
	Role      string  `gorm:"size:50;not null;default:'user';index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate assigns a fresh identifier when none was provided.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
