package models

import "time"

// MaxPostHeaderLength bounds Post.ContentHeader, in characters.
const MaxPostHeaderLength = 100

// Post is a short update authored by a user.
type Post struct {
	ID            uint      `gorm:"primaryKey"`
	AuthorID      string    `gorm:"type:varchar(36);not null;index"`
	ContentHeader string    `gorm:"size:255;not null"`
	Content       *string   `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`

	Author User `gorm:"foreignKey:AuthorID;references:ID;constraint:OnDelete:CASCADE;"`
}
