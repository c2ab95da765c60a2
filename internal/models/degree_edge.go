package models

import "time"

// DegreeEdge is a row of the materialized degree view. It is derived from
// accepted connection requests and can be regenerated at any time.
// MutualID is empty for degree 1.
type DegreeEdge struct {
	ID        uint   `gorm:"primaryKey"`
	SelfID    string `gorm:"type:varchar(36);not null;uniqueIndex:idx_degree_edge,priority:1"`
	RelatedID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_degree_edge,priority:2"`
	Degree    int    `gorm:"not null;uniqueIndex:idx_degree_edge,priority:3"`
	MutualID  string `gorm:"type:varchar(36);not null;default:'';uniqueIndex:idx_degree_edge,priority:4"`
}

// DegreeRepair is a subject whose degree edges failed to recompute and
// must be picked up by the repair worker.
type DegreeRepair struct {
	SubjectID  string    `gorm:"type:varchar(36);primaryKey"`
	Attempts   int       `gorm:"not null;default:0"`
	LastError  string    `gorm:"size:1024"`
	EnqueuedAt time.Time `gorm:"not null;index"`
	UpdatedAt  time.Time
}
