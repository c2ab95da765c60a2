// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chiller/backend/internal/database"
	"chiller/backend/internal/models"
)

// NewDB opens a migrated SQLite database in a per-test temp directory.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(sqlite.Open(path), logger.Silent)
	if err != nil {
		t.Fatalf("database.Open() failed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// CreateUser inserts a user with a deterministic phone number derived from n.
func CreateUser(t *testing.T, db *gorm.DB, name string, n int) models.User {
	t.Helper()
	u := models.User{Name: name, Phone: Phone(n), Role: models.RoleUser}
	if err := db.WithContext(context.Background()).Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

// Phone returns the canonical ten digit phone number used by CreateUser.
func Phone(n int) string {
	return fmt.Sprintf("98%08d", n)
}
