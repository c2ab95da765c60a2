package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"

	"chiller/backend/internal/models"
)

func TestDialector(t *testing.T) {
	d, err := Dialector("sqlite", "file.db")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	d, err = Dialector("postgres", "postgres://localhost/chiller")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	_, err = Dialector("mysql", "")
	assert.Error(t, err)
}

func TestOpen_MigratesAllTables(t *testing.T) {
	db, err := Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), logger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	for _, model := range []any{&models.User{}, &models.ConnectionRequest{}, &models.DegreeEdge{}, &models.DegreeRepair{}, &models.Post{}} {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}
	assert.True(t, db.Migrator().HasIndex(&models.ConnectionRequest{}, "idx_connection_pair"))

	// Migrations are idempotent.
	require.NoError(t, Migrate(db))
}
