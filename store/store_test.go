package store

import (
	"testing"

	"mailpulse/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a fresh in-memory database with the full schema. A single
// connection is forced so every query sees the same in-memory store.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.GmailCredential{},
		&models.Campaign{},
		&models.SentEmail{},
		&models.ScheduledFollowup{},
		&models.FollowupConfig{},
	))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, email string) models.User {
	t.Helper()
	user := models.User{Email: email}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func seedSentEmail(t *testing.T, db *gorm.DB, userID uint, threadID, recipient string) models.SentEmail {
	t.Helper()
	email := models.SentEmail{
		UserID:         userID,
		ThreadID:       threadID,
		RecipientEmail: recipient,
		Subject:        "Quick question",
		Body:           "Hi, wanted to reach out about...",
	}
	require.NoError(t, db.Create(&email).Error)
	return email
}
