package store

import (
	"time"

	"mailpulse/models"

	"gorm.io/gorm"
)

// CredentialStore manages Gmail credentials and the per-user mailbox
// synchronization watermark.
type CredentialStore struct {
	DB *gorm.DB
}

func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{DB: db}
}

// ResolveUserByEmail maps a provider account address to a local user. Returns
// nil when the address belongs to nobody we track.
func (s *CredentialStore) ResolveUserByEmail(email string) (*models.User, error) {
	var user models.User
	err := s.DB.Where("email = ?", email).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByUser returns the user's stored credential, or nil when the user never
// connected Gmail.
func (s *CredentialStore) GetByUser(userID uint) (*models.GmailCredential, error) {
	var cred models.GmailCredential
	err := s.DB.Where("user_id = ?", userID).First(&cred).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// SaveToken stores a refreshed access token. The refresh token is only
// replaced when the provider issued a new one.
func (s *CredentialStore) SaveToken(userID uint, accessToken string, expiresAt time.Time, refreshToken string) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"expires_at":   expiresAt,
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return s.DB.Model(&models.GmailCredential{}).
		Where("user_id = ?", userID).
		Updates(updates).Error
}

// AdvanceHistory moves the watermark forward, but only if the new value is
// newer than what is stored. Returns false when the update was a no-op,
// which is how a redelivered notification degrades harmlessly.
func (s *CredentialStore) AdvanceHistory(userID uint, newID uint64) (bool, error) {
	res := s.DB.Model(&models.GmailCredential{}).
		Where("user_id = ? AND history_id < ?", userID, newID).
		Update("history_id", newID)
	return res.RowsAffected > 0, res.Error
}

// ResyncHistory overwrites the watermark unconditionally. Only two callers
// are allowed: first adoption when no watermark exists yet, and recovery
// after the provider reports the stored value as stale.
func (s *CredentialStore) ResyncHistory(userID uint, newID uint64) error {
	return s.DB.Model(&models.GmailCredential{}).
		Where("user_id = ?", userID).
		Update("history_id", newID).Error
}

// SaveWatch records the watermark and expiration returned by a push
// subscription registration.
func (s *CredentialStore) SaveWatch(userID uint, historyID uint64, expiration *time.Time) error {
	updates := map[string]interface{}{
		"watch_expiration": expiration,
	}
	if historyID > 0 {
		updates["history_id"] = historyID
	}
	return s.DB.Model(&models.GmailCredential{}).
		Where("user_id = ?", userID).
		Updates(updates).Error
}
