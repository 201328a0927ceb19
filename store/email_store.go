package store

import (
	"mailpulse/models"

	"gorm.io/gorm"
)

// SentEmailStore reads and writes the sent-message history the reply monitor
// branches on.
type SentEmailStore struct {
	DB *gorm.DB
}

func NewSentEmailStore(db *gorm.DB) *SentEmailStore {
	return &SentEmailStore{DB: db}
}

// GetByID loads a sent email, or nil when it does not exist.
func (s *SentEmailStore) GetByID(id uint) (*models.SentEmail, error) {
	var email models.SentEmail
	err := s.DB.First(&email, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &email, nil
}

// FindInstantRespond returns the originating sent email for a thread when
// instant auto-reply applies, either flagged on the email itself or inherited
// from its campaign. Nil means the thread gets the default cancel treatment.
func (s *SentEmailStore) FindInstantRespond(userID uint, threadID string) (*models.SentEmail, error) {
	var email models.SentEmail

	err := s.DB.
		Where("user_id = ? AND thread_id = ? AND instant_respond_enabled = ?", userID, threadID, true).
		Order("id ASC").
		First(&email).Error
	if err == nil {
		return &email, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	err = s.DB.
		Joins("JOIN campaigns ON campaigns.id = sent_emails.campaign_id").
		Where("sent_emails.user_id = ? AND sent_emails.thread_id = ? AND campaigns.instant_respond_enabled = ?",
			userID, threadID, true).
		Order("sent_emails.id ASC").
		First(&email).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &email, nil
}

// HasReplyTo reports whether an auto-reply answering the given inbound
// provider message already exists. This is the idempotency guard for
// redelivered notifications.
func (s *SentEmailStore) HasReplyTo(userID uint, inboundMessageID string) (bool, error) {
	if inboundMessageID == "" {
		return false, nil
	}
	var count int64
	err := s.DB.Model(&models.SentEmail{}).
		Where("user_id = ? AND in_reply_to_message_id = ?", userID, inboundMessageID).
		Count(&count).Error
	return count > 0, err
}

// Create persists a new sent-message row.
func (s *SentEmailStore) Create(email *models.SentEmail) error {
	return s.DB.Create(email).Error
}

// SetInstantRespond flips the campaign-level auto-reply flag. Returns false
// when the campaign does not exist.
func (s *SentEmailStore) SetInstantRespond(campaignID uint, enabled bool) (bool, error) {
	res := s.DB.Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Update("instant_respond_enabled", enabled)
	return res.RowsAffected > 0, res.Error
}
