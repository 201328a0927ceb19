package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a user account in the system
type User struct {
	gorm.Model

	Email string  `gorm:"uniqueIndex;not null" json:"email"`
	Name  *string `json:"name,omitempty"`

	// Account status
	IsActive bool   `gorm:"default:true" json:"is_active"`
	Timezone string `gorm:"default:'UTC'" json:"timezone"`

	// Relations
	Campaigns  []Campaign       `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
	Credential *GmailCredential `gorm:"foreignKey:UserID" json:"-"`
}

// GmailCredential stores a user's Gmail OAuth tokens together with the
// mailbox synchronization state.
type GmailCredential struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex" json:"user_id"`

	AccessToken  string     `gorm:"not null" json:"-"` // Encrypted in application layer
	RefreshToken string     `json:"-"`                 // Encrypted in application layer
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	// HistoryID is the watermark of the last provider change processed for
	// this user. It only ever moves forward, except for an explicit resync
	// after the provider reports the stored value as stale.
	HistoryID       uint64     `gorm:"default:0" json:"history_id"`
	WatchExpiration *time.Time `json:"watch_expiration,omitempty"`

	// Relations
	User User `json:"-"`
}

// TokenExpiringSoon reports whether the access token is within skew of
// expiry and needs a refresh before use.
func (c *GmailCredential) TokenExpiringSoon(skew time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(c.ExpiresAt.Add(-skew))
}
