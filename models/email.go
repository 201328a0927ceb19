package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign represents a cold-email campaign
type Campaign struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused, completed

	// When enabled, inbound replies on any thread of this campaign trigger an
	// automatic AI-composed response instead of only cancelling follow-ups.
	InstantRespondEnabled bool `gorm:"default:false" json:"instant_respond_enabled"`

	// Statistics (denormalized for performance)
	SentCount  int `gorm:"default:0" json:"sent_count"`
	ReplyCount int `gorm:"default:0" json:"reply_count"`

	// Relations
	SentEmails []SentEmail `gorm:"foreignKey:CampaignID" json:"sent_emails,omitempty"`
}

// SentEmail is the record of an outbound message delivered through the
// provider, either an original outreach, a follow-up, or an instant reply.
type SentEmail struct {
	gorm.Model
	UserID     uint  `gorm:"not null;index" json:"user_id"`
	CampaignID *uint `gorm:"index" json:"campaign_id,omitempty"`

	ProviderMessageID string `gorm:"index" json:"provider_message_id"`
	ThreadID          string `gorm:"index" json:"thread_id"`
	RecipientEmail    string `gorm:"not null" json:"recipient_email"`
	RecipientName     string `json:"recipient_name"`
	Subject           string `json:"subject"`
	Body              string `gorm:"type:text" json:"body"`
	SentAt            *time.Time `json:"sent_at,omitempty"`

	// Per-thread override of the campaign-level flag.
	InstantRespondEnabled bool `gorm:"default:false" json:"instant_respond_enabled"`

	// Provider id of the inbound message this row answers. Set only on
	// auto-replies; the reply monitor consults it so a redelivered
	// notification never sends the same response twice.
	InReplyToMessageID string `gorm:"index" json:"in_reply_to_message_id"`

	// Relations
	User     User      `json:"-"`
	Campaign *Campaign `json:"-"`
}
