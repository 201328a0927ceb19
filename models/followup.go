package models

import (
	"time"

	"gorm.io/gorm"
)

// Follow-up lifecycle states. A row starts pending, passes through sending
// while a worker holds the claim, and ends in exactly one terminal state.
const (
	FollowupStatusPending   = "pending"
	FollowupStatusSending   = "sending"
	FollowupStatusSent      = "sent"
	FollowupStatusCancelled = "cancelled"
	FollowupStatusSkipped   = "skipped"
)

// Follow-up category tags used by the planner.
const (
	FollowupTypeGentleReminder = "gentle_reminder"
	FollowupTypeAddValue       = "add_value"
	FollowupTypeFinalAttempt   = "final_attempt"
)

// ScheduledFollowup represents one follow-up email awaiting or having
// undergone delivery
type ScheduledFollowup struct {
	gorm.Model
	UserID          uint   `gorm:"not null;index" json:"user_id"`
	CampaignID      *uint  `gorm:"index" json:"campaign_id,omitempty"`
	OriginalEmailID uint   `gorm:"not null;index" json:"original_email_id"`
	ThreadID        string `gorm:"index" json:"thread_id"`
	BatchID         string `gorm:"index" json:"batch_id"` // groups one plan insert

	// Content
	RecipientEmail string `gorm:"not null" json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`
	SequenceNumber int    `gorm:"not null" json:"sequence_number"`
	FollowupType   string `gorm:"default:'gentle_reminder'" json:"followup_type"`
	Subject        string `json:"subject"`
	Body           string `gorm:"type:text" json:"body"`

	// Scheduling
	ScheduledFor time.Time `gorm:"not null;index" json:"scheduled_for"`

	// Lifecycle
	Status            string     `gorm:"default:'pending';index" json:"status"`
	StatusReason      string     `json:"status_reason"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	ProviderMessageID string     `json:"provider_message_id"`
	ErrorMessage      string     `json:"error_message"`

	// Relations
	User     User      `json:"-"`
	Campaign *Campaign `json:"-"`
}

// IsTerminal reports whether the row has reached a final state.
func (f *ScheduledFollowup) IsTerminal() bool {
	switch f.Status {
	case FollowupStatusSent, FollowupStatusCancelled, FollowupStatusSkipped:
		return true
	}
	return false
}

// FollowupConfig is the per-campaign timing policy
type FollowupConfig struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex" json:"campaign_id"`

	Followup1Days int  `gorm:"default:3" json:"followup_1_days"`
	Followup2Days int  `gorm:"default:7" json:"followup_2_days"`
	Followup3Days int  `gorm:"default:14" json:"followup_3_days"`
	MaxFollowups  int  `gorm:"default:3" json:"max_followups"`
	Enabled       bool `gorm:"default:true" json:"enabled"`

	// Relations
	Campaign Campaign `json:"-"`
}

// DefaultFollowupConfig returns the timing policy applied when a campaign has
// no explicit config row.
func DefaultFollowupConfig() FollowupConfig {
	return FollowupConfig{
		Followup1Days: 3,
		Followup2Days: 7,
		Followup3Days: 14,
		MaxFollowups:  3,
		Enabled:       true,
	}
}
