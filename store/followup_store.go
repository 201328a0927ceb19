package store

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"mailpulse/models"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const errorMessageLimit = 500

// FollowupPlan is one entry of a precomputed follow-up plan. Content
// generation happens upstream; the store only persists it.
type FollowupPlan struct {
	SequenceNumber int       `json:"sequence_number"`
	Type           string    `json:"type"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
}

// FollowupStats summarizes a user's follow-up pipeline for dashboards.
type FollowupStats struct {
	PendingCount   int64      `json:"pending_count"`
	SentCount      int64      `json:"sent_count"`
	CancelledCount int64      `json:"cancelled_count"`
	SkippedCount   int64      `json:"skipped_count"`
	TotalCount     int64      `json:"total_count"`
	NextScheduled  *time.Time `json:"next_scheduled,omitempty"`
}

// FollowupConfigPatch carries a partial timing-policy update. Nil fields are
// left untouched.
type FollowupConfigPatch struct {
	Followup1Days *int  `json:"followup_1_days,omitempty"`
	Followup2Days *int  `json:"followup_2_days,omitempty"`
	Followup3Days *int  `json:"followup_3_days,omitempty"`
	MaxFollowups  *int  `json:"max_followups,omitempty"`
	Enabled       *bool `json:"enabled,omitempty"`
}

// FollowupStore is the persistence and query layer for scheduled follow-ups.
// All status transitions are conditional updates so concurrent workers and
// redelivered notifications degrade to no-ops instead of duplicate effects.
type FollowupStore struct {
	DB *gorm.DB
}

func NewFollowupStore(db *gorm.DB) *FollowupStore {
	return &FollowupStore{DB: db}
}

// Schedule inserts one pending row per plan entry, all stamped with a shared
// batch id. No dedup is performed; the caller is responsible for not
// re-planning an existing thread.
func (s *FollowupStore) Schedule(userID uint, original *models.SentEmail, plans []FollowupPlan) ([]models.ScheduledFollowup, error) {
	if original == nil {
		return nil, fmt.Errorf("schedule: original email is required")
	}
	if err := checkmail.ValidateFormat(original.RecipientEmail); err != nil {
		return nil, fmt.Errorf("schedule: invalid recipient %q: %w", original.RecipientEmail, err)
	}

	batchID := uuid.NewString()
	rows := make([]models.ScheduledFollowup, 0, len(plans))
	for _, plan := range plans {
		followupType := plan.Type
		if followupType == "" {
			followupType = models.FollowupTypeGentleReminder
		}
		rows = append(rows, models.ScheduledFollowup{
			UserID:          userID,
			CampaignID:      original.CampaignID,
			OriginalEmailID: original.ID,
			ThreadID:        original.ThreadID,
			BatchID:         batchID,
			RecipientEmail:  original.RecipientEmail,
			RecipientName:   original.RecipientName,
			SequenceNumber:  plan.SequenceNumber,
			FollowupType:    followupType,
			Subject:         plan.Subject,
			Body:            plan.Body,
			ScheduledFor:    plan.ScheduledFor,
			Status:          models.FollowupStatusPending,
		})
	}
	if len(rows) == 0 {
		return rows, nil
	}

	if err := s.DB.Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	return rows, nil
}

// GetDue returns pending rows whose scheduled time has passed, oldest-due
// first so early follow-ups are never starved under backlog. Read-only; use
// ClaimDue to take ownership of rows for delivery.
func (s *FollowupStore) GetDue(limit int) ([]models.ScheduledFollowup, error) {
	var rows []models.ScheduledFollowup
	err := s.DB.
		Where("status = ? AND scheduled_for <= ?", models.FollowupStatusPending, time.Now().UTC()).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ClaimDue atomically transitions up to limit due pending rows to sending and
// returns them. The conditional UPDATE guarantees a row is handed to exactly
// one worker even when several delivery workers poll the same table.
func (s *FollowupStore) ClaimDue(limit int) ([]models.ScheduledFollowup, error) {
	var rows []models.ScheduledFollowup
	now := time.Now().UTC()
	err := s.DB.Raw(`
		UPDATE scheduled_followups
		SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM scheduled_followups
			WHERE status = ? AND scheduled_for <= ? AND deleted_at IS NULL
			ORDER BY scheduled_for ASC
			LIMIT ?
		)
		AND status = ?
		RETURNING *`,
		models.FollowupStatusSending, now,
		models.FollowupStatusPending, now, limit,
		models.FollowupStatusPending,
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}

	// RETURNING does not promise an order.
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].ScheduledFor.Before(rows[j].ScheduledFor)
	})
	return rows, nil
}

// ReleaseStaleClaims returns rows stuck in sending (a worker crashed mid
// delivery) to pending so they are retried. Terminal rows are never touched.
func (s *FollowupStore) ReleaseStaleClaims(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := s.DB.Model(&models.ScheduledFollowup{}).
		Where("status = ? AND updated_at < ?", models.FollowupStatusSending, cutoff).
		Update("status", models.FollowupStatusPending)
	return res.RowsAffected, res.Error
}

// GetPending lists a user's upcoming follow-ups, soonest first.
func (s *FollowupStore) GetPending(userID uint, limit int) ([]models.ScheduledFollowup, error) {
	var rows []models.ScheduledFollowup
	err := s.DB.
		Where("user_id = ? AND status = ?", userID, models.FollowupStatusPending).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// GetByUser lists a user's follow-ups, optionally filtered by status.
func (s *FollowupStore) GetByUser(userID uint, status string, limit int) ([]models.ScheduledFollowup, error) {
	q := s.DB.Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []models.ScheduledFollowup
	err := q.Order("scheduled_for DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// MarkSent transitions a claimed (or still pending) row to sent. Returns
// false when the row was already terminated by a concurrent actor.
func (s *FollowupStore) MarkSent(id uint, providerMessageID string) (bool, error) {
	now := time.Now().UTC()
	res := s.DB.Model(&models.ScheduledFollowup{}).
		Where("id = ? AND status IN ?", id, []string{models.FollowupStatusPending, models.FollowupStatusSending}).
		Updates(map[string]interface{}{
			"status":              models.FollowupStatusSent,
			"sent_at":             now,
			"provider_message_id": providerMessageID,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkSkipped transitions a claimed (or still pending) row to skipped,
// recording the failure. Same conditional semantics as MarkSent.
func (s *FollowupStore) MarkSkipped(id uint, errorMessage string) (bool, error) {
	res := s.DB.Model(&models.ScheduledFollowup{}).
		Where("id = ? AND status IN ?", id, []string{models.FollowupStatusPending, models.FollowupStatusSending}).
		Updates(map[string]interface{}{
			"status":        models.FollowupStatusSkipped,
			"status_reason": "send_error",
			"error_message": truncate(errorMessage, errorMessageLimit),
		})
	return res.RowsAffected > 0, res.Error
}

// Cancel transitions a single pending row to cancelled. Returns false when
// the row does not exist or is already claimed/terminal, which is an expected
// race, not an error.
func (s *FollowupStore) Cancel(id uint, reason string) (bool, error) {
	res := s.DB.Model(&models.ScheduledFollowup{}).
		Where("id = ? AND status = ?", id, models.FollowupStatusPending).
		Updates(map[string]interface{}{
			"status":        models.FollowupStatusCancelled,
			"status_reason": reason,
		})
	return res.RowsAffected > 0, res.Error
}

// CancelAllForThread cancels every pending follow-up on a thread and returns
// how many rows actually changed. Zero means the thread had none, which is a
// normal outcome when a reply arrives after the sequence finished.
func (s *FollowupStore) CancelAllForThread(threadID, reason string) (int64, error) {
	res := s.DB.Model(&models.ScheduledFollowup{}).
		Where("thread_id = ? AND status = ?", threadID, models.FollowupStatusPending).
		Updates(map[string]interface{}{
			"status":        models.FollowupStatusCancelled,
			"status_reason": reason,
		})
	return res.RowsAffected, res.Error
}

// GetConfig returns the campaign's timing policy, falling back to the
// defaults when no explicit row exists.
func (s *FollowupStore) GetConfig(campaignID uint) (models.FollowupConfig, error) {
	var cfg models.FollowupConfig
	err := s.DB.Where("campaign_id = ?", campaignID).First(&cfg).Error
	if err == gorm.ErrRecordNotFound {
		cfg = models.DefaultFollowupConfig()
		cfg.CampaignID = campaignID
		return cfg, nil
	}
	return cfg, err
}

// SetConfig applies a partial timing-policy update, creating the row from
// defaults when the campaign has none yet.
func (s *FollowupStore) SetConfig(campaignID uint, patch FollowupConfigPatch) (models.FollowupConfig, error) {
	var cfg models.FollowupConfig
	creating := false
	err := s.DB.Where("campaign_id = ?", campaignID).First(&cfg).Error
	if err == gorm.ErrRecordNotFound {
		cfg = models.DefaultFollowupConfig()
		cfg.CampaignID = campaignID
		creating = true
	} else if err != nil {
		return cfg, err
	}

	if patch.Followup1Days != nil {
		cfg.Followup1Days = *patch.Followup1Days
	}
	if patch.Followup2Days != nil {
		cfg.Followup2Days = *patch.Followup2Days
	}
	if patch.Followup3Days != nil {
		cfg.Followup3Days = *patch.Followup3Days
	}
	if patch.MaxFollowups != nil {
		cfg.MaxFollowups = *patch.MaxFollowups
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}

	if creating {
		// Insert all columns explicitly: a plain Create omits zero-valued
		// fields carrying a default tag, letting the database defaults
		// overwrite an explicit enabled=false or 0-day offset.
		if err := s.DB.Select("*").Create(&cfg).Error; err != nil {
			return cfg, err
		}
		return cfg, nil
	}
	if err := s.DB.Save(&cfg).Error; err != nil {
		return cfg, err
	}
	return cfg, nil
}

// GetStats returns per-status counts and the next scheduled time for a user.
func (s *FollowupStore) GetStats(userID uint) (FollowupStats, error) {
	var stats FollowupStats

	rows, err := s.DB.Model(&models.ScheduledFollowup{}).
		Select("status, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("status").
		Rows()
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		switch status {
		case models.FollowupStatusPending, models.FollowupStatusSending:
			stats.PendingCount += count
		case models.FollowupStatusSent:
			stats.SentCount = count
		case models.FollowupStatusCancelled:
			stats.CancelledCount = count
		case models.FollowupStatusSkipped:
			stats.SkippedCount = count
		}
		stats.TotalCount += count
	}

	var next models.ScheduledFollowup
	err = s.DB.
		Where("user_id = ? AND status = ?", userID, models.FollowupStatusPending).
		Order("scheduled_for ASC").
		First(&next).Error
	if err == nil {
		stats.NextScheduled = &next.ScheduledFor
	} else if err != gorm.ErrRecordNotFound {
		return stats, err
	}
	return stats, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never leaves invalid UTF-8.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
