package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"mailpulse/models"
	"mailpulse/utils"
)

// FollowupQueue is the slice of the follow-up store the delivery worker needs.
type FollowupQueue interface {
	ClaimDue(limit int) ([]models.ScheduledFollowup, error)
	MarkSent(id uint, providerMessageID string) (bool, error)
	MarkSkipped(id uint, reason string) (bool, error)
	ReleaseStaleClaims(olderThan time.Duration) (int64, error)
}

// MailProvider sends an email as a user, threading it when threadID is set.
type MailProvider interface {
	SendEmail(ctx context.Context, userID uint, to, subject, body, threadID string) (*utils.SendResult, error)
}

// BatchStats summarizes one delivery tick.
type BatchStats struct {
	Processed int
	Sent      int
	Skipped   int
}

// DeliveryWorker polls for due follow-ups and delivers them. Rows are
// processed sequentially within a tick to bound provider load and keep
// failure attribution simple; a single bad row never aborts the batch.
type DeliveryWorker struct {
	store    FollowupQueue
	provider MailProvider
	logger   *log.Logger

	BatchSize   int
	ItemTimeout time.Duration
	ClaimTTL    time.Duration
}

func NewDeliveryWorker(store FollowupQueue, provider MailProvider, logger *log.Logger) *DeliveryWorker {
	return &DeliveryWorker{
		store:       store,
		provider:    provider,
		logger:      logger,
		BatchSize:   50,
		ItemTimeout: 45 * time.Second,
		ClaimTTL:    10 * time.Minute,
	}
}

// Start runs the polling loop until ctx is cancelled. Ticks never overlap:
// the next one fires only after RunOnce returns.
func (dw *DeliveryWorker) Start(ctx context.Context, interval time.Duration) {
	dw.logger.Printf("Delivery worker started (interval: %s)", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			dw.logger.Println("Delivery worker shutting down...")
			return
		case <-ticker.C:
			stats := dw.RunOnce(ctx)
			if stats.Processed > 0 {
				dw.logger.Printf("Delivery batch complete: processed=%d sent=%d skipped=%d",
					stats.Processed, stats.Sent, stats.Skipped)
			}
		}
	}
}

// RunOnce claims and delivers one batch of due follow-ups.
func (dw *DeliveryWorker) RunOnce(ctx context.Context) BatchStats {
	var stats BatchStats

	if released, err := dw.store.ReleaseStaleClaims(dw.ClaimTTL); err != nil {
		utils.LogError("release_stale_claims", err, nil)
	} else if released > 0 {
		dw.logger.Printf("Released %d stale delivery claims", released)
	}

	due, err := dw.store.ClaimDue(dw.BatchSize)
	if err != nil {
		// Store unreachable: log and let the next tick retry the whole batch.
		utils.LogError("claim_due_followups", err, nil)
		return stats
	}
	if len(due) == 0 {
		return stats
	}

	dw.logger.Printf("Claimed %d due followups", len(due))

	for _, followup := range due {
		if ctx.Err() != nil {
			return stats
		}
		stats.Processed++
		if dw.deliver(ctx, followup) {
			stats.Sent++
		} else {
			stats.Skipped++
		}
	}
	return stats
}

// deliver sends one follow-up and moves it to a terminal state. Returns true
// on a successful send.
func (dw *DeliveryWorker) deliver(ctx context.Context, followup models.ScheduledFollowup) bool {
	itemCtx, cancel := context.WithTimeout(ctx, dw.ItemTimeout)
	defer cancel()

	result, err := dw.provider.SendEmail(
		itemCtx,
		followup.UserID,
		followup.RecipientEmail,
		followup.Subject,
		followup.Body,
		followup.ThreadID,
	)
	if err == nil {
		if changed, err := dw.store.MarkSent(followup.ID, result.MessageID); err != nil {
			utils.LogError("mark_followup_sent", err, map[string]interface{}{
				"followup_id": followup.ID,
			})
		} else if !changed {
			// Cancelled or claimed elsewhere while we were sending.
			dw.logger.Printf("Followup %d already terminal after send", followup.ID)
		}
		utils.LogEvent("followup_sent", map[string]interface{}{
			"followup_id":         followup.ID,
			"user_id":             followup.UserID,
			"recipient":           followup.RecipientEmail,
			"sequence_number":     followup.SequenceNumber,
			"provider_message_id": result.MessageID,
		})
		return true
	}

	var reason string
	var tokenErr *utils.TokenExpiredError
	switch {
	case errors.Is(err, utils.ErrNoCredential):
		reason = "no credential"
	case errors.As(err, &tokenErr):
		// Every other pending row for this user will also fail until they
		// re-authenticate, so don't retry.
		reason = "token expired: " + tokenErr.Reason
	default:
		reason = err.Error()
	}

	utils.LogError("followup_send_failed", err, map[string]interface{}{
		"followup_id": followup.ID,
		"user_id":     followup.UserID,
		"recipient":   followup.RecipientEmail,
	})

	if _, err := dw.store.MarkSkipped(followup.ID, reason); err != nil {
		utils.LogError("mark_followup_skipped", err, map[string]interface{}{
			"followup_id": followup.ID,
		})
	}
	return false
}
