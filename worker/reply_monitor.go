package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"mailpulse/models"
	"mailpulse/queue"
	"mailpulse/utils"
)

// ThreadFollowups cancels scheduled follow-ups when a reply lands.
type ThreadFollowups interface {
	CancelAllForThread(threadID, reason string) (int64, error)
}

// SentEmails is the sent-message history the monitor branches on.
type SentEmails interface {
	FindInstantRespond(userID uint, threadID string) (*models.SentEmail, error)
	HasReplyTo(userID uint, inboundMessageID string) (bool, error)
	Create(email *models.SentEmail) error
}

// SyncState resolves users and maintains the per-user history watermark.
type SyncState interface {
	ResolveUserByEmail(email string) (*models.User, error)
	GetByUser(userID uint) (*models.GmailCredential, error)
	AdvanceHistory(userID uint, newID uint64) (bool, error)
	ResyncHistory(userID uint, newID uint64) error
}

// HistoryProvider is the provider surface the monitor consumes.
type HistoryProvider interface {
	GetHistory(ctx context.Context, userID uint, sinceHistoryID uint64) ([]utils.AddedMessage, error)
	GetMessage(ctx context.Context, userID uint, messageID string) (*utils.Message, error)
	SendEmail(ctx context.Context, userID uint, to, subject, body, threadID string) (*utils.SendResult, error)
}

// ReplyMonitor consumes mailbox push notifications, cancels pending
// follow-ups on replied threads (or sends an instant response when the
// thread is flagged for it), and advances the user's sync watermark.
//
// Delivery is at-least-once, so every mutation here must be conditional or
// guarded: cancellation is idempotent by construction, auto-replies are
// deduplicated on the inbound message id, and the watermark only moves
// forward.
type ReplyMonitor struct {
	followups ThreadFollowups
	emails    SentEmails
	state     SyncState
	provider  HistoryProvider
	writer    utils.ReplyWriter
	logger    *log.Logger

	MessageTimeout time.Duration
}

func NewReplyMonitor(
	followups ThreadFollowups,
	emails SentEmails,
	state SyncState,
	provider HistoryProvider,
	writer utils.ReplyWriter,
	logger *log.Logger,
) *ReplyMonitor {
	return &ReplyMonitor{
		followups:      followups,
		emails:         emails,
		state:          state,
		provider:       provider,
		writer:         writer,
		logger:         logger,
		MessageTimeout: 2 * time.Minute,
	}
}

// Run consumes the subscription until ctx is cancelled.
func (rm *ReplyMonitor) Run(ctx context.Context, sub queue.Subscription) error {
	rm.logger.Println("Reply monitor started")
	return sub.Receive(ctx, func(m queue.Message) {
		if rm.Process(ctx, m.Data()) {
			if err := m.Ack(); err != nil {
				utils.LogError("notification_ack", err, nil)
			}
		} else {
			if err := m.Nack(); err != nil {
				utils.LogError("notification_nack", err, nil)
			}
		}
	})
}

// Process handles one push notification. The return value is the settle
// signal: true to acknowledge, false to have the transport redeliver.
// Malformed payloads and notifications for accounts we do not track are
// acknowledged, since redelivery cannot fix them.
func (rm *ReplyMonitor) Process(ctx context.Context, data []byte) bool {
	ctx, cancel := context.WithTimeout(ctx, rm.MessageTimeout)
	defer cancel()

	accountEmail, notifHistoryID, ok := decodeNotification(data)
	if !ok {
		rm.logger.Printf("Dropping malformed notification payload (%d bytes)", len(data))
		return true
	}

	user, err := rm.state.ResolveUserByEmail(accountEmail)
	if err != nil {
		utils.LogError("resolve_notification_user", err, map[string]interface{}{"email": accountEmail})
		return false
	}
	if user == nil {
		// Not our subscriber's account.
		return true
	}

	cred, err := rm.state.GetByUser(user.ID)
	if err != nil {
		utils.LogError("load_sync_state", err, map[string]interface{}{"user_id": user.ID})
		return false
	}
	if cred == nil {
		rm.logger.Printf("No credential for user %d, dropping notification", user.ID)
		return true
	}

	// First notification for this user: adopt the watermark as the baseline,
	// there is nothing to diff against yet.
	if cred.HistoryID == 0 {
		if err := rm.state.ResyncHistory(user.ID, notifHistoryID); err != nil {
			utils.LogError("adopt_history_baseline", err, map[string]interface{}{"user_id": user.ID})
			return false
		}
		return true
	}

	added, err := rm.provider.GetHistory(ctx, user.ID, cred.HistoryID)
	if err != nil {
		return rm.settleHistoryError(err, user.ID, notifHistoryID)
	}

	var cancelled int64
	for _, msg := range added {
		if msg.ThreadID == "" || !msg.Inbox() {
			continue
		}

		action, err := rm.decide(user.ID, msg.ThreadID)
		if err != nil {
			utils.LogError("decide_reply_action", err, map[string]interface{}{
				"user_id":   user.ID,
				"thread_id": msg.ThreadID,
			})
			return false
		}

		switch action.kind {
		case actionRespond:
			// Failures here are logged and skipped rather than retried: a
			// redelivery would re-run cancellation side effects for the whole
			// notification, and the dedup guard already covers the crash case.
			rm.respond(ctx, user.ID, action.original, msg.ID)
		case actionCancel:
			n, err := rm.followups.CancelAllForThread(msg.ThreadID, "reply_detected")
			if err != nil {
				utils.LogError("cancel_thread_followups", err, map[string]interface{}{
					"thread_id": msg.ThreadID,
				})
				return false
			}
			if n > 0 {
				cancelled += n
				rm.logger.Printf("Cancelled %d followups for thread %s (user %d)", n, msg.ThreadID, user.ID)
			}
		}
	}

	// The watermark advances even when nothing was cancelled, so the next
	// notification diffs from here.
	if _, err := rm.state.AdvanceHistory(user.ID, notifHistoryID); err != nil {
		utils.LogError("advance_history", err, map[string]interface{}{"user_id": user.ID})
		return false
	}

	if cancelled > 0 {
		utils.LogEvent("reply_detected", map[string]interface{}{
			"user_id":             user.ID,
			"followups_cancelled": cancelled,
		})
	}
	return true
}

// settleHistoryError decides ack vs retry for a failed history diff.
func (rm *ReplyMonitor) settleHistoryError(err error, userID uint, notifHistoryID uint64) bool {
	var tokenErr *utils.TokenExpiredError
	switch {
	case errors.Is(err, utils.ErrHistoryGone):
		// Stored watermark is too old to diff from. Adopt the notification's
		// watermark, accepting that changes between the two go uninspected;
		// the alternative is an unbounded replay backlog.
		rm.logger.Printf("History watermark too old for user %d, resyncing", userID)
		if rerr := rm.state.ResyncHistory(userID, notifHistoryID); rerr != nil {
			utils.LogError("resync_history", rerr, map[string]interface{}{"user_id": userID})
			return false
		}
		return true
	case errors.As(err, &tokenErr), errors.Is(err, utils.ErrNoCredential):
		// Redelivery cannot fix an expired credential; the next notification
		// after re-auth will pick the diff back up.
		utils.LogError("history_credential_expired", err, map[string]interface{}{"user_id": userID})
		return true
	default:
		utils.LogError("fetch_history", err, map[string]interface{}{"user_id": userID})
		return false
	}
}

type actionKind int

const (
	actionCancel actionKind = iota
	actionRespond
)

// threadAction is the decision for one replied thread: cancel its pending
// follow-ups, or respond instantly on behalf of the originating email.
type threadAction struct {
	kind     actionKind
	original *models.SentEmail // set for actionRespond
}

func (rm *ReplyMonitor) decide(userID uint, threadID string) (threadAction, error) {
	original, err := rm.emails.FindInstantRespond(userID, threadID)
	if err != nil {
		return threadAction{}, err
	}
	if original != nil {
		return threadAction{kind: actionRespond, original: original}, nil
	}
	return threadAction{kind: actionCancel}, nil
}

// respond composes and sends an instant reply to the inbound message,
// recording it with auto-reply disabled so we never answer our own response.
func (rm *ReplyMonitor) respond(ctx context.Context, userID uint, original *models.SentEmail, inboundID string) {
	logCtx := map[string]interface{}{
		"user_id":            userID,
		"inbound_message_id": inboundID,
	}

	answered, err := rm.emails.HasReplyTo(userID, inboundID)
	if err != nil {
		utils.LogError("check_reply_dedup", err, logCtx)
		return
	}
	if answered {
		rm.logger.Printf("Already responded to message %s, skipping", inboundID)
		return
	}

	inbound, err := rm.provider.GetMessage(ctx, userID, inboundID)
	if err != nil {
		utils.LogError("fetch_inbound_message", err, logCtx)
		return
	}
	if inbound == nil || inbound.From == "" {
		rm.logger.Printf("Inbound message %s no longer available, skipping", inboundID)
		return
	}

	replyBody, err := rm.writer.ComposeReply(ctx, original.Body, inbound.BodyText)
	if err != nil {
		utils.LogError("compose_instant_reply", err, logCtx)
		return
	}

	subject := inbound.Subject
	if !strings.HasPrefix(subject, "Re:") {
		subject = "Re: " + subject
	}

	result, err := rm.provider.SendEmail(ctx, userID, inbound.From, subject, replyBody, inbound.ThreadID)
	if err != nil {
		utils.LogError("send_instant_reply", err, logCtx)
		return
	}

	now := time.Now().UTC()
	record := &models.SentEmail{
		UserID:             userID,
		CampaignID:         original.CampaignID,
		ProviderMessageID:  result.MessageID,
		ThreadID:           inbound.ThreadID,
		RecipientEmail:     inbound.From,
		Subject:            subject,
		Body:               replyBody,
		SentAt:             &now,
		InReplyToMessageID: inboundID,
		// Never auto-respond to our own auto-response.
		InstantRespondEnabled: false,
	}
	if err := rm.emails.Create(record); err != nil {
		utils.LogError("record_instant_reply", err, logCtx)
		return
	}

	utils.LogEvent("instant_reply_sent", map[string]interface{}{
		"user_id":   userID,
		"thread_id": inbound.ThreadID,
		"recipient": inbound.From,
	})
}

// decodeNotification extracts the provider account address and the change
// watermark from a push payload, which arrives either as raw JSON or as
// base64-encoded JSON depending on the transport.
func decodeNotification(data []byte) (email string, historyID uint64, ok bool) {
	var payload struct {
		EmailAddress string      `json:"emailAddress"`
		HistoryID    json.Number `json:"historyId"`
	}

	if err := json.Unmarshal(data, &payload); err != nil {
		s := strings.TrimSpace(string(data))
		if pad := len(s) % 4; pad != 0 {
			s += strings.Repeat("=", 4-pad)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", 0, false
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return "", 0, false
		}
	}

	historyID, err := strconv.ParseUint(payload.HistoryID.String(), 10, 64)
	if err != nil || payload.EmailAddress == "" || historyID == 0 {
		return "", 0, false
	}
	return payload.EmailAddress, historyID, true
}
