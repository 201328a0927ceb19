package controllers

import (
	"log"
	"strconv"

	"mailpulse/store"
	"mailpulse/utils"

	"github.com/gofiber/fiber/v2"
)

type FollowupController struct {
	store  *store.FollowupStore
	emails *store.SentEmailStore
	logger *log.Logger
}

func NewFollowupController(followups *store.FollowupStore, emails *store.SentEmailStore, logger *log.Logger) *FollowupController {
	return &FollowupController{
		store:  followups,
		emails: emails,
		logger: logger,
	}
}

type createPlanRequest struct {
	UserID          uint                       `json:"user_id"`
	CampaignID      *uint                      `json:"campaign_id,omitempty"`
	OriginalEmailID uint                       `json:"original_email_id"`
	Entries         []store.FollowupPlan       `json:"entries"`
	TimingConfig    *store.FollowupConfigPatch `json:"timing_config,omitempty"`
}

// CreatePlan persists a precomputed follow-up plan as pending rows. The plan
// content itself comes from the upstream writing pipeline.
func (fc *FollowupController) CreatePlan(c *fiber.Ctx) error {
	var req createPlanRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == 0 || req.OriginalEmailID == 0 || len(req.Entries) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id, original_email_id and entries are required",
		})
	}

	original, err := fc.emails.GetByID(req.OriginalEmailID)
	if err != nil {
		utils.LogError("load_original_email", err, map[string]interface{}{"email_id": req.OriginalEmailID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load original email",
		})
	}
	if original == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Original email not found",
		})
	}

	if req.TimingConfig != nil && req.CampaignID != nil {
		if _, err := fc.store.SetConfig(*req.CampaignID, *req.TimingConfig); err != nil {
			utils.LogError("save_timing_config", err, map[string]interface{}{"campaign_id": *req.CampaignID})
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to save timing configuration",
			})
		}
	}

	scheduled, err := fc.store.Schedule(req.UserID, original, req.Entries)
	if err != nil {
		utils.LogError("schedule_followups", err, map[string]interface{}{
			"user_id":  req.UserID,
			"email_id": req.OriginalEmailID,
		})
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	utils.LogEvent("followups_scheduled", map[string]interface{}{
		"user_id":         req.UserID,
		"scheduled_count": len(scheduled),
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"scheduled_count": len(scheduled),
		"followups":       scheduled,
	})
}

// GetUserFollowups lists a user's followups, optionally filtered by status.
func (fc *FollowupController) GetUserFollowups(c *fiber.Ctx) error {
	userID, err := strconv.ParseUint(c.Params("userId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid user id"})
	}
	limit := c.QueryInt("limit", 100)
	status := c.Query("status")

	followups, err := fc.store.GetByUser(uint(userID), status, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch followups",
		})
	}
	return c.JSON(fiber.Map{
		"followups": followups,
		"count":     len(followups),
	})
}

// GetPendingFollowups lists a user's upcoming followups with pipeline stats.
func (fc *FollowupController) GetPendingFollowups(c *fiber.Ctx) error {
	userID, err := strconv.ParseUint(c.Params("userId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid user id"})
	}
	limit := c.QueryInt("limit", 50)

	followups, err := fc.store.GetPending(uint(userID), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch pending followups",
		})
	}
	stats, err := fc.store.GetStats(uint(userID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch followup stats",
		})
	}
	return c.JSON(fiber.Map{
		"followups": followups,
		"count":     len(followups),
		"stats":     stats,
	})
}

// CancelFollowup manually cancels a single pending followup. Responds 404
// when the row does not exist or already reached a terminal state.
func (fc *FollowupController) CancelFollowup(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid followup id"})
	}
	reason := c.Query("reason", "manual_cancel")

	cancelled, err := fc.store.Cancel(uint(id), reason)
	if err != nil {
		utils.LogError("cancel_followup", err, map[string]interface{}{"followup_id": id})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to cancel followup",
		})
	}
	if !cancelled {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Followup not found or already processed",
		})
	}

	return c.JSON(fiber.Map{
		"success":     true,
		"followup_id": id,
		"status":      "cancelled",
	})
}
