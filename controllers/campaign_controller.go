package controllers

import (
	"log"
	"strconv"

	"mailpulse/store"
	"mailpulse/utils"

	"github.com/gofiber/fiber/v2"
)

type CampaignController struct {
	store  *store.FollowupStore
	emails *store.SentEmailStore
	logger *log.Logger
}

func NewCampaignController(followups *store.FollowupStore, emails *store.SentEmailStore, logger *log.Logger) *CampaignController {
	return &CampaignController{
		store:  followups,
		emails: emails,
		logger: logger,
	}
}

// GetFollowupConfig returns the campaign's timing policy, defaults included.
func (cc *CampaignController) GetFollowupConfig(c *fiber.Ctx) error {
	campaignID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid campaign id"})
	}

	cfg, err := cc.store.GetConfig(uint(campaignID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch followup config",
		})
	}
	return c.JSON(fiber.Map{"config": cfg})
}

// UpdateFollowupConfig applies a partial timing-policy update.
func (cc *CampaignController) UpdateFollowupConfig(c *fiber.Ctx) error {
	campaignID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid campaign id"})
	}

	var patch store.FollowupConfigPatch
	if err := c.BodyParser(&patch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if patch == (store.FollowupConfigPatch{}) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No configuration fields provided",
		})
	}

	cfg, err := cc.store.SetConfig(uint(campaignID), patch)
	if err != nil {
		utils.LogError("update_followup_config", err, map[string]interface{}{"campaign_id": campaignID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update configuration",
		})
	}
	return c.JSON(fiber.Map{"success": true, "config": cfg})
}

type instantRespondRequest struct {
	InstantRespondEnabled bool `json:"instant_respond_enabled"`
}

// UpdateInstantRespond enables or disables instant AI responses for all
// threads of a campaign.
func (cc *CampaignController) UpdateInstantRespond(c *fiber.Ctx) error {
	campaignID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid campaign id"})
	}

	var req instantRespondRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	updated, err := cc.emails.SetInstantRespond(uint(campaignID), req.InstantRespondEnabled)
	if err != nil {
		utils.LogError("update_instant_respond", err, map[string]interface{}{"campaign_id": campaignID})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update campaign",
		})
	}
	if !updated {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Campaign not found"})
	}

	return c.JSON(fiber.Map{
		"success":                 true,
		"instant_respond_enabled": req.InstantRespondEnabled,
	})
}
