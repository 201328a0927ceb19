package controllers

import (
	"errors"
	"log"
	"strconv"

	"mailpulse/utils"

	"github.com/gofiber/fiber/v2"
)

type WatchController struct {
	gmail        *utils.GmailClient
	defaultTopic string
	logger       *log.Logger
}

func NewWatchController(gmail *utils.GmailClient, defaultTopic string, logger *log.Logger) *WatchController {
	return &WatchController{
		gmail:        gmail,
		defaultTopic: defaultTopic,
		logger:       logger,
	}
}

type registerWatchRequest struct {
	TopicName string `json:"topic_name"`
}

// RegisterWatch sets up mailbox push notifications for a user so the reply
// monitor starts receiving change events for their account.
func (wc *WatchController) RegisterWatch(c *fiber.Ctx) error {
	userID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid user id"})
	}

	var req registerWatchRequest
	_ = c.BodyParser(&req)
	topic := req.TopicName
	if topic == "" {
		topic = wc.defaultTopic
	}
	if topic == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "topic_name is required",
		})
	}

	result, err := wc.gmail.Watch(c.Context(), uint(userID), topic)
	if err != nil {
		var tokenErr *utils.TokenExpiredError
		if errors.Is(err, utils.ErrNoCredential) || errors.As(err, &tokenErr) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Gmail account not connected or needs re-authentication",
			})
		}
		utils.LogError("register_gmail_watch", err, map[string]interface{}{"user_id": userID})
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to register push notifications",
		})
	}

	wc.logger.Printf("Registered gmail watch for user %d (history %d)", userID, result.HistoryID)
	return c.JSON(fiber.Map{
		"success":    true,
		"history_id": result.HistoryID,
		"expiration": result.Expiration,
	})
}
