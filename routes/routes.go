package routes

import (
	"log"
	"os"

	controller "mailpulse/controllers"
	"mailpulse/middleware"
	"mailpulse/store"
	"mailpulse/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"
)

// SetupRoutes wires the produced HTTP surface: plan persistence, listings,
// manual cancellation, timing config, instant-respond toggles and push
// registration.
func SetupRoutes(app *fiber.App, db *gorm.DB, gmail *utils.GmailClient, pushTopic string) {
	routeLogger := log.New(os.Stdout, "API: ", log.Ldate|log.Ltime|log.Lshortfile)

	followupStore := store.NewFollowupStore(db)
	emailStore := store.NewSentEmailStore(db)

	followupController := controller.NewFollowupController(followupStore, emailStore, routeLogger)
	campaignController := controller.NewCampaignController(followupStore, emailStore, routeLogger)
	watchController := controller.NewWatchController(gmail, pushTopic, routeLogger)

	requestLog := logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})

	followups := app.Group("/followups", requestLog)
	followups.Post("/plan", middleware.PlanRateLimiter(), followupController.CreatePlan)
	followups.Get("/pending/:userId", followupController.GetPendingFollowups)
	followups.Get("/:userId", followupController.GetUserFollowups)
	followups.Post("/:id/cancel", followupController.CancelFollowup)

	campaigns := app.Group("/campaigns", requestLog)
	campaigns.Get("/:id/followup-config", campaignController.GetFollowupConfig)
	campaigns.Patch("/:id/followup-config", campaignController.UpdateFollowupConfig)
	campaigns.Patch("/:id/instant-respond", campaignController.UpdateInstantRespond)

	users := app.Group("/users", requestLog)
	users.Post("/:id/gmail-watch", watchController.RegisterWatch)

	routeLogger.Println("Follow-up routes initialized successfully")
}
