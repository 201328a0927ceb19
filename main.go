package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"mailpulse/config"
	"mailpulse/middleware"
	"mailpulse/queue"
	"mailpulse/routes"
	"mailpulse/store"
	"mailpulse/utils"
	"mailpulse/worker"
)

func main() {
	logger := log.New(os.Stdout, "MAILPULSE: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Sentry when a DSN is configured
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Shared stores and collaborators
	followupStore := store.NewFollowupStore(config.DB)
	emailStore := store.NewSentEmailStore(config.DB)
	credentialStore := store.NewCredentialStore(config.DB)

	gmailClient := utils.NewGmailClient(
		credentialStore,
		config.AppConfig.Google.ClientID,
		config.AppConfig.Google.ClientSecret,
	)
	replyWriter := utils.NewHTTPReplyWriter(
		config.AppConfig.WriterEndpoint,
		config.AppConfig.WriterAPIKey,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Delivery worker: sends due follow-ups
	deliveryWorker := worker.NewDeliveryWorker(
		followupStore,
		gmailClient,
		log.New(os.Stdout, "DELIVERY: ", log.LstdFlags),
	)
	deliveryWorker.BatchSize = config.AppConfig.DeliveryBatchSize
	go deliveryWorker.Start(ctx, time.Duration(config.AppConfig.DeliveryInterval)*time.Second)

	// Reply monitor: consumes push notifications and cancels follow-ups on reply
	if config.AppConfig.AMQPURL != "" {
		sub, err := queue.Dial(config.AppConfig.AMQPURL, config.AppConfig.ReplyQueue)
		if err != nil {
			logger.Fatalf("Failed to connect to push transport: %v", err)
		}
		defer sub.Close()

		replyMonitor := worker.NewReplyMonitor(
			followupStore,
			emailStore,
			credentialStore,
			gmailClient,
			replyWriter,
			log.New(os.Stdout, "REPLIES: ", log.LstdFlags),
		)
		go func() {
			if err := replyMonitor.Run(ctx, sub); err != nil && ctx.Err() == nil {
				logger.Printf("Reply monitor stopped: %v", err)
			}
		}()
	} else {
		logger.Println("AMQP_URL not set, reply detection disabled")
	}

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Setup routes
	routes.SetupRoutes(app, config.DB, gmailClient, config.AppConfig.PushTopicName)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
