package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"mailpulse/models"
	"mailpulse/store"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type apiFixture struct {
	app *fiber.App
	db  *gorm.DB
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Campaign{},
		&models.SentEmail{},
		&models.ScheduledFollowup{},
		&models.FollowupConfig{},
	))

	followups := store.NewFollowupStore(db)
	emails := store.NewSentEmailStore(db)
	testLogger := log.New(os.Stderr, "test: ", 0)

	fc := NewFollowupController(followups, emails, testLogger)
	cc := NewCampaignController(followups, emails, testLogger)

	app := fiber.New()
	app.Post("/followups/plan", fc.CreatePlan)
	app.Get("/followups/pending/:userId", fc.GetPendingFollowups)
	app.Get("/followups/:userId", fc.GetUserFollowups)
	app.Post("/followups/:id/cancel", fc.CancelFollowup)
	app.Get("/campaigns/:id/followup-config", cc.GetFollowupConfig)
	app.Patch("/campaigns/:id/followup-config", cc.UpdateFollowupConfig)
	app.Patch("/campaigns/:id/instant-respond", cc.UpdateInstantRespond)

	return &apiFixture{app: app, db: db}
}

func (f *apiFixture) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) seedOriginal(t *testing.T) (models.User, models.SentEmail) {
	t.Helper()
	user := models.User{Email: "owner@example.com"}
	require.NoError(t, f.db.Create(&user).Error)
	email := models.SentEmail{
		UserID:         user.ID,
		ThreadID:       "thread-1",
		RecipientEmail: "lead@example.com",
		Subject:        "Quick question",
	}
	require.NoError(t, f.db.Create(&email).Error)
	return user, email
}

func TestCreatePlanEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	user, email := f.seedOriginal(t)

	now := time.Now().UTC()
	resp := f.request(t, fiber.MethodPost, "/followups/plan", map[string]interface{}{
		"user_id":           user.ID,
		"original_email_id": email.ID,
		"entries": []map[string]interface{}{
			{"sequence_number": 1, "type": models.FollowupTypeGentleReminder, "scheduled_for": now.AddDate(0, 0, 3), "subject": "Re: Quick question", "body": "Bumping this"},
			{"sequence_number": 2, "type": models.FollowupTypeAddValue, "scheduled_for": now.AddDate(0, 0, 7), "subject": "Re: Quick question", "body": "Case study attached"},
		},
	})

	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, float64(2), body["scheduled_count"])

	var count int64
	require.NoError(t, f.db.Model(&models.ScheduledFollowup{}).
		Where("user_id = ? AND status = ?", user.ID, models.FollowupStatusPending).
		Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestCreatePlanValidation(t *testing.T) {
	f := newAPIFixture(t)
	user, _ := f.seedOriginal(t)

	resp := f.request(t, fiber.MethodPost, "/followups/plan", map[string]interface{}{
		"user_id": user.ID,
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, fiber.MethodPost, "/followups/plan", map[string]interface{}{
		"user_id":           user.ID,
		"original_email_id": 9999,
		"entries": []map[string]interface{}{
			{"sequence_number": 1, "scheduled_for": time.Now().UTC()},
		},
	})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCancelFollowupEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	user, email := f.seedOriginal(t)

	followups := store.NewFollowupStore(f.db)
	rows, err := followups.Schedule(user.ID, &email, []store.FollowupPlan{
		{SequenceNumber: 1, ScheduledFor: time.Now().UTC().AddDate(0, 0, 3)},
	})
	require.NoError(t, err)
	path := fmt.Sprintf("/followups/%d/cancel", rows[0].ID)

	resp := f.request(t, fiber.MethodPost, path, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, true, body["success"])

	var row models.ScheduledFollowup
	require.NoError(t, f.db.First(&row, rows[0].ID).Error)
	assert.Equal(t, models.FollowupStatusCancelled, row.Status)
	assert.Equal(t, "manual_cancel", row.StatusReason)

	// Second cancel hits a terminal row.
	resp = f.request(t, fiber.MethodPost, path, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestGetPendingFollowupsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	user, email := f.seedOriginal(t)

	followups := store.NewFollowupStore(f.db)
	rows, err := followups.Schedule(user.ID, &email, []store.FollowupPlan{
		{SequenceNumber: 1, ScheduledFor: time.Now().UTC().AddDate(0, 0, 3)},
		{SequenceNumber: 2, ScheduledFor: time.Now().UTC().AddDate(0, 0, 7)},
	})
	require.NoError(t, err)
	_, err = followups.Cancel(rows[1].ID, "manual_cancel")
	require.NoError(t, err)

	resp := f.request(t, fiber.MethodGet, fmt.Sprintf("/followups/pending/%d", user.ID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, float64(1), body["count"])

	stats, ok := body["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), stats["pending_count"])
	assert.Equal(t, float64(1), stats["cancelled_count"])
	assert.Equal(t, float64(2), stats["total_count"])
}

func TestFollowupConfigEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, fiber.MethodGet, "/campaigns/7/followup-config", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	cfg, ok := body["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), cfg["followup_1_days"])
	assert.Equal(t, float64(3), cfg["max_followups"])

	resp = f.request(t, fiber.MethodPatch, "/campaigns/7/followup-config", map[string]interface{}{
		"followup_1_days": 5,
		"enabled":         false,
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body = decodeJSON(t, resp)
	cfg, ok = body["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(5), cfg["followup_1_days"])
	assert.Equal(t, false, cfg["enabled"])

	// An empty patch is rejected.
	resp = f.request(t, fiber.MethodPatch, "/campaigns/7/followup-config", map[string]interface{}{})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestUpdateInstantRespondEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	user, _ := f.seedOriginal(t)

	campaign := models.Campaign{UserID: user.ID, Name: "Q3 outbound"}
	require.NoError(t, f.db.Create(&campaign).Error)

	resp := f.request(t, fiber.MethodPatch, fmt.Sprintf("/campaigns/%d/instant-respond", campaign.ID),
		map[string]interface{}{"instant_respond_enabled": true})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var fresh models.Campaign
	require.NoError(t, f.db.First(&fresh, campaign.ID).Error)
	assert.True(t, fresh.InstantRespondEnabled)

	resp = f.request(t, fiber.MethodPatch, "/campaigns/9999/instant-respond",
		map[string]interface{}{"instant_respond_enabled": true})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
