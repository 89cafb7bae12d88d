package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/proisp/sharing/internal/database"
	"github.com/proisp/sharing/internal/models"
)

func TestAuditLoggerRecordsSuccessfulChanges(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), database.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))

	app := fiber.New()
	sharing := app.Group("/api/sharing", func(c *fiber.Ctx) error {
		c.Locals("userID", uint(7))
		c.Locals("username", "root")
		c.Locals("userType", models.UserTypeAdmin)
		return c.Next()
	}, AuditLogger(db))
	sharing.Get("/history", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	sharing.Post("/scan", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusConflict) })
	sharing.Post("/nas/:nas_id/rules", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/sharing/history"},
		{http.MethodPost, "/api/sharing/scan"},
		{http.MethodPost, "/api/sharing/nas/3/rules"},
	} {
		resp, err := app.Test(httptest.NewRequest(r.method, r.path, nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	var entries []models.AuditLog
	require.NoError(t, db.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionCreate, entries[0].Action)
	assert.Equal(t, "nas", entries[0].EntityType)
	assert.Equal(t, uint(3), entries[0].EntityID)
	assert.Equal(t, uint(7), entries[0].UserID)
	assert.Equal(t, "root", entries[0].Username)
	assert.Equal(t, models.UserTypeAdmin, entries[0].UserType)
	assert.Equal(t, "Configured TTL detection rules on NAS #3", entries[0].Description)
}
