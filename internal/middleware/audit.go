package middleware

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/proisp/sharing/internal/logging"
	"github.com/proisp/sharing/internal/models"
)

type auditRoute struct {
	action      models.AuditAction
	entityType  string
	idParam     string
	description string
}

// auditRoutes lists the state-changing sharing endpoints, keyed by method and route pattern
var auditRoutes = map[string]auditRoute{
	"POST /api/sharing/scan":                {models.AuditActionScan, "sharing_scan", "", "Ran manual sharing detection scan"},
	"DELETE /api/sharing/history":           {models.AuditActionDelete, "sharing_history", "", "Purged sharing detection history"},
	"PUT /api/sharing/settings":             {models.AuditActionUpdate, "sharing_settings", "", "Updated sharing detection settings"},
	"POST /api/sharing/nas/:nas_id/rules":   {models.AuditActionCreate, "nas", "nas_id", "Configured TTL detection rules"},
	"DELETE /api/sharing/nas/:nas_id/rules": {models.AuditActionDelete, "nas", "nas_id", "Removed TTL detection rules"},
}

// AuditLogger records successful state-changing API actions to the audit log
func AuditLogger(db *gorm.DB) fiber.Handler {
	log := logging.Component("audit")

	return func(c *fiber.Ctx) error {
		method := c.Method()
		if method == fiber.MethodGet || method == fiber.MethodHead || method == fiber.MethodOptions {
			return c.Next()
		}

		// Capture before Next; fiber reuses these buffers
		ip := c.IP()
		userAgent := c.Get("User-Agent")

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil || status < 200 || status >= 400 {
			return err
		}

		route, ok := auditRoutes[method+" "+c.Route().Path]
		if !ok {
			return nil
		}

		userID, _ := c.Locals("userID").(uint)
		userType, _ := c.Locals("userType").(models.UserType)
		entry := models.AuditLog{
			UserID:      userID,
			Username:    GetCurrentUsername(c),
			UserType:    userType,
			Action:      route.action,
			EntityType:  route.entityType,
			Description: route.description,
			IPAddress:   ip,
			UserAgent:   userAgent,
			OldValue:    "{}",
			NewValue:    "{}",
		}
		if route.idParam != "" {
			if id, perr := strconv.ParseUint(c.Params(route.idParam), 10, 64); perr == nil {
				entry.EntityID = uint(id)
				entry.Description = fmt.Sprintf("%s on NAS #%d", route.description, id)
			}
		}

		if dbErr := db.WithContext(c.UserContext()).Create(&entry).Error; dbErr != nil {
			log.Error().Err(dbErr).Str("action", string(route.action)).Msg("Failed to write audit log")
		}
		return nil
	}
}
