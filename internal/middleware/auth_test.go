package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proisp/sharing/internal/database"
	"github.com/proisp/sharing/internal/models"
)

const testSecret = "test-secret-with-enough-entropy"

func newAuthApp(cache database.Cache) *fiber.App {
	app := fiber.New()
	protected := app.Group("/api", AuthRequired(testSecret, cache))
	protected.Get("/me", func(c *fiber.Ctx) error {
		return c.SendString(GetCurrentUsername(c))
	})
	protected.Get("/admin", AdminOnly(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func request(t *testing.T, app *fiber.App, path, token string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthRequired(t *testing.T) {
	cache := database.NewMemoryCache(16, time.Hour)
	app := newAuthApp(cache)

	admin, err := GenerateToken(1, "root", models.UserTypeAdmin, testSecret, time.Hour)
	require.NoError(t, err)
	support, err := GenerateToken(2, "helpdesk", models.UserTypeSupport, testSecret, time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken(1, "root", models.UserTypeAdmin, testSecret, -time.Minute)
	require.NoError(t, err)
	foreign, err := GenerateToken(1, "root", models.UserTypeAdmin, "another-secret", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		token  string
		header string
		status int
	}{
		{name: "admin", path: "/api/admin", token: admin, status: fiber.StatusOK},
		{name: "any user on protected route", path: "/api/me", token: support, status: fiber.StatusOK},
		{name: "non admin", path: "/api/admin", token: support, status: fiber.StatusForbidden},
		{name: "missing token", path: "/api/admin", status: fiber.StatusUnauthorized},
		{name: "bad scheme", path: "/api/admin", header: "Basic abc", status: fiber.StatusUnauthorized},
		{name: "expired", path: "/api/admin", token: expired, status: fiber.StatusUnauthorized},
		{name: "wrong secret", path: "/api/admin", token: foreign, status: fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAuthRejectsRevokedToken(t *testing.T) {
	cache := database.NewMemoryCache(16, time.Hour)
	app := newAuthApp(cache)

	token, err := GenerateToken(1, "root", models.UserTypeAdmin, testSecret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, request(t, app, "/api/admin", token).StatusCode)

	require.NoError(t, database.BlacklistToken(context.Background(), cache, token, time.Hour))
	assert.Equal(t, fiber.StatusUnauthorized, request(t, app, "/api/admin", token).StatusCode)
}

func TestAdminOnlyWithoutAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/", AdminOnly(), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}
