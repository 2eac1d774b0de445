package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

func newProtectedApp() *fiber.App {
	app := fiber.New()
	app.Get("/protected", APIKeyAuthMiddleware(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	if env.Env == nil {
		env.Env = map[string]string{}
	}
	env.Env["API_KEY"] = "pk_live_correct"
	defer delete(env.Env, "API_KEY")

	app := newProtectedApp()

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"valid X-API-Key", "X-API-Key", "pk_live_correct", fiber.StatusOK},
		{"valid bearer token", "Authorization", "Bearer pk_live_correct", fiber.StatusOK},
		{"wrong key", "X-API-Key", "pk_live_wrong", fiber.StatusUnauthorized},
		{"missing key", "", "", fiber.StatusUnauthorized},
		{"basic auth is not accepted", "Authorization", "Basic cGs6c2VjcmV0", fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/protected", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestAPIKeyAuthMiddlewareUnconfigured(t *testing.T) {
	if env.Env == nil {
		env.Env = map[string]string{}
	}
	delete(env.Env, "API_KEY")

	app := newProtectedApp()
	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("X-API-Key", "anything")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}
