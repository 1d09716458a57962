package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"sign-bounty-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func errorApp(err error) *fiber.App {
	app := fiber.New()
	app.Get("/fail", func(c *fiber.Ctx) error { return respondError(c, err) })
	return app
}

func TestRespondError_InternalHidesCause(t *testing.T) {
	app := errorApp(errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"))

	resp, err := app.Test(httptest.NewRequest("GET", "/fail", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, map[string]any{"error": "internal error", "code": "internal"}, body)
}

func TestRespondError_MapsSentinels(t *testing.T) {
	app := errorApp(fmt.Errorf("report r-1: %w", models.ErrAlreadyClaimed))

	resp, err := app.Test(httptest.NewRequest("GET", "/fail", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_claimed", body["code"])
}
