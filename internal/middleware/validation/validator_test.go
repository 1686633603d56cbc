package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxImages: 2}))
	app.Post("/api/v1/jobs", func(c *fiber.Ctx) error {
		req := c.Locals(LocalsKey).(*JobRequest)
		return c.JSON(req)
	})
	app.Post("/api/v1/other", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func post(t *testing.T, app *fiber.App, path, contentType, body string) int {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestMiddlewareAcceptsValidJob(t *testing.T) {
	app := newApp()
	body := `{"images":[" scene.png "],"slice_width":512,"overlap_ratio":0.2,"confidence_threshold":0.3}`
	assert.Equal(t, fiber.StatusOK, post(t, app, "/api/v1/jobs", "application/json", body))
}

func TestMiddlewareRejectsInvalidJobs(t *testing.T) {
	app := newApp()
	cases := map[string]string{
		"no images":      `{"images":[]}`,
		"too many":       `{"images":["a.png","b.png","c.png"]}`,
		"bad type":       `{"images":["a.gif"]}`,
		"slice too big":  `{"images":["a.png"],"slice_width":4096}`,
		"slice too low":  `{"images":["a.png"],"slice_height":100}`,
		"overlap":        `{"images":["a.png"],"overlap_ratio":0.6}`,
		"confidence":     `{"images":["a.png"],"confidence_threshold":1.5}`,
		"iou":            `{"images":["a.png"],"iou_threshold":-0.1}`,
		"malformed json": `{"images":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, fiber.StatusBadRequest, post(t, app, "/api/v1/jobs", "application/json", body))
		})
	}
}

func TestMiddlewareContentType(t *testing.T) {
	app := newApp()
	assert.Equal(t, fiber.StatusUnsupportedMediaType, post(t, app, "/api/v1/other", "text/plain", "x"))
	assert.Equal(t, fiber.StatusNoContent, post(t, app, "/api/v1/other", "application/json", "{}"))
}

func TestValidateJobRequestTrims(t *testing.T) {
	hint := " cuda:0 "
	src := " rules.pl "
	req := &JobRequest{
		Images:            []string{" a.PNG "},
		DeviceHint:        &hint,
		SymbolicReasoning: &SymbolicOverride{RulesSource: &src},
	}
	require.NoError(t, ValidateJobRequest(req, 0, []string{".png"}))
	assert.Equal(t, "a.PNG", req.Images[0])
	assert.Equal(t, "cuda:0", *req.DeviceHint)
	assert.Equal(t, "rules.pl", *req.SymbolicReasoning.RulesSource)
}
