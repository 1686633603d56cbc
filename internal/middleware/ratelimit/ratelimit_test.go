package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterPerClient(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2, Methods: []string{fiber.MethodPost}})

	current := time.Unix(0, 0)
	rl.now = func() time.Time { return current }

	app := fiber.New()
	app.Use(rl.Middleware())
	app.All("/jobs", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusAccepted) })

	do := func(method, client string) (int, string) {
		req := httptest.NewRequest(method, "/jobs", nil)
		if client != "" {
			req.Header.Set("X-Client-ID", client)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode, resp.Header.Get(fiber.HeaderRetryAfter)
	}

	code, _ := do("POST", "a")
	assert.Equal(t, fiber.StatusAccepted, code)
	code, _ = do("POST", "a")
	assert.Equal(t, fiber.StatusAccepted, code)

	code, retryAfter := do("POST", "a")
	assert.Equal(t, fiber.StatusTooManyRequests, code)
	assert.Equal(t, "30", retryAfter)

	code, _ = do("POST", "b")
	assert.Equal(t, fiber.StatusAccepted, code)
	code, _ = do("GET", "a")
	assert.Equal(t, fiber.StatusAccepted, code, "GET is not limited")

	current = current.Add(30 * time.Second)
	code, _ = do("POST", "a")
	assert.Equal(t, fiber.StatusAccepted, code)
}

func TestTakeRefillsContinuously(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 60})
	current := time.Unix(0, 0)
	rl.now = func() time.Time { return current }

	for i := 0; i < 60; i++ {
		ok, _, _ := rl.take("c")
		require.True(t, ok)
	}
	ok, remaining, wait := rl.take("c")
	assert.False(t, ok)
	assert.Zero(t, remaining)
	assert.Equal(t, time.Second, wait)

	current = current.Add(1500 * time.Millisecond)
	ok, _, _ = rl.take("c")
	assert.True(t, ok)
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 5})
	current := time.Unix(0, 0)
	rl.now = func() time.Time { return current }

	rl.take("old")
	current = current.Add(idleTTL + time.Minute)
	rl.take("new")

	assert.Len(t, rl.buckets, 1)
	assert.Contains(t, rl.buckets, "new")
}
