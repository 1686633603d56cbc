// Package ratelimit throttles job submissions per client.
package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// idleTTL is how long an untouched bucket is kept.
const idleTTL = 10 * time.Minute

type bucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter is a per-client token bucket refilled continuously. Clients
// are keyed by KeyHeader when sent, otherwise by IP.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time

	burst     float64
	perSecond float64
	keyHeader string
	methods   map[string]bool
	logger    *zap.Logger
	now       func() time.Time
}

type Config struct {
	MaxRequestsPerMinute int
	KeyHeader            string
	// Methods limits which HTTP methods consume tokens; empty means all.
	Methods []string
	Logger  *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = "X-Client-ID"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	methods := make(map[string]bool, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[m] = true
	}

	return &RateLimiter{
		buckets:   make(map[string]*bucket),
		burst:     float64(cfg.MaxRequestsPerMinute),
		perSecond: float64(cfg.MaxRequestsPerMinute) / 60,
		keyHeader: cfg.KeyHeader,
		methods:   methods,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(rl.methods) > 0 && !rl.methods[c.Method()] {
			return c.Next()
		}

		key := c.IP()
		if client := c.Get(rl.keyHeader); client != "" {
			key = client
		}

		ok, remaining, wait := rl.take(key)
		c.Set("X-RateLimit-Limit", strconv.Itoa(int(rl.burst)))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !ok {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Path()),
			)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

// take spends one token for key. When none is left it reports how long
// until the next one.
func (rl *RateLimiter) take(key string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, seen: now}
		rl.buckets[key] = b
	}

	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.seen).Seconds()*rl.perSecond)
	b.seen = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / rl.perSecond * float64(time.Second))
		return false, 0, wait
	}
	b.tokens--
	return true, int(b.tokens), 0
}

func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < idleTTL {
		return
	}
	for key, b := range rl.buckets {
		if now.Sub(b.seen) > idleTTL {
			delete(rl.buckets, key)
		}
	}
	rl.lastSweep = now
}
