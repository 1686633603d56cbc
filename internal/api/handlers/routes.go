package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func RegisterRoutes(app fiber.Router, jobs *JobHandler) {
	api := app.Group("/api/v1")

	api.Get("/health", jobs.HealthCheck)

	api.Post("/uploads", jobs.UploadImages)

	api.Post("/jobs", jobs.CreateJob)
	api.Get("/jobs", jobs.ListJobs)
	api.Get("/jobs/:id", jobs.GetJob)
	api.Post("/jobs/:id/run", jobs.RunJob)
	api.Get("/jobs/:id/progress", jobs.GetProgress)
	api.Get("/jobs/:id/report", jobs.GetReport)
	api.Get("/jobs/:id/images/:imageId/detections", jobs.GetDetections)
	api.Get("/jobs/:id/images/:imageId/annotated", jobs.GetAnnotated)
}

// RegisterWebSocket mounts the progress stream at /ws/jobs/:id.
func RegisterWebSocket(app fiber.Router, ws *WebSocketHandler) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:id", websocket.New(ws.HandleConnection))
}
