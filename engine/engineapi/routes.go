package engineapi

import (
	"github.com/gofiber/fiber/v2"
)

type Routes struct {
	handler *Handler
}

func NewRoutes(handler *Handler) *Routes {
	return &Routes{handler: handler}
}

func (r *Routes) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api")

	conversations := api.Group("/conversations")
	conversations.Post("/:id/triggers", r.handler.Advance)
	conversations.Post("/:id/reset", r.handler.Reset)
	conversations.Get("/:id", r.handler.GetConversation)
	conversations.Get("/:id/steps", r.handler.ListSteps)

	flows := api.Group("/flows")
	flows.Post("/validate", r.handler.ValidateFlow)
	if r.handler.flows != nil {
		flows.Post("/", r.handler.SaveFlow)
		flows.Get("/:flowId/versions", r.handler.ListFlowVersions)
	}

	// Signed by engine/callback, no other auth
	if r.handler.callbacks != nil {
		app.Post("/callbacks/:token", r.handler.Callback)
	}
}
