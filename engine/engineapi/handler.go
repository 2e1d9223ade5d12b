// Package engineapi exposes the flow runtime over HTTP.
package engineapi

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/Abraxas-365/craftable/storex"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/gofiber/fiber/v2"
)

// Advancer runs a trigger for a conversation and waits for the result.
type Advancer interface {
	Do(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error)
}

// Resetter aborts whatever a conversation is doing.
type Resetter interface {
	ForceReset(ctx context.Context, id kernel.ConversationID) error
}

// CallbackVerifier resolves a callback token into its conversation and call.
type CallbackVerifier interface {
	Verify(token string) (kernel.ConversationID, kernel.CallID, error)
}

// FlowInvalidator drops cached graphs of a flow after it is saved.
type FlowInvalidator interface {
	Invalidate(id kernel.FlowID)
}

type Handler struct {
	advancer      Advancer
	resetter      Resetter
	conversations engine.ConversationRepository
	steps         engine.StepRepository
	flows         flow.Repository
	cache         FlowInvalidator
	callbacks     CallbackVerifier
}

type Deps struct {
	Advancer      Advancer
	Resetter      Resetter
	Conversations engine.ConversationRepository
	Steps         engine.StepRepository
	Flows         flow.Repository
	Cache         FlowInvalidator
	Callbacks     CallbackVerifier
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		advancer:      deps.Advancer,
		resetter:      deps.Resetter,
		conversations: deps.Conversations,
		steps:         deps.Steps,
		flows:         deps.Flows,
		cache:         deps.Cache,
		callbacks:     deps.Callbacks,
	}
}

// ============================================================================
// Conversations
// ============================================================================

// Advance runs a trigger for the conversation
// POST /api/conversations/:id/triggers
func (h *Handler) Advance(c *fiber.Ctx) error {
	id := kernel.ConversationID(c.Params("id"))

	var env engine.TriggerEnvelope
	if err := c.BodyParser(&env); err != nil {
		return engine.ErrInvalidTrigger().WithDetail("error", err.Error())
	}
	tr, err := engine.DecodeTrigger(env)
	if err != nil {
		return err
	}

	log.Printf("📥 Trigger %s for conversation %s", tr.Kind(), id)

	res, err := h.advancer.Do(c.UserContext(), id, tr)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Reset aborts the running flow
// POST /api/conversations/:id/reset
func (h *Handler) Reset(c *fiber.Ctx) error {
	id := kernel.ConversationID(c.Params("id"))
	if err := h.resetter.ForceReset(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"status":          "reset",
		"conversation_id": id.String(),
	})
}

// GetConversation returns the stored state
// GET /api/conversations/:id
func (h *Handler) GetConversation(c *fiber.Ctx) error {
	state, err := h.conversations.Load(c.UserContext(), kernel.ConversationID(c.Params("id")))
	if err != nil {
		return err
	}
	return c.JSON(state)
}

// ListSteps returns the audit trail, oldest first
// GET /api/conversations/:id/steps?page=1&page_size=50
func (h *Handler) ListSteps(c *fiber.Ctx) error {
	opts := storex.PaginationOptions{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 50),
	}
	steps, err := h.steps.List(c.UserContext(), kernel.ConversationID(c.Params("id")), opts)
	if err != nil {
		return err
	}
	return c.JSON(steps)
}

// ============================================================================
// Flows
// ============================================================================

// ValidateFlow reports every issue of a flow definition without storing it.
// YAML bodies are accepted when the content type says so.
// POST /api/flows/validate
func (h *Handler) ValidateFlow(c *fiber.Ctx) error {
	data, err := definitionJSON(c)
	if err != nil {
		return err
	}
	g, issues, err := flow.Inspect(data)
	if err != nil {
		return err
	}
	if issues == nil {
		issues = []flow.Issue{}
	}
	return c.JSON(fiber.Map{
		"valid":   len(issues) == 0,
		"flow_id": g.ID.String(),
		"version": g.Version,
		"issues":  issues,
	})
}

// SaveFlow stores a new flow version
// POST /api/flows
func (h *Handler) SaveFlow(c *fiber.Ctx) error {
	data, err := definitionJSON(c)
	if err != nil {
		return err
	}
	g, err := flow.Parse(data)
	if err != nil {
		return err
	}
	if err := h.flows.Save(c.UserContext(), g); err != nil {
		return err
	}
	if h.cache != nil {
		h.cache.Invalidate(g.ID)
	}
	log.Printf("✅ Flow %s v%d saved", g.ID, g.Version)
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"flow_id": g.ID.String(),
		"version": g.Version,
	})
}

// ListFlowVersions
// GET /api/flows/:flowId/versions
func (h *Handler) ListFlowVersions(c *fiber.Ctx) error {
	id := kernel.FlowID(c.Params("flowId"))
	versions, err := h.flows.ListVersions(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"flow_id":  id.String(),
		"versions": versions,
	})
}

func definitionJSON(c *fiber.Ctx) ([]byte, error) {
	body := c.Body()
	ct := strings.ToLower(c.Get(fiber.HeaderContentType))
	if !strings.Contains(ct, "yaml") {
		return body, nil
	}
	return flow.YAMLToJSON(body)
}

// ============================================================================
// Async callbacks
// ============================================================================

type callbackBody struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
}

// Callback delivers the result of an async call
// POST /callbacks/:token
func (h *Handler) Callback(c *fiber.Ctx) error {
	id, call, err := h.callbacks.Verify(c.Params("token"))
	if err != nil {
		log.Printf("🔐 Rejected callback: %v", err)
		return err
	}

	var body callbackBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return engine.ErrInvalidTrigger().WithDetail("error", err.Error())
		}
	}

	tr := engine.AsyncCallCompleted{CallID: call, Result: body.Result, Error: body.Error}
	log.Printf("📥 Callback for call %s (conversation %s)", call, id)

	res, err := h.advancer.Do(c.UserContext(), id, tr)
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(res)
}
