package whatsapp

import (
	"context"
	"log"
	"net/http"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/gofiber/fiber/v2"
)

// SubmitFunc queues a trigger without waiting for it to run. It may wait for
// room when the conversation mailbox is full.
type SubmitFunc func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) error

// WebhookHandler handles WhatsApp webhook operations
type WebhookHandler struct {
	config config.WhatsAppConfig
	submit SubmitFunc
}

func NewWebhookHandler(cfg config.WhatsAppConfig, submit SubmitFunc) *WebhookHandler {
	return &WebhookHandler{config: cfg, submit: submit}
}

// VerifyWebhook handles Meta's webhook verification challenge
// GET /webhooks/whatsapp
func (h *WebhookHandler) VerifyWebhook(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && h.config.VerifyToken != "" && token == h.config.VerifyToken {
		log.Println("✅ WhatsApp webhook verified")
		return c.SendString(challenge)
	}

	log.Println("❌ WhatsApp webhook verification failed")
	return fiber.NewError(http.StatusForbidden, "Verification failed")
}

// ReceiveWebhook queues every customer message as an InboundMessage trigger
// POST /webhooks/whatsapp
func (h *WebhookHandler) ReceiveWebhook(c *fiber.Ctx) error {
	body := c.Body()

	if err := VerifySignature(h.config.AppSecret, body, c.Get("X-Hub-Signature-256")); err != nil {
		log.Printf("🔐 Rejected WhatsApp webhook: %v", err)
		return err
	}

	inbound, statuses, err := ParseWebhook(body)
	if err != nil {
		log.Printf("❌ Failed to parse webhook: %v", err)
		// Return 200 to prevent Meta from retrying
		return c.SendStatus(fiber.StatusOK)
	}

	for _, st := range statuses {
		log.Printf("📬 Message %s to %s is %s", st.ID, st.RecipientID, st.Status)
	}

	// Triggers outlive the request
	ctx := context.Background()
	for _, in := range inbound {
		log.Printf("📥 WhatsApp message %s from conversation %s", in.Trigger.MessageID, in.ConversationID)
		if err := h.submit(ctx, in.ConversationID, in.Trigger); err != nil {
			log.Printf("❌ Failed to queue message %s: %v", in.Trigger.MessageID, err)
		}
	}

	return c.SendStatus(fiber.StatusOK)
}

type WebhookRoutes struct {
	handler *WebhookHandler
}

func NewWebhookRoutes(handler *WebhookHandler) *WebhookRoutes {
	return &WebhookRoutes{handler: handler}
}

func (wr *WebhookRoutes) RegisterRoutes(app *fiber.App) {
	webhooks := app.Group("/webhooks/whatsapp")
	webhooks.Get("/", wr.handler.VerifyWebhook)
	webhooks.Post("/", wr.handler.ReceiveWebhook)
}
