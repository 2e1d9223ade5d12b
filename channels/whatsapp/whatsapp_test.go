package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inboundWebhook = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550000000", "phone_number_id": "PN1"},
        "contacts": [{"wa_id": "5511999990000", "profile": {"name": "Ana"}}],
        "messages": [
          {"id": "wamid.1", "from": "5511999990000", "timestamp": "1767225600", "type": "text", "text": {"body": "oi"}},
          {"id": "wamid.2", "from": "5511999990000", "timestamp": "1767225601", "type": "interactive",
           "interactive": {"type": "button_reply", "button_reply": {"id": "yes", "title": "Sim"}}}
        ],
        "statuses": [{"id": "wamid.0", "status": "delivered", "timestamp": "1767225500", "recipient_id": "5511999990000"}]
      }
    }]
  }]
}`

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestParseWebhook(t *testing.T) {
	inbound, statuses, err := ParseWebhook([]byte(inboundWebhook))
	require.NoError(t, err)
	require.Len(t, inbound, 2)
	require.Len(t, statuses, 1)

	first := inbound[0]
	assert.Equal(t, kernel.ConversationID("5511999990000"), first.ConversationID)
	assert.Equal(t, "oi", first.Trigger.Text)
	assert.Equal(t, kernel.MessageID("wamid.1"), first.Trigger.MessageID)
	require.NotNil(t, first.Trigger.Contact)
	assert.Equal(t, "Ana", first.Trigger.Contact.Name)
	assert.Equal(t, "+5511999990000", first.Trigger.Contact.Phone)
	assert.Equal(t, int64(1767225600), first.Trigger.ReceivedAt.Unix())

	// Button replies carry the choice id.
	assert.Equal(t, "yes", inbound[1].Trigger.Text)
	assert.Equal(t, "Sim", inbound[1].Trigger.Raw["title"])

	assert.Equal(t, "delivered", statuses[0].Status)

	_, _, err = ParseWebhook([]byte("{"))
	assert.True(t, errx.IsType(err, errx.TypeValidation))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(inboundWebhook)

	assert.NoError(t, VerifySignature("", body, ""))
	assert.NoError(t, VerifySignature("app-secret", body, sign("app-secret", body)))
	assert.Error(t, VerifySignature("app-secret", body, ""))
	assert.Error(t, VerifySignature("app-secret", body, sign("other", body)))
}

func TestBuildMessagePayload(t *testing.T) {
	scenarios := map[string]struct {
		msg   engine.OutboundMessage
		check func(t *testing.T, p map[string]any)
	}{
		"text": {
			msg: engine.OutboundMessage{Type: engine.OutboundText, Text: "Olá"},
			check: func(t *testing.T, p map[string]any) {
				assert.Equal(t, "text", p["type"])
				assert.Equal(t, "Olá", p["text"].(map[string]any)["body"])
			},
		},
		"template": {
			msg: engine.OutboundMessage{Type: engine.OutboundTemplate, Template: &engine.TemplateMessage{
				Name: "reengage", Language: "pt_BR", Params: []string{"Ana"},
			}},
			check: func(t *testing.T, p map[string]any) {
				tpl := p["template"].(map[string]any)
				assert.Equal(t, "reengage", tpl["name"])
				assert.Equal(t, map[string]string{"code": "pt_BR"}, tpl["language"])
				assert.Len(t, tpl["components"], 1)
			},
		},
		"image": {
			msg: engine.OutboundMessage{Type: engine.OutboundMedia, Media: &engine.MediaMessage{
				Type: "image", URL: "https://cdn.example.com/a.png", Caption: "menu",
			}},
			check: func(t *testing.T, p map[string]any) {
				assert.Equal(t, "image", p["type"])
				assert.Equal(t, "menu", p["image"].(map[string]any)["caption"])
			},
		},
		"buttons": {
			msg: engine.OutboundMessage{Type: engine.OutboundButtons, Interactive: &engine.InteractiveMessage{
				Body:    "Confirma?",
				Buttons: []flow.Choice{{ID: "yes", Title: "Sim"}, {ID: "no", Title: "Não"}},
			}},
			check: func(t *testing.T, p map[string]any) {
				in := p["interactive"].(map[string]any)
				assert.Equal(t, "button", in["type"])
				assert.Len(t, in["action"].(map[string]any)["buttons"], 2)
			},
		},
		"list": {
			msg: engine.OutboundMessage{Type: engine.OutboundList, Interactive: &engine.InteractiveMessage{
				Body:       "Escolha",
				ButtonText: "Ver opções",
				Sections:   []flow.ListSection{{Title: "Planos", Rows: []flow.Choice{{ID: "a", Title: "A"}}}},
			}},
			check: func(t *testing.T, p map[string]any) {
				in := p["interactive"].(map[string]any)
				assert.Equal(t, "list", in["type"])
				assert.Equal(t, "Ver opções", in["action"].(map[string]any)["button"])
			},
		},
	}

	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			p, err := buildMessagePayload("5511999990000", sc.msg)
			require.NoError(t, err)
			assert.Equal(t, "whatsapp", p["messaging_product"])
			assert.Equal(t, "5511999990000", p["to"])
			sc.check(t, p)
		})
	}

	_, err := buildMessagePayload("1", engine.OutboundMessage{Type: engine.OutboundTemplate})
	assert.True(t, errx.IsType(err, errx.TypeValidation))
}

func TestSenderPostsToCloudAPI(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPath  string
		gotAuth  string
		gotBody  map[string]any
		failWith int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		if failWith != 0 {
			w.WriteHeader(failWith)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	sender, err := NewSender(config.WhatsAppConfig{
		PhoneNumberID: "PN1",
		AccessToken:   "token",
		APIVersion:    "v24.0",
		BaseURL:       srv.URL,
	})
	require.NoError(t, err)

	receipt, err := sender.Send(context.Background(), "5511999990000",
		engine.Contact{Phone: "+5511999990000"},
		engine.OutboundMessage{Type: engine.OutboundText, Text: "oi"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.out", receipt.MessageID)

	mu.Lock()
	assert.Equal(t, "/v24.0/PN1/messages", gotPath)
	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "5511999990000", gotBody["to"])
	failWith = http.StatusTooManyRequests
	mu.Unlock()

	_, err = sender.Send(context.Background(), "5511999990000", engine.Contact{},
		engine.OutboundMessage{Type: engine.OutboundText, Text: "oi"})
	assert.True(t, errx.IsType(err, errx.TypeExternal))

	mu.Lock()
	failWith = http.StatusBadRequest
	mu.Unlock()
	_, err = sender.Send(context.Background(), "5511999990000", engine.Contact{},
		engine.OutboundMessage{Type: engine.OutboundText, Text: "oi"})
	assert.True(t, errx.IsType(err, errx.TypeExternal))
}

func TestNewSenderNeedsCredentials(t *testing.T) {
	_, err := NewSender(config.WhatsAppConfig{PhoneNumberID: "PN1"})
	assert.Error(t, err)
}

type submitted struct {
	id kernel.ConversationID
	tr engine.Trigger
}

func TestWebhookHandlerQueuesMessages(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []submitted
	)
	submit := func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, submitted{id: id, tr: tr})
		return nil
	}

	cfg := config.WhatsAppConfig{AppSecret: "app-secret", VerifyToken: "verify-me"}
	app := fiber.New()
	NewWebhookRoutes(NewWebhookHandler(cfg, submit)).RegisterRoutes(app)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "42", string(raw))

	req = httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body := []byte(inboundWebhook)
	req = httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(inboundWebhook))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mu.Lock()
	require.Len(t, seen, 2)
	assert.Equal(t, kernel.ConversationID("5511999990000"), seen[0].id)
	assert.Equal(t, "oi", seen[0].tr.(engine.InboundMessage).Text)
	mu.Unlock()

	req = httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(inboundWebhook))
	req.Header.Set("X-Hub-Signature-256", sign("forged", body))
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, resp.StatusCode, 400)
}
