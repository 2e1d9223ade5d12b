package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// WhatsApp webhook structures
type Webhook struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Value WebhookValue `json:"value"`
	Field string       `json:"field"`
}

type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         WebhookMetadata  `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts"`
	Messages         []WebhookMessage `json:"messages"`
	Statuses         []WebhookStatus  `json:"statuses"`
}

type WebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type WebhookMessage struct {
	ID          kernel.MessageID    `json:"id"`
	From        string              `json:"from"`
	Timestamp   int64               `json:"timestamp,string"`
	Type        string              `json:"type"`
	Text        *WebhookText        `json:"text,omitempty"`
	Image       *WebhookMedia       `json:"image,omitempty"`
	Document    *WebhookMedia       `json:"document,omitempty"`
	Audio       *WebhookMedia       `json:"audio,omitempty"`
	Video       *WebhookMedia       `json:"video,omitempty"`
	Interactive *WebhookInteractive `json:"interactive,omitempty"`
	Button      *WebhookButton      `json:"button,omitempty"`
}

type WebhookText struct {
	Body string `json:"body"`
}

type WebhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption,omitempty"`
}

type WebhookInteractive struct {
	Type        string         `json:"type"`
	ButtonReply *WebhookChoice `json:"button_reply,omitempty"`
	ListReply   *WebhookChoice `json:"list_reply,omitempty"`
}

type WebhookChoice struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// WebhookButton is the quick-reply button of a template message.
type WebhookButton struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

type WebhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp,string"`
	RecipientID string `json:"recipient_id"`
}

// Inbound is one customer message addressed to a conversation. The
// conversation id is the customer's WhatsApp id.
type Inbound struct {
	ConversationID kernel.ConversationID
	Trigger        engine.InboundMessage
}

// VerifySignature checks the X-Hub-Signature-256 header against the app
// secret. An empty secret disables the check.
func VerifySignature(appSecret string, payload []byte, signature string) error {
	if appSecret == "" {
		return nil
	}
	if signature == "" {
		return ErrInvalidWebhookSignature()
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidWebhookSignature()
	}
	return nil
}

// ParseWebhook extracts customer messages and delivery statuses.
func ParseWebhook(payload []byte) ([]Inbound, []WebhookStatus, error) {
	var webhook Webhook
	if err := json.Unmarshal(payload, &webhook); err != nil {
		return nil, nil, ErrMalformedWebhook().WithDetail("error", err.Error())
	}

	var (
		inbound  []Inbound
		statuses []WebhookStatus
	)
	for _, entry := range webhook.Entry {
		for _, change := range entry.Changes {
			if change.Value.MessagingProduct != "whatsapp" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				inbound = append(inbound, toInbound(msg, names[msg.From]))
			}
			statuses = append(statuses, change.Value.Statuses...)
		}
	}
	return inbound, statuses, nil
}

func toInbound(msg WebhookMessage, name string) Inbound {
	raw := map[string]any{
		"whatsapp_message_id": msg.ID.String(),
		"type":                msg.Type,
	}
	if title := choiceTitle(msg); title != "" {
		raw["title"] = title
	}
	if media := mediaOf(msg); media != nil {
		raw["media_id"] = media.ID
		raw["mime_type"] = media.MimeType
	}

	return Inbound{
		ConversationID: kernel.ConversationID(msg.From),
		Trigger: engine.InboundMessage{
			MessageID:  msg.ID,
			Text:       extractText(msg),
			Raw:        raw,
			ReceivedAt: time.Unix(msg.Timestamp, 0).UTC(),
			Contact:    &engine.Contact{Phone: "+" + msg.From, Name: name},
		},
	}
}

// extractText extracts text from message. Interactive replies carry the
// choice id so questions match it directly.
func extractText(msg WebhookMessage) string {
	switch {
	case msg.Text != nil:
		return msg.Text.Body
	case msg.Interactive != nil && msg.Interactive.ButtonReply != nil:
		return msg.Interactive.ButtonReply.ID
	case msg.Interactive != nil && msg.Interactive.ListReply != nil:
		return msg.Interactive.ListReply.ID
	case msg.Button != nil:
		if msg.Button.Payload != "" {
			return msg.Button.Payload
		}
		return msg.Button.Text
	}
	if media := mediaOf(msg); media != nil {
		return media.Caption
	}
	return ""
}

func choiceTitle(msg WebhookMessage) string {
	if msg.Interactive == nil {
		return ""
	}
	if msg.Interactive.ButtonReply != nil {
		return msg.Interactive.ButtonReply.Title
	}
	if msg.Interactive.ListReply != nil {
		return msg.Interactive.ListReply.Title
	}
	return ""
}

func mediaOf(msg WebhookMessage) *WebhookMedia {
	switch {
	case msg.Image != nil:
		return msg.Image
	case msg.Document != nil:
		return msg.Document
	case msg.Audio != nil:
		return msg.Audio
	case msg.Video != nil:
		return msg.Video
	}
	return nil
}
