// Package whatsapp delivers flow messages through the WhatsApp Cloud API and
// turns its webhooks into triggers.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

const (
	whatsappAPIBaseURL = "https://graph.facebook.com"
	defaultAPIVersion  = "v24.0"
)

// Sender implements engine.MessageSender for the WhatsApp Business API
type Sender struct {
	config     config.WhatsAppConfig
	httpClient *http.Client
	apiURL     string
	clock      engine.Clock
}

var _ engine.MessageSender = (*Sender)(nil)

func NewSender(cfg config.WhatsAppConfig) (*Sender, error) {
	if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
		return nil, ErrNotConfigured().WithDetail("reason", "phone number id and access token are required")
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = whatsappAPIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Sender{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     fmt.Sprintf("%s/%s/%s", baseURL, apiVersion, cfg.PhoneNumberID),
		clock:      engine.SystemClock{},
	}, nil
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send delivers one outbound message to the contact's phone.
func (s *Sender) Send(ctx context.Context, id kernel.ConversationID, contact engine.Contact, msg engine.OutboundMessage) (*engine.DeliveryReceipt, error) {
	to := contact.Phone
	if to == "" {
		to = id.String()
	}
	to = strings.TrimPrefix(to, "+")
	if to == "" {
		return nil, ErrInvalidRecipient().WithDetail("conversation_id", id.String())
	}

	payload, err := buildMessagePayload(to, msg)
	if err != nil {
		return nil, err
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, ErrInvalidMessageFormat().WithDetail("error", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, ErrMessageSendFailed().WithDetail("error", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+s.config.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, ErrMessageSendFailed().WithDetail("error", err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrProviderRateLimited().WithDetail("response", string(body))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		log.Printf("❌ WhatsApp API Error - Status: %d, Body: %s", resp.StatusCode, string(body))
		return nil, ErrMessageSendFailed().
			WithDetail("status", resp.StatusCode).
			WithDetail("response", string(body))
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil || len(out.Messages) == 0 {
		return nil, ErrMessageSendFailed().WithDetail("response", string(body))
	}

	log.Printf("✅ WhatsApp %s message %s sent to conversation %s", msg.Type, out.Messages[0].ID, id)
	return &engine.DeliveryReceipt{
		MessageID: out.Messages[0].ID,
		Status:    "accepted",
		SentAt:    s.clock.Now(),
	}, nil
}

// buildMessagePayload builds the Cloud API payload for each outbound type
func buildMessagePayload(to string, msg engine.OutboundMessage) (map[string]any, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}

	switch msg.Type {
	case engine.OutboundText:
		payload["type"] = "text"
		payload["text"] = map[string]any{
			"body":        msg.Text,
			"preview_url": msg.PreviewURL,
		}

	case engine.OutboundTemplate:
		if msg.Template == nil {
			return nil, ErrInvalidMessageFormat().WithDetail("reason", "template message without template")
		}
		payload["type"] = "template"
		payload["template"] = buildTemplatePayload(msg.Template)

	case engine.OutboundMedia:
		if msg.Media == nil {
			return nil, ErrInvalidMessageFormat().WithDetail("reason", "media message without media")
		}
		media := map[string]any{"link": msg.Media.URL}
		if msg.Media.Caption != "" && msg.Media.Type != "audio" {
			media["caption"] = msg.Media.Caption
		}
		if msg.Media.Filename != "" && msg.Media.Type == "document" {
			media["filename"] = msg.Media.Filename
		}
		payload["type"] = msg.Media.Type
		payload[msg.Media.Type] = media

	case engine.OutboundButtons:
		if msg.Interactive == nil {
			return nil, ErrInvalidMessageFormat().WithDetail("reason", "buttons message without body")
		}
		buttons := make([]map[string]any, 0, len(msg.Interactive.Buttons))
		for _, b := range msg.Interactive.Buttons {
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": map[string]any{"id": b.ID, "title": b.Title},
			})
		}
		payload["type"] = "interactive"
		payload["interactive"] = interactive("button", msg.Interactive, map[string]any{"buttons": buttons})

	case engine.OutboundList:
		if msg.Interactive == nil {
			return nil, ErrInvalidMessageFormat().WithDetail("reason", "list message without body")
		}
		sections := make([]map[string]any, 0, len(msg.Interactive.Sections))
		for _, sec := range msg.Interactive.Sections {
			rows := make([]map[string]any, 0, len(sec.Rows))
			for _, r := range sec.Rows {
				row := map[string]any{"id": r.ID, "title": r.Title}
				if r.Description != "" {
					row["description"] = r.Description
				}
				rows = append(rows, row)
			}
			sections = append(sections, map[string]any{"title": sec.Title, "rows": rows})
		}
		payload["type"] = "interactive"
		payload["interactive"] = interactive("list", msg.Interactive, map[string]any{
			"button":   msg.Interactive.ButtonText,
			"sections": sections,
		})

	default:
		return nil, ErrInvalidMessageFormat().WithDetail("type", string(msg.Type))
	}

	return payload, nil
}

func interactive(kind string, m *engine.InteractiveMessage, action map[string]any) map[string]any {
	out := map[string]any{
		"type":   kind,
		"body":   map[string]any{"text": m.Body},
		"action": action,
	}
	if m.Header != "" {
		out["header"] = map[string]any{"type": "text", "text": m.Header}
	}
	if m.Footer != "" {
		out["footer"] = map[string]any{"text": m.Footer}
	}
	return out
}

// buildTemplatePayload builds template message payload
func buildTemplatePayload(t *engine.TemplateMessage) map[string]any {
	lang := t.Language
	if lang == "" {
		lang = "en"
	}
	template := map[string]any{
		"name":     t.Name,
		"language": map[string]string{"code": lang},
	}

	if len(t.Params) > 0 {
		parameters := make([]map[string]any, 0, len(t.Params))
		for _, value := range t.Params {
			parameters = append(parameters, map[string]any{
				"type": "text",
				"text": value,
			})
		}
		template["components"] = []map[string]any{{
			"type":       "body",
			"parameters": parameters,
		}}
	}

	return template
}
