package whatsapp

import (
	"net/http"

	"github.com/Abraxas-365/craftable/errx"
)

var ErrRegistry = errx.NewRegistry("CHANNEL")

var (
	CodeNotConfigured           = ErrRegistry.Register("NOT_CONFIGURED", errx.TypeValidation, http.StatusBadRequest, "Canal de WhatsApp no configurado")
	CodeInvalidRecipient        = ErrRegistry.Register("INVALID_RECIPIENT", errx.TypeValidation, http.StatusBadRequest, "Destinatario inválido")
	CodeInvalidMessageFormat    = ErrRegistry.Register("INVALID_MESSAGE_FORMAT", errx.TypeValidation, http.StatusBadRequest, "Formato de mensaje inválido")
	CodeMessageSendFailed       = ErrRegistry.Register("MESSAGE_SEND_FAILED", errx.TypeExternal, http.StatusBadGateway, "Envío de mensaje falló")
	CodeProviderRateLimited     = ErrRegistry.Register("PROVIDER_RATE_LIMITED", errx.TypeExternal, http.StatusTooManyRequests, "Proveedor limitó la tasa de requests")
	CodeInvalidWebhookSignature = ErrRegistry.Register("INVALID_WEBHOOK_SIGNATURE", errx.TypeAuthorization, http.StatusUnauthorized, "Firma de webhook inválida")
	CodeMalformedWebhook        = ErrRegistry.Register("MALFORMED_WEBHOOK", errx.TypeValidation, http.StatusBadRequest, "Webhook mal formado")
)

func ErrNotConfigured() *errx.Error {
	return ErrRegistry.New(CodeNotConfigured)
}

func ErrInvalidRecipient() *errx.Error {
	return ErrRegistry.New(CodeInvalidRecipient)
}

func ErrInvalidMessageFormat() *errx.Error {
	return ErrRegistry.New(CodeInvalidMessageFormat)
}

func ErrMessageSendFailed() *errx.Error {
	return ErrRegistry.New(CodeMessageSendFailed)
}

func ErrProviderRateLimited() *errx.Error {
	return ErrRegistry.New(CodeProviderRateLimited)
}

func ErrInvalidWebhookSignature() *errx.Error {
	return ErrRegistry.New(CodeInvalidWebhookSignature)
}

func ErrMalformedWebhook() *errx.Error {
	return ErrRegistry.New(CodeMalformedWebhook)
}
