package kernel

import "context"

// ============================================================================
// Context Keys - Claves para context.Context
// ============================================================================

type ContextKey string

const (
	// RequestIDKey es la clave para almacenar el ID de la petición
	RequestIDKey ContextKey = "request_id"

	// ConversationKey guarda el ConversationID que se está avanzando
	ConversationKey ContextKey = "conversation_id"
)

// ConversationFrom devuelve el ConversationID guardado en el contexto, si existe
func ConversationFrom(ctx context.Context) ConversationID {
	if v, ok := ctx.Value(ConversationKey).(ConversationID); ok {
		return v
	}
	return ""
}

// WithConversation adjunta el ConversationID al contexto
func WithConversation(ctx context.Context, id ConversationID) context.Context {
	return context.WithValue(ctx, ConversationKey, id)
}
