package engine

import (
	"context"
	"time"

	"github.com/Abraxas-365/craftable/storex"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// ============================================================================
// Repository Interfaces
// ============================================================================

// ConversationRepository persiste el estado de cada conversación con
// control de concurrencia optimista.
type ConversationRepository interface {
	// Load devuelve ErrConversationNotFound si no existe
	Load(ctx context.Context, id kernel.ConversationID) (*ConversationState, error)

	// Save escribe el estado si la versión almacenada sigue siendo
	// state.Version; en caso contrario devuelve ErrStaleConversation.
	// Al guardar, state.Version se incrementa.
	Save(ctx context.Context, state *ConversationState) error
}

// StepRepository guarda el historial de ejecución (append-only)
type StepRepository interface {
	Append(ctx context.Context, steps []ExecutionStep) error
	List(ctx context.Context, id kernel.ConversationID, opts storex.PaginationOptions) (StepListResponse, error)
}

// StepListResponse lista paginada de steps
type StepListResponse = storex.Paginated[ExecutionStep]

// StepArchiver publica los steps en almacenamiento frío
type StepArchiver interface {
	Archive(ctx context.Context, id kernel.ConversationID, steps []ExecutionStep) error
}

// ============================================================================
// Collaborators
// ============================================================================

// MessageSender entrega mensajes al cliente. La confirmación de entrega llega
// después como un evento propio.
type MessageSender interface {
	Send(ctx context.Context, id kernel.ConversationID, contact Contact, msg OutboundMessage) (*DeliveryReceipt, error)
}

// Timer is a scheduled TimerExpired trigger.
type Timer struct {
	ConversationID kernel.ConversationID `json:"conversation_id"`
	AwaitingID     kernel.AwaitID        `json:"awaiting_id"`
	Deadline       time.Time             `json:"deadline"`
}

// TimerScheduler agenda la expiración de un awaiting
type TimerScheduler interface {
	Schedule(ctx context.Context, t Timer) error
	Cancel(ctx context.Context, id kernel.AwaitID) error
}

// EffectSink recibe los efectos de nodos Action después del persist
type EffectSink interface {
	Publish(ctx context.Context, id kernel.ConversationID, effects []Effect) error
}

// CallbackIssuer firma la URL a la que un backend async notifica el resultado
type CallbackIssuer interface {
	CallbackURL(id kernel.ConversationID, call kernel.CallID, ttl time.Duration) (string, error)
}

// ============================================================================
// Clock
// ============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }
