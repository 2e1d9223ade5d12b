package engineinfra

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// ============================================================================
// Effect sink
// ============================================================================

// LogEffectSink logs action effects. Used when no downstream consumer is
// configured.
type LogEffectSink struct{}

var _ engine.EffectSink = LogEffectSink{}

func (LogEffectSink) Publish(ctx context.Context, id kernel.ConversationID, effects []engine.Effect) error {
	for _, e := range effects {
		log.Printf("📤 Effect %s from node %s (conversation %s): %v", e.Type, e.NodeID, id, e.Payload)
	}
	return nil
}

// ============================================================================
// Recording sender
// ============================================================================

// RecordingSender keeps every message it is asked to send. flowctl simulate
// prints them; tests assert on them.
type RecordingSender struct {
	mu   sync.Mutex
	sent []SentMessage
	seq  int
}

type SentMessage struct {
	ConversationID kernel.ConversationID
	Contact        engine.Contact
	Message        engine.OutboundMessage
}

var _ engine.MessageSender = (*RecordingSender)(nil)

func NewRecordingSender() *RecordingSender {
	return &RecordingSender{}
}

func (s *RecordingSender) Send(ctx context.Context, id kernel.ConversationID, contact engine.Contact, msg engine.OutboundMessage) (*engine.DeliveryReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.sent = append(s.sent, SentMessage{ConversationID: id, Contact: contact, Message: msg})
	return &engine.DeliveryReceipt{MessageID: fmt.Sprintf("local-%d", s.seq), Status: "sent"}, nil
}

// Sent returns a copy of the messages recorded so far.
func (s *RecordingSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// Drain returns the recorded messages and forgets them.
func (s *RecordingSender) Drain() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}
