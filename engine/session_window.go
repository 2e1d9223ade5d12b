package engine

import "time"

// DefaultSessionWindow is the provider's free-form messaging window.
const DefaultSessionWindow = 24 * time.Hour

// SessionWindow decides whether free-form messages may be sent.
type SessionWindow struct {
	Length time.Duration
	Clock  Clock
}

func NewSessionWindow(length time.Duration, clock Clock) SessionWindow {
	if length <= 0 {
		length = DefaultSessionWindow
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return SessionWindow{Length: length, Clock: clock}
}

// CanSendFreeform reports now - LastCustomerMessageAt < Length. A customer
// who never wrote has no open window.
func (w SessionWindow) CanSendFreeform(state *ConversationState) bool {
	return w.OpenAt(state, w.Clock.Now())
}

// OpenAt is CanSendFreeform evaluated at a given instant.
func (w SessionWindow) OpenAt(state *ConversationState, at time.Time) bool {
	if state == nil || state.LastCustomerMessageAt == nil {
		return false
	}
	return at.Sub(*state.LastCustomerMessageAt) < w.Length
}

// ClosesAt returns when the window closes, or the zero time if it never opened.
func (w SessionWindow) ClosesAt(state *ConversationState) time.Time {
	if state == nil || state.LastCustomerMessageAt == nil {
		return time.Time{}
	}
	return state.LastCustomerMessageAt.Add(w.Length)
}
