package flowexec

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Abraxas-365/relayflow/engine"
)

// deliver runs after a successful persist. Delivery failures are logged and
// reported as warnings; the persisted state is never rolled back.
func (r *run) deliver(ctx context.Context) {
	st := r.state
	deps := r.s.deps
	id := st.ConversationID

	r.syncTimers(ctx)

	if deps.Sender != nil {
		for _, msg := range r.result.Outbound {
			if msg.FreeForm() && !deps.Window.CanSendFreeform(st) {
				r.warn(fmt.Sprintf("%s message from node %s not sent: session window closed", msg.Type, msg.NodeID))
				log.Printf("⚠️  Session window closed for conversation %s, %s message skipped", id, msg.Type)
				continue
			}
			if _, err := deps.Sender.Send(ctx, id, st.Contact, msg); err != nil {
				r.warn(fmt.Sprintf("send from node %s failed: %v", msg.NodeID, err))
				log.Printf("❌ Failed to send %s message for conversation %s: %v", msg.Type, id, err)
			}
		}
	}

	if deps.Effects != nil && len(r.result.Effects) > 0 {
		if err := deps.Effects.Publish(ctx, id, r.result.Effects); err != nil {
			log.Printf("❌ Failed to publish %d effects for conversation %s: %v", len(r.result.Effects), id, err)
		}
	}

	if len(r.result.Steps) == 0 {
		return
	}
	if deps.Steps != nil {
		if err := deps.Steps.Append(ctx, r.result.Steps); err != nil {
			log.Printf("❌ Failed to append %d steps for conversation %s: %v", len(r.result.Steps), id, err)
		}
	}
	if deps.Archiver != nil {
		if err := deps.Archiver.Archive(ctx, id, r.result.Steps); err != nil {
			log.Printf("⚠️  Failed to archive steps for conversation %s: %v", id, err)
		}
	}
}

// syncTimers cancels the timer of an await that went away and schedules the
// one of the new await. An await re-suspended under the same id keeps its
// timer.
func (r *run) syncTimers(ctx context.Context) {
	timers := r.s.deps.Timers
	if timers == nil {
		return
	}
	prev, next := r.prevAwait, r.state.Awaiting
	id := r.state.ConversationID

	if prev != nil && prev.Deadline != nil && !r.prevFired && (next == nil || next.ID != prev.ID) {
		if err := timers.Cancel(ctx, prev.ID); err != nil {
			log.Printf("⚠️  Failed to cancel timer %s: %v", prev.ID, err)
		}
	}
	if next != nil && next.Deadline != nil && (prev == nil || next.ID != prev.ID) {
		err := timers.Schedule(ctx, engine.Timer{ConversationID: id, AwaitingID: next.ID, Deadline: *next.Deadline})
		if err != nil {
			r.warn(fmt.Sprintf("timer for %s not scheduled: %v", next.NodeID, err))
			log.Printf("❌ Failed to schedule timer %s for conversation %s: %v", next.ID, id, err)
			return
		}
		log.Printf("⏰ Timer %s scheduled for %s", next.ID, next.Deadline.Format(time.DateTime))
	}
}
