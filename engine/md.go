package trdpengine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/trdpsim/stack"
	"github.com/c360/trdpsim/telegram"
)

// mdRequestState supervises one outstanding MD request session: how many
// replies are still owed and whether a confirm is still outstanding.
type mdRequestState struct {
	comID           uint32
	expectedReplies uint32
	receivedReplies uint32
	confirmObserved bool
	sentAt          time.Time
	replyDeadline   time.Time // zero when no reply timeout applies
	confirmDeadline time.Time // zero when no confirm is expected
}

func (s *mdRequestState) satisfied() bool {
	repliesDone := s.expectedReplies == 0 || s.receivedReplies >= s.expectedReplies
	confirmDone := s.confirmObserved || s.confirmDeadline.IsZero()
	return repliesDone && confirmDone
}

// mdTracker indexes in-flight MD request sessions by stack session id.
// It has its own lock because stack receive callbacks register replies
// without touching any other engine state.
type mdTracker struct {
	logger *slog.Logger

	mu     sync.Mutex
	states map[stack.SessionID]*mdRequestState
}

func newMdTracker(logger *slog.Logger) *mdTracker {
	return &mdTracker{
		logger: logger,
		states: make(map[stack.SessionID]*mdRequestState),
	}
}

// track starts supervising a freshly issued request. Requests that expect
// neither replies nor a confirm are fire-and-forget and are not tracked.
func (t *mdTracker) track(id stack.SessionID, def telegram.TelegramDef, now time.Time) {
	if def.ExpectedReplies == 0 && def.ConfirmTimeout == 0 {
		return
	}

	state := &mdRequestState{
		comID:           def.ComID,
		expectedReplies: def.ExpectedReplies,
		confirmObserved: def.ConfirmTimeout == 0,
		sentAt:          now,
	}
	if def.ReplyTimeout > 0 {
		state.replyDeadline = now.Add(def.ReplyTimeout)
	}
	if def.ConfirmTimeout > 0 {
		state.confirmDeadline = now.Add(def.ConfirmTimeout)
	}

	t.mu.Lock()
	t.states[id] = state
	t.mu.Unlock()
}

// registerReply credits an incoming MD packet against its request session.
// Any packet on the session also counts as the confirm. Unknown sessions
// (unsolicited traffic, or sessions already closed) are ignored.
func (t *mdTracker) registerReply(id stack.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[id]
	if !ok {
		return
	}

	state.confirmObserved = true
	if state.expectedReplies > 0 {
		state.receivedReplies++
	}
	if state.satisfied() {
		t.logger.Info("MD session received all expected replies",
			"session", id.String(),
			"comId", state.comID,
			"replies", state.receivedReplies)
		delete(t.states, id)
	}
}

// prune drops sessions whose reply or confirm deadline has passed, logging
// one diagnostic per expired session, and silently drops sessions that
// became satisfied. Returns the number of sessions dropped by timeout.
func (t *mdTracker) prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := 0
	for id, state := range t.states {
		replyExpired := state.expectedReplies > state.receivedReplies &&
			!state.replyDeadline.IsZero() && !now.Before(state.replyDeadline)
		confirmExpired := !state.confirmObserved &&
			!state.confirmDeadline.IsZero() && !now.Before(state.confirmDeadline)

		switch {
		case replyExpired || confirmExpired:
			var parts []string
			if replyExpired {
				missing := state.expectedReplies - state.receivedReplies
				parts = append(parts, fmt.Sprintf("missing %d reply(ies) before timeout", missing))
			}
			if confirmExpired {
				parts = append(parts, "confirm not received before timeout")
			}
			t.logger.Warn("MD session expired: "+strings.Join(parts, "; "),
				"session", id.String(),
				"comId", state.comID)
			delete(t.states, id)
			expired++
		case state.satisfied():
			delete(t.states, id)
		}
	}
	return expired
}

// inFlight returns the number of sessions currently supervised.
func (t *mdTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// clear forgets all sessions, used when the engine stops.
func (t *mdTracker) clear() {
	t.mu.Lock()
	t.states = make(map[stack.SessionID]*mdRequestState)
	t.mu.Unlock()
}
