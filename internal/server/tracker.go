package server

import (
	"sort"
	"sync"
)

// obligation is one event's remaining delivery debt: the serialized frame
// and the sessions that have not yet acknowledged it.
type obligation struct {
	frame    []byte
	sessions map[string]struct{}
}

// Tracker records which live sessions are still owed a copy of each event.
// The owed set is fixed at fan-out time, before any send is attempted, and
// only shrinks: through acknowledgments or through session teardown.
type Tracker struct {
	mu   sync.Mutex
	owed map[int64]*obligation
}

// NewTracker initializes an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{owed: make(map[int64]*obligation)}
}

// MarkAffected fixes the owed set for an event. Called once per event,
// right after targets are resolved.
func (t *Tracker) MarkAffected(eventID int64, sessionIDs []string, frame []byte) {
	if len(sessionIDs) == 0 {
		return
	}
	sessions := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		if id != "" {
			sessions[id] = struct{}{}
		}
	}
	if len(sessions) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.owed[eventID] = &obligation{frame: frame, sessions: sessions}
}

// Acknowledge retires one session's debt for an event. Acknowledging an
// unknown event or an already-served session is a no-op, not an error.
func (t *Tracker) Acknowledge(eventID int64, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ob, ok := t.owed[eventID]
	if !ok {
		return
	}
	delete(ob.sessions, sessionID)
	if len(ob.sessions) == 0 {
		delete(t.owed, eventID)
	}
}

// PurgeSession drops every obligation owed to a session. Called on
// disconnect: an absent connection cannot owe anything, and redelivery goes
// through the catch-up path instead.
func (t *Tracker) PurgeSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for eventID, ob := range t.owed {
		delete(ob.sessions, sessionID)
		if len(ob.sessions) == 0 {
			delete(t.owed, eventID)
		}
	}
}

// Pending lists the sessions still owed an event, sorted for determinism.
func (t *Tracker) Pending(eventID int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ob, ok := t.owed[eventID]
	if !ok {
		return nil
	}
	sessions := make([]string, 0, len(ob.sessions))
	for id := range ob.sessions {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)
	return sessions
}

// OwedFrames returns the serialized frames a session has not acknowledged,
// ascending by event id, for replay after a re-handshake on the same
// connection.
func (t *Tracker) OwedFrames(sessionID string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int64
	for eventID, ob := range t.owed {
		if _, ok := ob.sessions[sessionID]; ok {
			ids = append(ids, eventID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	frames := make([][]byte, 0, len(ids))
	for _, eventID := range ids {
		frames = append(frames, t.owed[eventID].frame)
	}
	return frames
}
