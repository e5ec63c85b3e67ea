package server

import (
	"log"

	"github.com/stueble-dev/stueble/internal/protocol"
	"github.com/stueble-dev/stueble/internal/storage"
)

// Fanout pushes durably recorded distribution events to matching live
// connections and fixes the delivery obligations before the first send.
type Fanout struct {
	registry *Registry
	tracker  *Tracker
}

// NewFanout wires the fan-out path.
func NewFanout(registry *Registry, tracker *Tracker) *Fanout {
	return &Fanout{registry: registry, tracker: tracker}
}

// Dispatch resolves targets, records the owed set, then sends. Targets are
// resolved under the registry lock but sends happen after it is released,
// so one slow socket cannot stall delivery to the rest. A full send buffer
// is not retried here; the obligation stays recorded and the client
// recovers through catch-up.
func (f *Fanout) Dispatch(event *storage.DistributionEvent) {
	if event == nil {
		return
	}

	targets := f.registry.ResolveTargets(event.Visibility, event.ExcludeSessionID)
	if len(targets) == 0 {
		return
	}

	eventID := event.ID
	data, err := protocol.Marshal(protocol.Outbound{
		Event: string(event.Action),
		ResID: &eventID,
		Data:  event.Payload,
	})
	if err != nil {
		log.Printf("fanout: encode event %d: %v", event.ID, err)
		return
	}

	sessionIDs := make([]string, 0, len(targets))
	for _, c := range targets {
		sessionIDs = append(sessionIDs, c.session())
	}
	f.tracker.MarkAffected(event.ID, sessionIDs, data)

	for _, c := range targets {
		if !c.send(data) {
			log.Printf("fanout: send buffer full for session %s, event %d deferred to catch-up", c.session(), event.ID)
		}
	}
}
