package membership

import (
	"sort"
	"time"
)

// Sweep moves every peer that has been Suspected for at least
// SuspicionTimeout to Left and returns the resulting events. Peers only reach
// Left through Suspected here, so in-flight retries get their chance first.
func (r *Registry) Sweep(now time.Time) []Event {
	r.mu.Lock()
	var evs []Event
	for _, m := range r.peers {
		if m.State == StateSuspected && now.Sub(m.Since) >= r.cfg.SuspicionTimeout {
			evs = append(evs, r.transition(m, StateLeft, now))
		}
	}
	r.mu.Unlock()

	sortEvents(evs)
	r.notify(evs...)
	return evs
}

// Prune forgets peers that have been Left for at least retention and returns
// their IDs. Watchers see one Removed event per pruned peer.
func (r *Registry) Prune(now time.Time, retention time.Duration) []NodeID {
	r.mu.Lock()
	var evs []Event
	for id, m := range r.peers {
		if m.State == StateLeft && now.Sub(m.Since) >= retention {
			evs = append(evs, Event{Member: *m, Previous: StateLeft, At: now, Removed: true})
			delete(r.peers, id)
		}
	}
	r.mu.Unlock()

	sortEvents(evs)
	r.notify(evs...)
	ids := make([]NodeID, len(evs))
	for i, ev := range evs {
		ids[i] = ev.Member.ID
	}
	return ids
}

func sortEvents(evs []Event) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].Member.ID < evs[j].Member.ID })
}
