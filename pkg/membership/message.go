package membership

import (
	"fmt"
	"time"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
)

// NodeID is re-exported so callers rarely need the envelope package.
type NodeID = envelope.NodeID

type State uint8

const (
	StateJoining State = iota
	StateActive
	StateSuspected
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateSuspected:
		return "suspected"
	case StateLeft:
		return "left"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Member is a snapshot of one peer as seen by the Registry.
type Member struct {
	ID          NodeID
	Addr        string
	State       State
	Failures    int       // consecutive failures since the last success
	LastContact time.Time // zero until the first success
	Since       time.Time // when State was entered
}

// Event describes a single state transition. A newly announced peer reports
// Previous == StateLeft. Removed is set when Prune forgets a Left peer.
type Event struct {
	Member   Member
	Previous State
	At       time.Time
	Removed  bool
}

// Changed reports whether the event moved the peer to a new state.
func (e Event) Changed() bool {
	return e.Member.State != e.Previous
}
