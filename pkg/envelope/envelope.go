package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// NodeID identifies a cluster member and, for envelopes, the producer.
type NodeID string

// Envelope is one event plus its delivery metadata. Treat it as immutable.
type Envelope struct {
	Producer  NodeID
	Sequence  uint64
	Payload   []byte
	CreatedAt time.Time
}

// Key is the deduplication identity of an envelope.
type Key struct {
	Producer NodeID
	Sequence uint64
}

func (e Envelope) Key() Key {
	return Key{Producer: e.Producer, Sequence: e.Sequence}
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s#%d", e.Producer, e.Sequence)
}

// New builds an envelope with a private copy of payload.
func New(producer NodeID, seq uint64, payload []byte, at time.Time) Envelope {
	return Envelope{
		Producer:  producer,
		Sequence:  seq,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: at,
	}
}

// ControlKind tells a receiver how to treat the sequences below a control
// envelope's start.
type ControlKind uint8

const (
	// ControlSync opens a channel: sequences below start were never meant
	// for this receiver.
	ControlSync ControlKind = iota
	// ControlResume reopens a channel: sequences below start that have not
	// arrived were dropped by the sender and count as lost.
	ControlResume
)

func (k ControlKind) String() string {
	if k == ControlResume {
		return "resume"
	}
	return "sync"
}

// NewSync returns the control envelope announcing that the sender's events on
// this channel start at sequence start.
func NewSync(producer NodeID, start uint64, at time.Time) Envelope {
	return newControl(producer, ControlSync, start, at)
}

// NewResume returns the control envelope sent when a channel is re-established
// or the sender had to drop queued events. start is the lowest sequence the
// sender still holds.
func NewResume(producer NodeID, start uint64, at time.Time) Envelope {
	return newControl(producer, ControlResume, start, at)
}

func newControl(producer NodeID, kind ControlKind, start uint64, at time.Time) Envelope {
	payload := binary.AppendUvarint(nil, start)
	if kind != ControlSync {
		payload = append(payload, byte(kind))
	}
	return Envelope{
		Producer:  producer,
		Sequence:  0,
		Payload:   payload,
		CreatedAt: at,
	}
}

// IsSync reports whether e is a control envelope of either kind.
func (e Envelope) IsSync() bool {
	return e.Sequence == 0
}

var errBadSync = errors.New("malformed control payload")

// Control returns the kind and start sequence carried by a control envelope.
func (e Envelope) Control() (ControlKind, uint64, error) {
	if !e.IsSync() {
		return 0, 0, fmt.Errorf("envelope %s is not a control envelope", e)
	}
	start, n := binary.Uvarint(e.Payload)
	if n <= 0 || start == 0 {
		return 0, 0, &DecodeError{Reason: "control", Err: errBadSync}
	}
	switch rest := e.Payload[n:]; {
	case len(rest) == 0:
		return ControlSync, start, nil
	case len(rest) == 1 && ControlKind(rest[0]) == ControlResume:
		return ControlResume, start, nil
	}
	return 0, 0, &DecodeError{Reason: "control", Err: errBadSync}
}

// SyncStart returns the start sequence carried by a control envelope.
func (e Envelope) SyncStart() (uint64, error) {
	_, start, err := e.Control()
	return start, err
}
