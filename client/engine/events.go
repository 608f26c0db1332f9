package engine

import (
	"strconv"

	"github.com/adwski/objectsync/protocol"
)

type EventKind int

const (
	// EventConnected fires when the broker assigns this client its identity.
	EventConnected EventKind = iota + 1
	// EventParticipantConnected fires when another participant joins the room.
	EventParticipantConnected
	// EventParticipantReady fires when a participant acknowledged our snapshot,
	// i.e. our objects are visible to it.
	EventParticipantReady
	EventParticipantLeft
	EventMessageReceived
	// EventApprovalRejected fires when the broker refused to admit us to a room.
	EventApprovalRejected
	EventRoomsListed
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventParticipantConnected:
		return "participant connected"
	case EventParticipantReady:
		return "participant ready"
	case EventParticipantLeft:
		return "participant left"
	case EventMessageReceived:
		return "message received"
	case EventApprovalRejected:
		return "approval rejected"
	case EventRoomsListed:
		return "rooms listed"
	case EventDisconnected:
		return "disconnected"
	default:
		return "event(" + strconv.Itoa(int(k)) + ")"
	}
}

// Event is delivered to the Listener from within Tick.
type Event struct {
	Kind        EventKind
	Participant string
	Room        string
	Text        string
	Rooms       []protocol.RoomInfo
	// Unexpected is set on EventDisconnected when the transport dropped.
	Unexpected bool
}
