package model

import (
	"slices"

	"github.com/adwski/objectsync/protocol"
	"github.com/google/uuid"
)

// Presence is what the broker remembers about one connection: the rooms it joined
// and the last known state of every object it owns.
type Presence struct {
	Participant string                   `json:"participant"`
	Rooms       []string                 `json:"rooms"`
	Objects     []protocol.NetworkObject `json:"objects"`
}

func NewPresence(participant string) *Presence {
	return &Presence{
		Participant: participant,
		Rooms:       []string{},
		Objects:     []protocol.NetworkObject{},
	}
}

func (p *Presence) Clone() *Presence {
	return &Presence{
		Participant: p.Participant,
		Rooms:       slices.Clone(p.Rooms),
		Objects:     slices.Clone(p.Objects),
	}
}

func (p *Presence) AddRoom(room string) {
	if !slices.Contains(p.Rooms, room) {
		p.Rooms = append(p.Rooms, room)
	}
}

// Upsert replaces the object with the same id or appends it, keeping creation order.
func (p *Presence) Upsert(obj *protocol.NetworkObject) {
	for i := range p.Objects {
		if p.Objects[i].ObjectID == obj.ObjectID {
			p.Objects[i] = *obj
			return
		}
	}
	p.Objects = append(p.Objects, *obj)
}

// Refresh replaces the object with the same id and reports whether it was found.
func (p *Presence) Refresh(obj *protocol.NetworkObject) bool {
	for i := range p.Objects {
		if p.Objects[i].ObjectID == obj.ObjectID {
			p.Objects[i] = *obj
			return true
		}
	}
	return false
}

func (p *Presence) Remove(id uuid.UUID) bool {
	n := len(p.Objects)
	p.Objects = slices.DeleteFunc(p.Objects, func(o protocol.NetworkObject) bool {
		return o.ObjectID == id
	})
	return len(p.Objects) != n
}

// Delivery is a frame travelling between broker instances. A room delivery reaches
// every local member of Room except From. A direct delivery has To set and Room empty
// and reaches only the connection named To.
type Delivery struct {
	Room  string          `json:"room,omitempty"`
	To    string          `json:"to,omitempty"`
	From  string          `json:"from"`
	Frame *protocol.Frame `json:"frame"`
}

const defaultTXBuffer = 64

// Wire connects a websocket session to the service. RX carries raw inbound messages.
// The receiver closes RX when the socket is gone; Done is closed when the sender stops.
type Wire struct {
	RX   chan []byte
	TX   chan *protocol.Frame
	Done chan struct{}
}

func NewWire() Wire {
	return Wire{
		RX:   make(chan []byte),
		TX:   make(chan *protocol.Frame, defaultTXBuffer),
		Done: make(chan struct{}),
	}
}
