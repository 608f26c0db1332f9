// Package protocol defines the messages exchanged between sync clients and the relay broker.
//
// Every websocket text message carries exactly one Frame. Frames with the message and
// onRoomMessage events carry an Envelope, which is relayed between clients verbatim.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMissingTopic   = errors.New("envelope has no topic")
	ErrMissingRoom    = errors.New("frame has no room")
	ErrPayloadShape   = errors.New("payload does not match command")
	ErrObjectID       = errors.New("object has no id")
)

// Command selects how an Envelope payload is interpreted by the receiver.
type Command int

const (
	CommandCreate Command = iota
	CommandUpdate
	CommandCreateExistedObjectSnapshot
	CommandClientInitializedAck
	CommandUserMessage
	// CommandDelete removes an object explicitly before its owner disconnects.
	CommandDelete
)

func (c Command) String() string {
	switch c {
	case CommandCreate:
		return "create"
	case CommandUpdate:
		return "update"
	case CommandCreateExistedObjectSnapshot:
		return "snapshot"
	case CommandClientInitializedAck:
		return "ack"
	case CommandUserMessage:
		return "user_message"
	case CommandDelete:
		return "delete"
	default:
		return "unknown(" + strconv.Itoa(int(c)) + ")"
	}
}

// TypeHash identifies the prefab used to materialize an object on a receiver.
type TypeHash int32

// Vec3 serializes as [x,y,z].
type Vec3 = mgl64.Vec3

// Quat is a rotation serialized as [x,y,z,w]. The protocol does not require it to be normalized.
type Quat [4]float64

// QuatIdent is the identity rotation.
var QuatIdent = Quat{0, 0, 0, 1}

// Mgl converts q to the mgl64 representation.
func (q Quat) Mgl() mgl64.Quat {
	return mgl64.Quat{W: q[3], V: mgl64.Vec3{q[0], q[1], q[2]}}
}

// QuatFromMgl converts an mgl64 quaternion to the wire representation.
func QuatFromMgl(q mgl64.Quat) Quat {
	return Quat{q.V[0], q.V[1], q.V[2], q.W}
}

// NetworkObject is the synchronized state of one object.
type NetworkObject struct {
	ObjectID     uuid.UUID `json:"objectId"`
	TypeHash     TypeHash  `json:"gameObjectHash"`
	Position     Vec3      `json:"position"`
	Rotation     Quat      `json:"rotation"`
	InputType    string    `json:"inputType,omitempty"`
	JSONOfValues string    `json:"jsonOfValues"`
	CreatedAt    int64     `json:"createdAt"`
	UpdatedAt    int64     `json:"updatedAt"`
}

// Envelope is the relayed message. Exactly one payload field is set, depending on Command.
type Envelope struct {
	Command            Command          `json:"command"`
	Topic              string           `json:"topic"`
	NetworkObjectInfo  *NetworkObject   `json:"networkObjectInfo"`
	NetworkObjectInfos []*NetworkObject `json:"networkObjectInfos"`
	Message            *string          `json:"message"`
}

func NewCreate(topic string, obj *NetworkObject) *Envelope {
	return &Envelope{Command: CommandCreate, Topic: topic, NetworkObjectInfo: obj}
}

func NewUpdate(topic string, objs []*NetworkObject) *Envelope {
	return &Envelope{Command: CommandUpdate, Topic: topic, NetworkObjectInfos: objs}
}

func NewSnapshot(topic string, objs []*NetworkObject) *Envelope {
	if objs == nil {
		objs = []*NetworkObject{}
	}
	return &Envelope{Command: CommandCreateExistedObjectSnapshot, Topic: topic, NetworkObjectInfos: objs}
}

func NewAck(topic string) *Envelope {
	return &Envelope{Command: CommandClientInitializedAck, Topic: topic}
}

func NewUserMessage(topic, text string) *Envelope {
	return &Envelope{Command: CommandUserMessage, Topic: topic, Message: &text}
}

func NewDelete(topic string, obj *NetworkObject) *Envelope {
	return &Envelope{Command: CommandDelete, Topic: topic, NetworkObjectInfo: obj}
}

// Validate checks that the populated payload field matches the command.
func (e *Envelope) Validate() error {
	if e.Topic == "" {
		return ErrMissingTopic
	}
	var (
		single = e.NetworkObjectInfo != nil
		multi  = e.NetworkObjectInfos != nil
		text   = e.Message != nil
	)
	switch e.Command {
	case CommandCreate, CommandDelete:
		if !single || multi || text {
			return fmt.Errorf("%w: %s", ErrPayloadShape, e.Command)
		}
		return validateObject(e.NetworkObjectInfo)
	case CommandUpdate, CommandCreateExistedObjectSnapshot:
		if single || !multi || text {
			return fmt.Errorf("%w: %s", ErrPayloadShape, e.Command)
		}
		if e.Command == CommandUpdate && len(e.NetworkObjectInfos) == 0 {
			return fmt.Errorf("%w: empty update", ErrPayloadShape)
		}
		for _, obj := range e.NetworkObjectInfos {
			if err := validateObject(obj); err != nil {
				return err
			}
		}
		return nil
	case CommandClientInitializedAck:
		if single || multi || text {
			return fmt.Errorf("%w: %s", ErrPayloadShape, e.Command)
		}
		return nil
	case CommandUserMessage:
		if single || multi || !text {
			return fmt.Errorf("%w: %s", ErrPayloadShape, e.Command)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownCommand, int(e.Command))
	}
}

// Objects returns the objects carried by the envelope regardless of the payload field used.
func (e *Envelope) Objects() []*NetworkObject {
	if e.NetworkObjectInfo != nil {
		return []*NetworkObject{e.NetworkObjectInfo}
	}
	return e.NetworkObjectInfos
}

func validateObject(obj *NetworkObject) error {
	if obj == nil || obj.ObjectID == uuid.Nil {
		return ErrObjectID
	}
	return nil
}

// Event names a socket frame.
type Event string

// Client to broker.
const (
	EventJoin       Event = "join"
	EventMessage    Event = "message"
	EventListRooms  Event = "list_rooms"
	EventDisconnect Event = "disconnect"
)

// Broker to client.
const (
	EventWelcome           Event = "welcome"
	EventRoomMessage       Event = "onRoomMessage"
	EventUserConnected     Event = "user connected"
	EventUserDisconnecting Event = "user disconnecting"
	EventRooms             Event = "rooms"
	EventJoinRejected      Event = "join rejected"
)

// EventConnectionLost never goes over the wire. The client transport queues it
// when the socket drops without a local close.
const EventConnectionLost Event = "connection lost"

// RoomInfo is one entry of the list_rooms reply.
type RoomInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var roomNamespace = uuid.MustParse("8c0f3f55-3c3e-4a57-9d52-4f8a4f0d2f61")

// NewRoomInfo derives a stable room id from its name.
func NewRoomInfo(name string) RoomInfo {
	return RoomInfo{ID: uuid.NewSHA1(roomNamespace, []byte(name)).String(), Name: name}
}

// Frame is one socket message.
type Frame struct {
	Event       Event      `json:"event"`
	Participant string     `json:"participant,omitempty"`
	Room        string     `json:"room,omitempty"`
	Envelope    *Envelope  `json:"envelope,omitempty"`
	Rooms       []RoomInfo `json:"rooms,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// ValidateInbound checks the frame shape for the events a broker accepts from clients.
func (f *Frame) ValidateInbound() error {
	switch f.Event {
	case EventJoin:
		if f.Room == "" {
			return ErrMissingRoom
		}
		return nil
	case EventMessage:
		if f.Envelope == nil {
			return fmt.Errorf("%w: message without envelope", ErrPayloadShape)
		}
		return f.Envelope.Validate()
	case EventListRooms, EventDisconnect:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

// Decode parses one socket message.
func Decode(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
