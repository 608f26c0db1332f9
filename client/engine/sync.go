package engine

import (
	"time"

	"github.com/adwski/objectsync/client/payload"
	"github.com/adwski/objectsync/protocol"
	"github.com/google/uuid"
)

type pendingSend struct {
	o   *ownedObject
	in  payload.Input
	pos protocol.Vec3
	rot protocol.Quat
}

// flushUpdates batches every owned object that is due into one Update envelope.
// An object is due when its pose moved, its input reports a change, or the
// force interval elapsed since it was last sent.
func (e *Engine) flushUpdates(dt time.Duration) {
	if e.room == "" || len(e.local) == 0 {
		return
	}
	var (
		ts      = e.now().UnixMilli()
		due     = make([]*protocol.NetworkObject, 0, len(e.local))
		pending = make([]pendingSend, 0, len(e.local))
	)
	for id, o := range e.local {
		o.sinceSent += dt
		pos, rot := o.entity.Pose()
		in := o.entity.Input()
		changed := in != nil && in.Changed()
		if !changed && pos == o.sentPos && rot == o.sentRot && o.sinceSent < e.forceInterval {
			continue
		}
		if kind, body, err := e.inputs.Encode(in); err != nil {
			e.logger.Error().Err(err).Str("object", id.String()).Msg("failed to encode input, sending pose only")
		} else {
			o.obj.InputType, o.obj.JSONOfValues = kind, body
		}
		o.obj.Position, o.obj.Rotation = pos, rot
		o.obj.UpdatedAt = ts

		obj := o.obj
		due = append(due, &obj)
		pending = append(pending, pendingSend{o: o, in: in, pos: pos, rot: rot})
	}
	if len(due) == 0 {
		return
	}
	if err := e.sendEnvelope(protocol.NewUpdate(e.room, due)); err != nil {
		// state stays dirty and goes out with a later tick
		e.logger.Debug().Err(err).Int("objects", len(due)).Msg("update not sent")
		return
	}
	for _, p := range pending {
		p.o.sentPos, p.o.sentRot = p.pos, p.rot
		p.o.sinceSent = 0
		if p.in != nil {
			p.in.Sent()
		}
	}
}

func (e *Engine) handleFrame(f *protocol.Frame) {
	switch f.Event {
	case protocol.EventWelcome:
		e.self = f.Participant
		e.logger = e.baseLogger.With().Str("participant", f.Participant).Logger()
		e.emit(Event{Kind: EventConnected, Participant: f.Participant})
	case protocol.EventRoomMessage:
		e.handleRoomMessage(f)
	case protocol.EventUserConnected:
		e.participantConnected(f.Participant, f.Room)
	case protocol.EventUserDisconnecting:
		e.participantLeft(f.Participant, f.Room)
	case protocol.EventRooms:
		e.emit(Event{Kind: EventRoomsListed, Rooms: f.Rooms})
	case protocol.EventJoinRejected:
		if f.Room == e.room {
			e.dropOwned()
			e.room = ""
		}
		e.logger.Warn().Str("room", f.Room).Str("reason", f.Reason).Msg("join rejected")
		e.emit(Event{Kind: EventApprovalRejected, Room: f.Room, Text: f.Reason})
	case protocol.EventConnectionLost:
		e.logger.Warn().Str("reason", f.Reason).Msg("connection lost")
		e.reset(true)
	default:
		e.logger.Warn().Str("event", string(f.Event)).Msg("dropping frame with unknown event")
	}
}

func (e *Engine) handleRoomMessage(f *protocol.Frame) {
	if f.Envelope == nil || f.Participant == "" {
		e.logger.Warn().Str("from", f.Participant).Msg("dropping room message without envelope or sender")
		return
	}
	env := f.Envelope
	if err := env.Validate(); err != nil {
		e.logger.Warn().Err(err).Str("from", f.Participant).Msg("dropping malformed envelope")
		return
	}
	from := f.Participant

	switch env.Command {
	case protocol.CommandCreate:
		e.createRemote(from, env.NetworkObjectInfo)
	case protocol.CommandUpdate:
		for _, obj := range env.NetworkObjectInfos {
			e.updateRemote(from, obj)
		}
	case protocol.CommandCreateExistedObjectSnapshot:
		e.register(from)
		for _, obj := range env.NetworkObjectInfos {
			e.createRemote(from, obj)
		}
		if err := e.sendEnvelope(protocol.NewAck(from)); err != nil {
			e.logger.Debug().Err(err).Str("to", from).Msg("snapshot ack not sent")
		}
	case protocol.CommandClientInitializedAck:
		e.register(from).ready = true
		e.emit(Event{Kind: EventParticipantReady, Participant: from, Room: e.room})
	case protocol.CommandUserMessage:
		e.emit(Event{Kind: EventMessageReceived, Participant: from, Room: env.Topic, Text: *env.Message})
	case protocol.CommandDelete:
		e.deleteRemote(from, env.NetworkObjectInfo.ObjectID)
	}
}

// createRemote mirrors obj unless its id is already known locally or remotely.
// Duplicates are expected: join replay and snapshots can carry the same object.
func (e *Engine) createRemote(from string, obj *protocol.NetworkObject) {
	id := obj.ObjectID
	if _, ok := e.local[id]; ok {
		return
	}
	if _, ok := e.remote[id]; ok {
		return
	}
	entity, err := e.prefabs.Spawn(obj.TypeHash, id)
	if err != nil {
		e.logger.Warn().Err(err).Str("from", from).Str("object", id.String()).Msg("cannot mirror object")
		return
	}
	entity.SetPose(obj.Position, obj.Rotation)

	r := &remoteObject{obj: *obj, owner: from, entity: entity}
	r.track.Reset(obj.Position, obj.Rotation)
	e.applyInput(r, obj)
	e.remote[id] = r
	e.register(from).objects[id] = struct{}{}
	e.logger.Trace().Str("from", from).Str("object", id.String()).Msg("object mirrored")
}

func (e *Engine) updateRemote(from string, obj *protocol.NetworkObject) {
	r, ok := e.remote[obj.ObjectID]
	if !ok || r.owner != from {
		return
	}
	r.obj.Position, r.obj.Rotation = obj.Position, obj.Rotation
	r.obj.UpdatedAt = obj.UpdatedAt
	r.track.Push(obj.Position, obj.Rotation, e.interp.Window())
	e.applyInput(r, obj)
}

func (e *Engine) applyInput(r *remoteObject, obj *protocol.NetworkObject) {
	in, err := e.inputs.Decode(obj.InputType, obj.JSONOfValues)
	if err != nil {
		e.logger.Warn().Err(err).Str("object", obj.ObjectID.String()).Msg("dropping undecodable input")
		return
	}
	r.obj.InputType, r.obj.JSONOfValues = obj.InputType, obj.JSONOfValues
	if in != nil {
		r.entity.ApplyInput(in)
	}
}

func (e *Engine) deleteRemote(from string, id uuid.UUID) {
	r, ok := e.remote[id]
	if !ok || r.owner != from {
		return
	}
	r.entity.Destroy()
	delete(e.remote, id)
	if p, ok := e.participants[from]; ok {
		delete(p.objects, id)
	}
}

func (e *Engine) register(id string) *participant {
	p, ok := e.participants[id]
	if !ok {
		p = &participant{objects: make(map[uuid.UUID]struct{})}
		e.participants[id] = p
	}
	return p
}

// participantConnected answers a newcomer with a snapshot of our objects,
// sent to its personal room.
func (e *Engine) participantConnected(id, room string) {
	if id == "" || id == e.self {
		return
	}
	e.register(id)
	e.emit(Event{Kind: EventParticipantConnected, Participant: id, Room: room})

	objs := make([]*protocol.NetworkObject, 0, len(e.local))
	for _, o := range e.local {
		obj := o.obj
		obj.Position, obj.Rotation = o.entity.Pose()
		objs = append(objs, &obj)
	}
	if err := e.sendEnvelope(protocol.NewSnapshot(id, objs)); err != nil {
		e.logger.Debug().Err(err).Str("to", id).Msg("snapshot not sent")
	}
}

func (e *Engine) participantLeft(id, room string) {
	for oid, r := range e.remote {
		if r.owner == id {
			r.entity.Destroy()
			delete(e.remote, oid)
		}
	}
	if _, ok := e.participants[id]; !ok {
		return
	}
	delete(e.participants, id)
	e.emit(Event{Kind: EventParticipantLeft, Participant: id, Room: room})
}
