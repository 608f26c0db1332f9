// Package engine is the client-side synchronization engine.
//
// An Engine owns the objects spawned locally and mirrors the objects owned by other
// participants of its room. All network I/O goes through a Link, so Tick never blocks.
// An Engine is not safe for concurrent use: call every method from the goroutine that ticks it.
package engine

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/adwski/objectsync/client/interp"
	"github.com/adwski/objectsync/client/payload"
	"github.com/adwski/objectsync/client/prefab"
	"github.com/adwski/objectsync/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultForceSendInterval = 300 * time.Millisecond
)

var (
	ErrNoLink        = errors.New("link is required")
	ErrNoPrefabs     = errors.New("prefab registry is required")
	ErrNotJoined     = errors.New("not joined to a room")
	ErrAlreadyJoined = errors.New("already joined to a room")
	ErrEmptyRoom     = errors.New("room name is empty")
	ErrUnknownObject = errors.New("object is not owned by this engine")
)

// Link is the engine's end of the transport queues.
type Link interface {
	// Send enqueues a frame; it must not block.
	Send(f *protocol.Frame) error
	// Drain returns all frames received since the previous call, in arrival order.
	Drain() []*protocol.Frame
	Close() error
}

type Config struct {
	Link    Link
	Prefabs *prefab.Registry
	// Inputs decodes input payloads; optional when objects carry no input.
	Inputs   *payload.Registry
	Logger   *zerolog.Logger
	Listener func(Event)

	ForceSendInterval   time.Duration
	InterpolationWindow time.Duration
	Now                 func() time.Time
}

type ownedObject struct {
	obj       protocol.NetworkObject
	entity    prefab.Entity
	sentPos   protocol.Vec3
	sentRot   protocol.Quat
	sinceSent time.Duration
}

type remoteObject struct {
	obj    protocol.NetworkObject
	owner  string
	entity prefab.Entity
	track  interp.Track
}

func (r *remoteObject) Track() *interp.Track { return &r.track }

func (r *remoteObject) SetPose(pos protocol.Vec3, rot protocol.Quat) {
	r.entity.SetPose(pos, rot)
}

type participant struct {
	objects map[uuid.UUID]struct{}
	ready   bool
}

type Engine struct {
	link          Link
	prefabs       *prefab.Registry
	inputs        *payload.Registry
	listener      func(Event)
	interp        *interp.Interpolator
	forceInterval time.Duration
	now           func() time.Time
	baseLogger    zerolog.Logger
	logger        zerolog.Logger

	self string
	room string

	local        map[uuid.UUID]*ownedObject
	remote       map[uuid.UUID]*remoteObject
	participants map[string]*participant
}

func New(cfg Config) (*Engine, error) {
	if cfg.Link == nil {
		return nil, ErrNoLink
	}
	if cfg.Prefabs == nil {
		return nil, ErrNoPrefabs
	}
	e := &Engine{
		link:          cfg.Link,
		prefabs:       cfg.Prefabs,
		inputs:        cfg.Inputs,
		listener:      cfg.Listener,
		forceInterval: cfg.ForceSendInterval,
		now:           cfg.Now,
		local:         make(map[uuid.UUID]*ownedObject),
		remote:        make(map[uuid.UUID]*remoteObject),
		participants:  make(map[string]*participant),
	}
	if e.inputs == nil {
		e.inputs = payload.NewRegistry()
	}
	if e.forceInterval <= 0 {
		e.forceInterval = DefaultForceSendInterval
	}
	if e.now == nil {
		e.now = time.Now
	}
	window := cfg.InterpolationWindow
	if window == 0 {
		window = interp.DefaultWindow
	}
	e.interp = interp.New(window)

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	e.baseLogger = logger.With().Str("component", "sync-engine").Logger()
	e.logger = e.baseLogger
	return e, nil
}

// Self is the identity assigned by the broker, empty until the welcome frame arrives.
func (e *Engine) Self() string { return e.self }

func (e *Engine) Room() string { return e.room }

func (e *Engine) OwnedCount() int { return len(e.local) }

func (e *Engine) MirroredCount() int { return len(e.remote) }

// Mirrored returns the last received state of a remote object and its owner.
func (e *Engine) Mirrored(id uuid.UUID) (protocol.NetworkObject, string, bool) {
	r, ok := e.remote[id]
	if !ok {
		return protocol.NetworkObject{}, "", false
	}
	return r.obj, r.owner, true
}

// Owned returns the last sent state of a local object.
func (e *Engine) Owned(id uuid.UUID) (protocol.NetworkObject, bool) {
	o, ok := e.local[id]
	if !ok {
		return protocol.NetworkObject{}, false
	}
	return o.obj, true
}

// Participants returns the ids of known remote participants.
func (e *Engine) Participants() []string {
	ids := make([]string, 0, len(e.participants))
	for id := range e.participants {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) Join(room string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	if e.room != "" {
		return ErrAlreadyJoined
	}
	if err := e.link.Send(&protocol.Frame{Event: protocol.EventJoin, Participant: e.self, Room: room}); err != nil {
		return err
	}
	e.room = room
	e.logger.Debug().Str("room", room).Msg("join requested")
	return nil
}

// ListRooms asks the broker for its rooms; the reply arrives as EventRoomsListed.
func (e *Engine) ListRooms() error {
	return e.link.Send(&protocol.Frame{Event: protocol.EventListRooms})
}

// Spawn creates a locally owned object and announces it to the room.
func (e *Engine) Spawn(hash protocol.TypeHash, pos protocol.Vec3, rot protocol.Quat) (uuid.UUID, error) {
	if e.room == "" {
		return uuid.Nil, ErrNotJoined
	}
	id := uuid.New()
	entity, err := e.prefabs.Spawn(hash, id)
	if err != nil {
		return uuid.Nil, err
	}
	entity.SetPose(pos, rot)

	in := entity.Input()
	kind, body, err := e.inputs.Encode(in)
	if err != nil {
		entity.Destroy()
		return uuid.Nil, err
	}
	ts := e.now().UnixMilli()
	o := &ownedObject{
		obj: protocol.NetworkObject{
			ObjectID:     id,
			TypeHash:     hash,
			Position:     pos,
			Rotation:     rot,
			InputType:    kind,
			JSONOfValues: body,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		},
		entity:  entity,
		sentPos: pos,
		sentRot: rot,
	}
	obj := o.obj
	if err = e.sendEnvelope(protocol.NewCreate(e.room, &obj)); err != nil {
		entity.Destroy()
		return uuid.Nil, err
	}
	if in != nil {
		in.Sent()
	}
	e.local[id] = o
	e.logger.Debug().Str("object", id.String()).Int32("type", int32(hash)).Msg("object spawned")
	return id, nil
}

// Destroy removes a locally owned object everywhere.
func (e *Engine) Destroy(id uuid.UUID) error {
	o, ok := e.local[id]
	if !ok {
		return ErrUnknownObject
	}
	obj := o.obj
	if err := e.sendEnvelope(protocol.NewDelete(e.room, &obj)); err != nil {
		return err
	}
	o.entity.Destroy()
	delete(e.local, id)
	return nil
}

// SendMessage publishes free text to everyone else in the room.
func (e *Engine) SendMessage(text string) error {
	if e.room == "" {
		return ErrNotJoined
	}
	return e.sendEnvelope(protocol.NewUserMessage(e.room, text))
}

// Disconnect closes the link and drops all object state. Pending outbound frames are lost.
func (e *Engine) Disconnect() error {
	err := e.link.Close()
	e.link.Drain()
	e.reset(false)
	return err
}

// Tick runs one synchronization step: outbound changes, inbound frames, interpolation.
func (e *Engine) Tick(dt time.Duration) {
	e.flushUpdates(dt)
	for _, f := range e.link.Drain() {
		e.handleFrame(f)
	}
	e.interp.Step(dt, e.remoteTargets())
}

// Run calls step at a fixed interval with the measured elapsed time until ctx is done.
// step normally advances the host simulation and then calls Tick.
func Run(ctx context.Context, interval time.Duration, step func(dt time.Duration)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			step(now.Sub(last))
			last = now
		}
	}
}

func (e *Engine) remoteTargets() iter.Seq[interp.Target] {
	return func(yield func(interp.Target) bool) {
		for _, r := range e.remote {
			if !yield(r) {
				return
			}
		}
	}
}

func (e *Engine) sendEnvelope(env *protocol.Envelope) error {
	return e.link.Send(&protocol.Frame{Event: protocol.EventMessage, Participant: e.self, Envelope: env})
}

func (e *Engine) emit(ev Event) {
	if e.listener != nil {
		e.listener(ev)
	}
}

// dropOwned destroys local objects that never became part of a room.
func (e *Engine) dropOwned() {
	for id, o := range e.local {
		o.entity.Destroy()
		delete(e.local, id)
	}
}

// reset destroys every entity and forgets all participants.
func (e *Engine) reset(unexpected bool) {
	e.dropOwned()
	for id, r := range e.remote {
		r.entity.Destroy()
		delete(e.remote, id)
	}
	clear(e.participants)
	room := e.room
	e.room = ""
	e.self = ""
	e.logger = e.baseLogger
	e.logger.Debug().Bool("unexpected", unexpected).Msg("state reset")
	e.emit(Event{Kind: EventDisconnected, Room: room, Unexpected: unexpected})
}
