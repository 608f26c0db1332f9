package engine

import (
	"testing"
	"time"

	"github.com/adwski/objectsync/client/payload"
	"github.com/adwski/objectsync/client/prefab"
	"github.com/adwski/objectsync/client/transport"
	"github.com/adwski/objectsync/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	typeCube protocol.TypeHash = 7
	typeProp protocol.TypeHash = 9
	tick                       = 100 * time.Millisecond
)

type axis struct {
	X     float64 `json:"x"`
	dirty bool
}

func (a *axis) Kind() string  { return "axis" }
func (a *axis) Changed() bool { return a.dirty }
func (a *axis) Sent()         { a.dirty = false }

type fakeEntity struct {
	id        uuid.UUID
	pos       protocol.Vec3
	rot       protocol.Quat
	input     *axis
	applied   []payload.Input
	destroyed bool
}

func (f *fakeEntity) Pose() (protocol.Vec3, protocol.Quat) { return f.pos, f.rot }
func (f *fakeEntity) SetPose(pos protocol.Vec3, rot protocol.Quat) {
	f.pos, f.rot = pos, rot
}
func (f *fakeEntity) Input() payload.Input {
	if f.input == nil {
		return nil
	}
	return f.input
}
func (f *fakeEntity) ApplyInput(in payload.Input) { f.applied = append(f.applied, in) }
func (f *fakeEntity) Destroy()                    { f.destroyed = true }

type closer struct{ closed int }

func (c *closer) Close() error { c.closed++; return nil }

type harness struct {
	t        *testing.T
	tr       *transport.Transport
	closer   *closer
	engine   *Engine
	entities map[uuid.UUID]*fakeEntity
	events   []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		tr:       transport.New(),
		closer:   &closer{},
		entities: make(map[uuid.UUID]*fakeEntity),
	}
	h.tr.Attach(h.closer)

	prefabs := prefab.NewRegistry()
	require.NoError(t, prefabs.Register(typeCube, func(id uuid.UUID) prefab.Entity {
		e := &fakeEntity{id: id, input: &axis{}}
		h.entities[id] = e
		return e
	}))
	require.NoError(t, prefabs.Register(typeProp, func(id uuid.UUID) prefab.Entity {
		e := &fakeEntity{id: id}
		h.entities[id] = e
		return e
	}))
	inputs := payload.NewRegistry()
	require.NoError(t, inputs.Register("axis", func() payload.Input { return &axis{} }))

	e, err := New(Config{
		Link:                h.tr,
		Prefabs:             prefabs,
		Inputs:              inputs,
		Listener:            func(ev Event) { h.events = append(h.events, ev) },
		InterpolationWindow: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	h.engine = e

	h.deliver(&protocol.Frame{Event: protocol.EventWelcome, Participant: "A"})
	h.engine.Tick(0)
	return h
}

func (h *harness) joined(room string) *harness {
	require.NoError(h.t, h.engine.Join(room))
	h.sent()
	return h
}

func (h *harness) deliver(frames ...*protocol.Frame) {
	for _, f := range frames {
		h.tr.Deliver(f)
	}
}

func (h *harness) from(participant string, env *protocol.Envelope) {
	h.deliver(&protocol.Frame{Event: protocol.EventRoomMessage, Participant: participant, Envelope: env})
}

func (h *harness) sent() []*protocol.Frame {
	return h.tr.Outbound().Drain()
}

func (h *harness) eventsOf(kind EventKind) []Event {
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func remoteObj(hash protocol.TypeHash, pos protocol.Vec3) *protocol.NetworkObject {
	return &protocol.NetworkObject{ObjectID: uuid.New(), TypeHash: hash, Position: pos, Rotation: protocol.QuatIdent}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Prefabs: prefab.NewRegistry()})
	assert.ErrorIs(t, err, ErrNoLink)
	_, err = New(Config{Link: transport.New()})
	assert.ErrorIs(t, err, ErrNoPrefabs)
}

func TestWelcomeAssignsIdentity(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "A", h.engine.Self())
	require.Len(t, h.eventsOf(EventConnected), 1)
}

func TestPreconditions(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.ErrorIs(t, h.engine.SendMessage("hi"), ErrNotJoined)
	assert.ErrorIs(t, h.engine.Join(""), ErrEmptyRoom)

	h.joined("R1")
	assert.ErrorIs(t, h.engine.Join("R2"), ErrAlreadyJoined)

	_, err = h.engine.Spawn(42, protocol.Vec3{}, protocol.QuatIdent)
	assert.ErrorIs(t, err, prefab.ErrUnknownType)
	assert.ErrorIs(t, h.engine.Destroy(uuid.New()), ErrUnknownObject)
}

func TestSendBeforeConnectedFails(t *testing.T) {
	e, err := New(Config{Link: transport.New(), Prefabs: prefab.NewRegistry()})
	require.NoError(t, err)
	assert.ErrorIs(t, e.Join("R1"), transport.ErrNotConnected)
	assert.ErrorIs(t, e.ListRooms(), transport.ErrNotConnected)
	assert.Empty(t, e.Room())
}

func TestSpawnSendsCreate(t *testing.T) {
	h := newHarness(t).joined("R1")

	id, err := h.engine.Spawn(typeCube, protocol.Vec3{1, 2, 3}, protocol.QuatIdent)
	require.NoError(t, err)
	assert.Equal(t, 1, h.engine.OwnedCount())

	frames := h.sent()
	require.Len(t, frames, 1)
	env := frames[0].Envelope
	require.NotNil(t, env)
	assert.Equal(t, protocol.EventMessage, frames[0].Event)
	assert.Equal(t, protocol.CommandCreate, env.Command)
	assert.Equal(t, "R1", env.Topic)
	assert.Equal(t, id, env.NetworkObjectInfo.ObjectID)
	assert.Equal(t, typeCube, env.NetworkObjectInfo.TypeHash)
	assert.Equal(t, protocol.Vec3{1, 2, 3}, env.NetworkObjectInfo.Position)
	assert.Equal(t, "axis", env.NetworkObjectInfo.InputType)
	assert.NoError(t, env.Validate())
}

func TestDuplicateCreateIsNoop(t *testing.T) {
	h := newHarness(t).joined("R1")
	obj := remoteObj(typeCube, protocol.Vec3{})

	h.from("B", protocol.NewCreate("R1", obj))
	h.engine.Tick(0)
	require.Equal(t, 1, h.engine.MirroredCount())

	h.from("B", protocol.NewCreate("R1", obj))
	h.from("C", protocol.NewCreate("R1", obj))
	h.engine.Tick(0)
	assert.Equal(t, 1, h.engine.MirroredCount())
	assert.Len(t, h.entities, 1, "no second entity instantiated")

	_, owner, ok := h.engine.Mirrored(obj.ObjectID)
	require.True(t, ok)
	assert.Equal(t, "B", owner)
}

func TestEchoOfOwnObjectIsIgnored(t *testing.T) {
	h := newHarness(t).joined("R1")
	id, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	own, _ := h.engine.Owned(id)

	h.from("A", protocol.NewCreate("R1", &own))
	h.from("B", protocol.NewSnapshot("A", []*protocol.NetworkObject{&own}))
	h.engine.Tick(0)

	assert.Zero(t, h.engine.MirroredCount())
	assert.Equal(t, 1, h.engine.OwnedCount())
}

func TestSnapshotRegistersParticipantAndAcks(t *testing.T) {
	h := newHarness(t).joined("R1")
	objs := []*protocol.NetworkObject{
		remoteObj(typeCube, protocol.Vec3{1, 0, 0}),
		remoteObj(typeProp, protocol.Vec3{2, 0, 0}),
	}
	h.from("B", protocol.NewSnapshot("A", objs))
	h.engine.Tick(0)

	assert.Equal(t, 2, h.engine.MirroredCount())
	assert.Equal(t, []string{"B"}, h.engine.Participants())
	assert.Equal(t, protocol.Vec3{2, 0, 0}, h.entities[objs[1].ObjectID].pos, "created entities start at the received pose")

	frames := h.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CommandClientInitializedAck, frames[0].Envelope.Command)
	assert.Equal(t, "B", frames[0].Envelope.Topic, "ack goes to the sender's personal room")
}

func TestEmptySnapshotStillAcks(t *testing.T) {
	h := newHarness(t).joined("R1")
	h.from("B", protocol.NewSnapshot("A", nil))
	h.engine.Tick(0)

	assert.Zero(t, h.engine.MirroredCount())
	assert.Equal(t, []string{"B"}, h.engine.Participants())
	frames := h.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CommandClientInitializedAck, frames[0].Envelope.Command)
}

func TestJoinSnapshotCompleteness(t *testing.T) {
	const (
		members = 3
		perEach = 4
	)
	h := newHarness(t).joined("R1")

	for m := 0; m < members; m++ {
		owner := string(rune('B' + m))
		objs := make([]*protocol.NetworkObject, 0, perEach)
		for k := 0; k < perEach; k++ {
			obj := remoteObj(typeCube, protocol.Vec3{float64(m), float64(k), 0})
			objs = append(objs, obj)
			// broker replay from presence arrives as individual creates
			h.from(owner, protocol.NewCreate("R1", obj))
		}
		h.from(owner, protocol.NewSnapshot("A", objs))
	}
	h.engine.Tick(0)

	assert.Equal(t, members*perEach, h.engine.MirroredCount())
	assert.Len(t, h.entities, members*perEach)
	assert.Len(t, h.engine.Participants(), members)

	acks := 0
	for _, f := range h.sent() {
		if f.Envelope != nil && f.Envelope.Command == protocol.CommandClientInitializedAck {
			acks++
		}
	}
	assert.Equal(t, members, acks)
}

func TestOwnedObjectIsNeverMutatedByPeers(t *testing.T) {
	h := newHarness(t).joined("R1")
	id, err := h.engine.Spawn(typeCube, protocol.Vec3{1, 1, 1}, protocol.QuatIdent)
	require.NoError(t, err)

	forged := &protocol.NetworkObject{ObjectID: id, TypeHash: typeCube, Position: protocol.Vec3{9, 9, 9}, Rotation: protocol.QuatIdent}
	h.from("B", protocol.NewUpdate("R1", []*protocol.NetworkObject{forged}))
	h.from("B", protocol.NewDelete("R1", forged))
	h.from("B", protocol.NewCreate("R1", forged))
	h.engine.Tick(0)

	own, ok := h.engine.Owned(id)
	require.True(t, ok)
	assert.Equal(t, protocol.Vec3{1, 1, 1}, own.Position)
	assert.Equal(t, protocol.Vec3{1, 1, 1}, h.entities[id].pos)
	assert.False(t, h.entities[id].destroyed)
	assert.Zero(t, h.engine.MirroredCount())
}

func TestUpdatesFromNonOwnerAreIgnored(t *testing.T) {
	h := newHarness(t).joined("R1")
	obj := remoteObj(typeCube, protocol.Vec3{})
	h.from("B", protocol.NewCreate("R1", obj))
	h.engine.Tick(0)

	moved := *obj
	moved.Position = protocol.Vec3{5, 5, 5}
	h.from("C", protocol.NewUpdate("R1", []*protocol.NetworkObject{&moved}))
	h.from("C", protocol.NewDelete("R1", &moved))
	h.engine.Tick(time.Second)

	got, _, ok := h.engine.Mirrored(obj.ObjectID)
	require.True(t, ok)
	assert.Equal(t, protocol.Vec3{}, got.Position)
	assert.Equal(t, protocol.Vec3{}, h.entities[obj.ObjectID].pos)
}

func TestUpdateIsInterpolatedAndAppliesInput(t *testing.T) {
	h := newHarness(t).joined("R1")
	obj := remoteObj(typeCube, protocol.Vec3{})
	h.from("B", protocol.NewCreate("R1", obj))
	h.engine.Tick(0)

	moved := *obj
	moved.Position = protocol.Vec3{10, 0, 0}
	moved.InputType, moved.JSONOfValues = "axis", `{"x":0.75}`
	h.from("B", protocol.NewUpdate("R1", []*protocol.NetworkObject{&moved}))
	h.engine.Tick(50 * time.Millisecond)

	ent := h.entities[obj.ObjectID]
	assert.InDelta(t, 5, ent.pos[0], 1e-9, "pose is interpolated, not snapped")
	require.Len(t, ent.applied, 1)
	assert.Equal(t, 0.75, ent.applied[0].(*axis).X)

	h.engine.Tick(50 * time.Millisecond)
	assert.Equal(t, protocol.Vec3{10, 0, 0}, ent.pos)

	got, _, _ := h.engine.Mirrored(obj.ObjectID)
	assert.Equal(t, protocol.Vec3{10, 0, 0}, got.Position)
}

func TestUndecodableInputKeepsPose(t *testing.T) {
	h := newHarness(t).joined("R1")
	obj := remoteObj(typeCube, protocol.Vec3{})
	h.from("B", protocol.NewCreate("R1", obj))
	h.engine.Tick(0)

	moved := *obj
	moved.Position = protocol.Vec3{4, 0, 0}
	moved.InputType, moved.JSONOfValues = "jetpack", `{}`
	h.from("B", protocol.NewUpdate("R1", []*protocol.NetworkObject{&moved}))
	h.engine.Tick(time.Second)

	ent := h.entities[obj.ObjectID]
	assert.Equal(t, protocol.Vec3{4, 0, 0}, ent.pos)
	assert.Empty(t, ent.applied)
}

func TestSendRateBound(t *testing.T) {
	h := newHarness(t).joined("R1")
	_, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	h.sent()

	updates := 0
	for i := 0; i < 9; i++ {
		h.engine.Tick(tick)
		for _, f := range h.sent() {
			if f.Envelope.Command == protocol.CommandUpdate {
				updates++
			}
		}
	}
	// 900ms of an idle object with a 300ms force interval
	assert.Equal(t, 3, updates)
}

func TestChangesAreBatchedIntoOneUpdate(t *testing.T) {
	h := newHarness(t).joined("R1")
	a, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	b, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	_, err = h.engine.Spawn(typeProp, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	h.sent()

	h.entities[a].pos = protocol.Vec3{1, 0, 0}
	h.entities[b].input.X = 1
	h.entities[b].input.dirty = true
	h.engine.Tick(10 * time.Millisecond)

	frames := h.sent()
	require.Len(t, frames, 1)
	env := frames[0].Envelope
	assert.Equal(t, protocol.CommandUpdate, env.Command)
	require.Len(t, env.NetworkObjectInfos, 2, "unchanged object is not sent")

	ids := []uuid.UUID{env.NetworkObjectInfos[0].ObjectID, env.NetworkObjectInfos[1].ObjectID}
	assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)
	assert.False(t, h.entities[b].input.dirty, "input marked sent")

	h.engine.Tick(10 * time.Millisecond)
	assert.Empty(t, h.sent(), "nothing changed since last send")
}

func TestUnsentUpdateIsRetried(t *testing.T) {
	h := newHarness(t).joined("R1")
	id, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	h.sent()

	h.tr.Detach()
	h.entities[id].pos = protocol.Vec3{3, 0, 0}
	h.engine.Tick(10 * time.Millisecond)

	h.tr.Attach(h.closer)
	h.engine.Tick(10 * time.Millisecond)
	frames := h.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.Vec3{3, 0, 0}, frames[0].Envelope.NetworkObjectInfos[0].Position)
}

func TestUserConnectedGetsSnapshot(t *testing.T) {
	h := newHarness(t).joined("R1")
	_, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	_, err = h.engine.Spawn(typeProp, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	h.sent()

	h.deliver(&protocol.Frame{Event: protocol.EventUserConnected, Participant: "C", Room: "R1"})
	h.engine.Tick(0)

	frames := h.sent()
	require.Len(t, frames, 1)
	env := frames[0].Envelope
	assert.Equal(t, protocol.CommandCreateExistedObjectSnapshot, env.Command)
	assert.Equal(t, "C", env.Topic)
	assert.Len(t, env.NetworkObjectInfos, 2)

	connected := h.eventsOf(EventParticipantConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, "C", connected[0].Participant)

	h.from("C", protocol.NewAck("A"))
	h.engine.Tick(0)
	ready := h.eventsOf(EventParticipantReady)
	require.Len(t, ready, 1)
	assert.Equal(t, "C", ready[0].Participant)
}

func TestParticipantLeftDropsItsObjectsOnce(t *testing.T) {
	h := newHarness(t).joined("R1")
	b1, b2 := remoteObj(typeCube, protocol.Vec3{}), remoteObj(typeProp, protocol.Vec3{})
	c1 := remoteObj(typeCube, protocol.Vec3{})
	h.from("B", protocol.NewSnapshot("A", []*protocol.NetworkObject{b1, b2}))
	h.from("C", protocol.NewCreate("R1", c1))
	h.engine.Tick(0)
	require.Equal(t, 3, h.engine.MirroredCount())

	leave := &protocol.Frame{Event: protocol.EventUserDisconnecting, Participant: "B", Room: "R1"}
	h.deliver(leave, leave)
	h.engine.Tick(0)

	assert.Equal(t, 1, h.engine.MirroredCount())
	assert.True(t, h.entities[b1.ObjectID].destroyed)
	assert.True(t, h.entities[b2.ObjectID].destroyed)
	assert.False(t, h.entities[c1.ObjectID].destroyed)
	left := h.eventsOf(EventParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "B", left[0].Participant)
}

func TestUserMessage(t *testing.T) {
	h := newHarness(t).joined("R1")
	require.NoError(t, h.engine.SendMessage("hello"))
	frames := h.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CommandUserMessage, frames[0].Envelope.Command)
	assert.Equal(t, "hello", *frames[0].Envelope.Message)

	h.from("B", protocol.NewUserMessage("R1", "hi there"))
	h.engine.Tick(0)
	msgs := h.eventsOf(EventMessageReceived)
	require.Len(t, msgs, 1)
	assert.Equal(t, "B", msgs[0].Participant)
	assert.Equal(t, "hi there", msgs[0].Text)
	assert.Zero(t, h.engine.MirroredCount())
	assert.Empty(t, h.engine.Participants())
}

func TestDestroy(t *testing.T) {
	h := newHarness(t).joined("R1")
	id, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	h.sent()

	require.NoError(t, h.engine.Destroy(id))
	assert.Zero(t, h.engine.OwnedCount())
	assert.True(t, h.entities[id].destroyed)
	frames := h.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CommandDelete, frames[0].Envelope.Command)

	obj := remoteObj(typeCube, protocol.Vec3{})
	h.from("B", protocol.NewCreate("R1", obj))
	h.engine.Tick(0)
	h.from("B", protocol.NewDelete("R1", obj))
	h.engine.Tick(0)
	assert.Zero(t, h.engine.MirroredCount())
	assert.True(t, h.entities[obj.ObjectID].destroyed)
}

func TestApprovalRejected(t *testing.T) {
	h := newHarness(t).joined("R1")
	h.deliver(&protocol.Frame{Event: protocol.EventJoinRejected, Room: "R1", Reason: "room is full"})
	h.engine.Tick(0)

	rejected := h.eventsOf(EventApprovalRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "room is full", rejected[0].Text)
	assert.Empty(t, h.engine.Room())
	assert.Empty(t, h.eventsOf(EventDisconnected), "rejection is not a disconnect")
	assert.NoError(t, h.engine.Join("R2"))
}

func TestRejectedJoinDropsOwnedObjects(t *testing.T) {
	h := newHarness(t).joined("R1")
	id, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	h.sent()

	h.deliver(&protocol.Frame{Event: protocol.EventJoinRejected, Room: "R1", Reason: "room is full"})
	h.engine.Tick(0)
	h.entities[id].SetPose(protocol.Vec3{3, 0, 0}, protocol.QuatIdent)
	for i := 0; i < 3; i++ {
		h.engine.Tick(time.Hour)
	}

	assert.Zero(t, h.engine.OwnedCount())
	assert.True(t, h.entities[id].destroyed)
	assert.Empty(t, h.sent(), "nothing is published without a room")

	require.NoError(t, h.engine.Join("R2"))
	h.sent()
	_, err = h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	frames := h.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, "R2", frames[0].Envelope.Topic)
}

func TestRejectionForAnotherRoomKeepsState(t *testing.T) {
	h := newHarness(t).joined("R1")
	_, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)

	h.deliver(&protocol.Frame{Event: protocol.EventJoinRejected, Room: "R0", Reason: "room is full"})
	h.engine.Tick(0)
	assert.Equal(t, "R1", h.engine.Room())
	assert.Equal(t, 1, h.engine.OwnedCount())
}

func TestRoomsListed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.ListRooms())
	assert.Equal(t, protocol.EventListRooms, h.sent()[0].Event)

	h.deliver(&protocol.Frame{Event: protocol.EventRooms, Rooms: []protocol.RoomInfo{protocol.NewRoomInfo("R1")}})
	h.engine.Tick(0)
	listed := h.eventsOf(EventRoomsListed)
	require.Len(t, listed, 1)
	assert.Equal(t, "R1", listed[0].Rooms[0].Name)
}

func TestMalformedInboundIsDropped(t *testing.T) {
	h := newHarness(t).joined("R1")
	text := "x"
	h.deliver(
		&protocol.Frame{Event: "teleport"},
		&protocol.Frame{Event: protocol.EventRoomMessage, Participant: "B"},
		&protocol.Frame{Event: protocol.EventRoomMessage, Envelope: protocol.NewCreate("R1", remoteObj(typeCube, protocol.Vec3{}))},
	)
	h.from("B", &protocol.Envelope{Command: 99, Topic: "R1"})
	h.from("B", &protocol.Envelope{Command: protocol.CommandCreate, Topic: "R1", Message: &text})
	h.from("B", &protocol.Envelope{Command: protocol.CommandUpdate, Topic: "R1", NetworkObjectInfo: remoteObj(typeCube, protocol.Vec3{})})
	h.from("B", protocol.NewCreate("R1", remoteObj(1234, protocol.Vec3{})))

	assert.NotPanics(t, func() { h.engine.Tick(0) })
	assert.Zero(t, h.engine.MirroredCount())
	assert.Empty(t, h.sent())
	assert.Empty(t, h.eventsOf(EventDisconnected))

	h.from("B", protocol.NewCreate("R1", remoteObj(typeCube, protocol.Vec3{})))
	h.engine.Tick(0)
	assert.Equal(t, 1, h.engine.MirroredCount(), "engine keeps working after bad input")
}

func TestConnectionLostResetsEverything(t *testing.T) {
	h := newHarness(t).joined("R1")
	own, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	obj := remoteObj(typeCube, protocol.Vec3{})
	h.from("B", protocol.NewSnapshot("A", []*protocol.NetworkObject{obj}))
	h.engine.Tick(0)

	h.deliver(&protocol.Frame{Event: protocol.EventConnectionLost, Reason: "EOF"})
	h.engine.Tick(0)

	assert.Zero(t, h.engine.OwnedCount())
	assert.Zero(t, h.engine.MirroredCount())
	assert.Empty(t, h.engine.Participants())
	assert.Empty(t, h.engine.Room())
	assert.True(t, h.entities[own].destroyed)
	assert.True(t, h.entities[obj.ObjectID].destroyed)

	disc := h.eventsOf(EventDisconnected)
	require.Len(t, disc, 1)
	assert.True(t, disc[0].Unexpected)
	assert.Equal(t, "R1", disc[0].Room)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t).joined("R1")
	own, err := h.engine.Spawn(typeCube, protocol.Vec3{}, protocol.QuatIdent)
	require.NoError(t, err)
	// queued before disconnect and never flushed
	obj := remoteObj(typeCube, protocol.Vec3{})
	h.from("B", protocol.NewCreate("R1", obj))

	require.NoError(t, h.engine.Disconnect())
	assert.Equal(t, 1, h.closer.closed)
	assert.True(t, h.entities[own].destroyed)
	assert.Zero(t, h.engine.OwnedCount())

	h.engine.Tick(0)
	assert.Zero(t, h.engine.MirroredCount(), "stale inbound frames are discarded")

	disc := h.eventsOf(EventDisconnected)
	require.Len(t, disc, 1)
	assert.False(t, disc[0].Unexpected)
	assert.ErrorIs(t, h.engine.Join("R1"), transport.ErrNotConnected)
}
