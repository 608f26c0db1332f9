// Package storagetest checks that a room store behaves the way the broker expects.
package storagetest

import (
	"context"
	"testing"

	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/backend/storage"
	"github.com/adwski/objectsync/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Store interface {
	AddMember(ctx context.Context, room, participant string, maxMembers int) error
	RemoveMember(ctx context.Context, room, participant string) error
	Members(ctx context.Context, room string) ([]string, error)
	Rooms(ctx context.Context) ([]string, error)
	SetPresence(ctx context.Context, p *model.Presence) error
	GetPresence(ctx context.Context, participants ...string) ([]*model.Presence, error)
	DeletePresence(ctx context.Context, participant string) error
}

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("membership", func(t *testing.T) {
		testMembership(t, newStore(t))
	})
	t.Run("capacity", func(t *testing.T) {
		testCapacity(t, newStore(t))
	})
	t.Run("presence", func(t *testing.T) {
		testPresence(t, newStore(t))
	})
}

func testMembership(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.AddMember(ctx, "R1", "b", 0))
	require.NoError(t, s.AddMember(ctx, "R1", "a", 0))
	require.NoError(t, s.AddMember(ctx, "R1", "a", 0))
	require.NoError(t, s.AddMember(ctx, "R2", "a", 0))

	members, err := s.Members(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	rooms, err := s.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2"}, rooms)

	require.NoError(t, s.RemoveMember(ctx, "R2", "a"))
	require.NoError(t, s.RemoveMember(ctx, "R1", "a"))
	require.NoError(t, s.RemoveMember(ctx, "R3", "a"))

	members, err = s.Members(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	rooms, err = s.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, rooms, "empty room is forgotten")

	members, err = s.Members(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func testCapacity(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.AddMember(ctx, "R1", "a", 2))
	require.NoError(t, s.AddMember(ctx, "R1", "b", 2))
	assert.ErrorIs(t, s.AddMember(ctx, "R1", "c", 2), storage.ErrRoomIsFull)
	assert.NoError(t, s.AddMember(ctx, "R1", "a", 2), "existing member is readmitted")

	require.NoError(t, s.RemoveMember(ctx, "R1", "b"))
	assert.NoError(t, s.AddMember(ctx, "R1", "c", 2))

	members, err := s.Members(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, members)
}

func testPresence(t *testing.T, s Store) {
	ctx := context.Background()

	a := model.NewPresence("a")
	a.AddRoom("R1")
	obj := protocol.NetworkObject{
		ObjectID:     uuid.New(),
		TypeHash:     7,
		Position:     protocol.Vec3{1, 2, 3},
		Rotation:     protocol.QuatIdent,
		InputType:    "axis",
		JSONOfValues: `{"x":1}`,
	}
	a.Upsert(&obj)
	require.NoError(t, s.SetPresence(ctx, a))
	require.NoError(t, s.SetPresence(ctx, model.NewPresence("b")))

	got, err := s.GetPresence(ctx, "b", "missing", "a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Participant)
	assert.Equal(t, a, got[1])

	// stored entries are not aliased
	a.Upsert(&protocol.NetworkObject{ObjectID: uuid.New()})
	got, err = s.GetPresence(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Objects, 1)

	require.NoError(t, s.DeletePresence(ctx, "a"))
	require.NoError(t, s.DeletePresence(ctx, "a"))
	got, err = s.GetPresence(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.GetPresence(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
