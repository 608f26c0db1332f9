package model

import (
	"encoding/json"
	"testing"

	"github.com/adwski/objectsync/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceUpsertKeepsOrder(t *testing.T) {
	p := NewPresence("c1")
	a := protocol.NetworkObject{ObjectID: uuid.New(), TypeHash: 1}
	b := protocol.NetworkObject{ObjectID: uuid.New(), TypeHash: 2}
	p.Upsert(&a)
	p.Upsert(&b)

	a.Position = protocol.Vec3{1, 2, 3}
	p.Upsert(&a)

	require.Len(t, p.Objects, 2)
	assert.Equal(t, a.ObjectID, p.Objects[0].ObjectID)
	assert.Equal(t, protocol.Vec3{1, 2, 3}, p.Objects[0].Position)

	assert.True(t, p.Remove(a.ObjectID))
	assert.False(t, p.Remove(a.ObjectID))
	require.Len(t, p.Objects, 1)
	assert.Equal(t, b.ObjectID, p.Objects[0].ObjectID)
}

func TestPresenceCloneIsIndependent(t *testing.T) {
	p := NewPresence("c1")
	p.AddRoom("R1")
	p.AddRoom("R1")
	p.Upsert(&protocol.NetworkObject{ObjectID: uuid.New()})

	c := p.Clone()
	c.AddRoom("R2")
	c.Objects[0].TypeHash = 5

	assert.Equal(t, []string{"R1"}, p.Rooms)
	assert.Zero(t, p.Objects[0].TypeHash)
}

func TestEmptyPresenceJSON(t *testing.T) {
	b, err := json.Marshal(NewPresence("c1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"participant":"c1","rooms":[],"objects":[]}`, string(b))
}

func TestPresenceRefreshOnlyKnownObjects(t *testing.T) {
	p := NewPresence("c1")
	own := protocol.NetworkObject{ObjectID: uuid.New()}
	p.Upsert(&own)

	own.Position = protocol.Vec3{1, 0, 0}
	assert.True(t, p.Refresh(&own))
	assert.False(t, p.Refresh(&protocol.NetworkObject{ObjectID: uuid.New()}))

	require.Len(t, p.Objects, 1)
	assert.Equal(t, protocol.Vec3{1, 0, 0}, p.Objects[0].Position)
}
