package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/backend/storage"
)

// MemStore keeps membership and presence in process memory.
// It serves a single broker instance.
type MemStore struct {
	mx       *sync.Mutex
	rooms    map[string]map[string]struct{}
	presence map[string]*model.Presence
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:       &sync.Mutex{},
		rooms:    make(map[string]map[string]struct{}),
		presence: make(map[string]*model.Presence),
	}
}

// AddMember adds participant to room unless the room already has maxMembers members.
// maxMembers <= 0 means unlimited. Re-adding an existing member always succeeds.
func (ms *MemStore) AddMember(_ context.Context, room, participant string, maxMembers int) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	members, ok := ms.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		ms.rooms[room] = members
	}
	if _, ok = members[participant]; ok {
		return nil
	}
	if maxMembers > 0 && len(members) >= maxMembers {
		return storage.ErrRoomIsFull
	}
	members[participant] = struct{}{}
	return nil
}

func (ms *MemStore) RemoveMember(_ context.Context, room, participant string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if members, ok := ms.rooms[room]; ok {
		delete(members, participant)
		if len(members) == 0 {
			delete(ms.rooms, room)
		}
	}
	return nil
}

func (ms *MemStore) Members(_ context.Context, room string) ([]string, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return sortedKeys(ms.rooms[room]), nil
}

// Rooms returns every room with at least one member.
func (ms *MemStore) Rooms(_ context.Context) ([]string, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ids := make([]string, 0, len(ms.rooms))
	for id := range ms.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (ms *MemStore) SetPresence(_ context.Context, p *model.Presence) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.presence[p.Participant] = p.Clone()
	return nil
}

// GetPresence returns the entries that exist, in the order asked for.
func (ms *MemStore) GetPresence(_ context.Context, participants ...string) ([]*model.Presence, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	out := make([]*model.Presence, 0, len(participants))
	for _, id := range participants {
		if p, ok := ms.presence[id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (ms *MemStore) DeletePresence(_ context.Context, participant string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	delete(ms.presence, participant)
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
