// Package prefab maps hand-assigned type identifiers to the recipes that build the
// local representation of a synchronized object.
package prefab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/objectsync/client/payload"
	"github.com/adwski/objectsync/protocol"
	"github.com/google/uuid"
)

var (
	ErrUnknownType   = errors.New("object type is not registered")
	ErrDuplicateType = errors.New("object type already registered")
	ErrNilFactory    = errors.New("factory is nil")
	ErrNilEntity     = errors.New("factory returned nil entity")
)

// Entity is the host-side representation of one object: whatever renders, simulates
// or captures input for it. The sync engine only moves pose and input through it.
type Entity interface {
	Pose() (protocol.Vec3, protocol.Quat)
	SetPose(pos protocol.Vec3, rot protocol.Quat)
	// Input returns the current input payload, or nil if the object has none.
	Input() payload.Input
	ApplyInput(in payload.Input)
	Destroy()
}

type Factory func(id uuid.UUID) Entity

type Registry struct {
	mx        sync.RWMutex
	factories map[protocol.TypeHash]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[protocol.TypeHash]Factory)}
}

func (r *Registry) Register(hash protocol.TypeHash, f Factory) error {
	if f == nil {
		return ErrNilFactory
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.factories[hash]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateType, hash)
	}
	r.factories[hash] = f
	return nil
}

func (r *Registry) Has(hash protocol.TypeHash) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	_, ok := r.factories[hash]
	return ok
}

// Spawn builds the entity for object id using the recipe registered for hash.
func (r *Registry) Spawn(hash protocol.TypeHash, id uuid.UUID) (Entity, error) {
	r.mx.RLock()
	f, ok := r.factories[hash]
	r.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, hash)
	}
	e := f(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %d", ErrNilEntity, hash)
	}
	return e, nil
}
