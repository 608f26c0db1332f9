// Package payload implements the tagged per-object input payload.
//
// An input travels as a kind tag plus a JSON body. Receivers look the tag up in a
// Registry to get a fresh value to decode into, so only registered kinds are accepted.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrEmptyKind     = errors.New("input kind is empty")
	ErrDuplicateKind = errors.New("input kind already registered")
	ErrUnknownKind   = errors.New("input kind is not registered")
)

// Input is an object's opaque input state.
type Input interface {
	Kind() string
	// Changed reports whether the input differs from what was last sent.
	Changed() bool
	// Sent is called after the input has been queued for sending.
	Sent()
}

type Registry struct {
	mx        sync.RWMutex
	factories map[string]func() Input
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Input)}
}

func (r *Registry) Register(kind string, factory func() Input) error {
	if kind == "" {
		return ErrEmptyKind
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.factories[kind] = factory
	return nil
}

// Encode returns the tag and JSON body for in. A nil input encodes to empty strings.
func (r *Registry) Encode(in Input) (string, string, error) {
	if in == nil {
		return "", "", nil
	}
	kind := in.Kind()
	r.mx.RLock()
	_, ok := r.factories[kind]
	r.mx.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", "", fmt.Errorf("encode %s input: %w", kind, err)
	}
	return kind, string(b), nil
}

// Decode builds an input from its wire form. An empty kind decodes to nil.
func (r *Registry) Decode(kind, body string) (Input, error) {
	if kind == "" {
		return nil, nil
	}
	r.mx.RLock()
	factory, ok := r.factories[kind]
	r.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	in := factory()
	if body != "" {
		if err := json.Unmarshal([]byte(body), in); err != nil {
			return nil, fmt.Errorf("decode %s input: %w", kind, err)
		}
	}
	return in, nil
}
