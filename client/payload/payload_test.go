package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stick struct {
	X, Y  float64
	dirty bool
}

func (s *stick) Kind() string  { return "stick" }
func (s *stick) Changed() bool { return s.dirty }
func (s *stick) Sent()         { s.dirty = false }

type unregistered struct{}

func (unregistered) Kind() string  { return "ghost" }
func (unregistered) Changed() bool { return false }
func (unregistered) Sent()         {}

func newRegistry(t *testing.T) *Registry {
	r := NewRegistry()
	require.NoError(t, r.Register("stick", func() Input { return &stick{} }))
	return r
}

func TestRegister(t *testing.T) {
	r := newRegistry(t)
	assert.ErrorIs(t, r.Register("stick", func() Input { return &stick{} }), ErrDuplicateKind)
	assert.ErrorIs(t, r.Register("", func() Input { return &stick{} }), ErrEmptyKind)
}

func TestEncodeDecode(t *testing.T) {
	r := newRegistry(t)

	kind, body, err := r.Encode(&stick{X: 0.5, Y: -1})
	require.NoError(t, err)
	assert.Equal(t, "stick", kind)
	assert.JSONEq(t, `{"X":0.5,"Y":-1}`, body)

	in, err := r.Decode(kind, body)
	require.NoError(t, err)
	s, ok := in.(*stick)
	require.True(t, ok)
	assert.Equal(t, 0.5, s.X)
	assert.Equal(t, -1.0, s.Y)
}

func TestNilInput(t *testing.T) {
	r := newRegistry(t)
	kind, body, err := r.Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, kind)
	assert.Empty(t, body)

	in, err := r.Decode("", "")
	require.NoError(t, err)
	assert.Nil(t, in)
}

func TestUnknownKind(t *testing.T) {
	r := newRegistry(t)
	_, _, err := r.Encode(unregistered{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = r.Decode("ghost", "{}")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeMalformedBody(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Decode("stick", "{nope")
	assert.Error(t, err)
}
