// Package interp smooths the displayed pose of remote objects between received snapshots.
package interp

import (
	"iter"
	"time"

	"github.com/adwski/objectsync/protocol"
	"github.com/go-gl/mathgl/mgl64"
)

const DefaultWindow = 100 * time.Millisecond

// Track holds the interpolation state of one remote object.
// The zero value is usable and sits at the origin with identity rotation.
type Track struct {
	fromPos, toPos mgl64.Vec3
	fromRot, toRot mgl64.Quat
	elapsed        time.Duration
	snap           bool
	settled        bool
}

// Reset places the track at the given pose with no interpolation.
func (t *Track) Reset(pos protocol.Vec3, rot protocol.Quat) {
	t.fromPos, t.toPos = pos, pos
	t.fromRot, t.toRot = rot.Mgl(), rot.Mgl()
	t.elapsed = 0
	t.snap = true
	t.settled = false
}

// Push starts a new segment from the pose currently displayed toward the received one.
func (t *Track) Push(pos protocol.Vec3, rot protocol.Quat, window time.Duration) {
	curPos, curRot := t.sample(window)
	t.fromPos, t.fromRot = curPos, curRot
	t.toPos, t.toRot = pos, rot.Mgl()
	t.elapsed = 0
	t.snap = false
	t.settled = false
}

// Target returns the last received pose.
func (t *Track) Target() (protocol.Vec3, protocol.Quat) {
	return t.toPos, protocol.QuatFromMgl(t.toRot)
}

// Advance moves the track forward by dt and returns the pose to display.
// The second result is false once the target has been reached and already reported.
func (t *Track) Advance(dt, window time.Duration) (protocol.Vec3, protocol.Quat, bool) {
	if t.settled {
		return t.toPos, protocol.QuatFromMgl(t.toRot), false
	}
	if t.snap {
		t.snap, t.settled = false, true
		return t.toPos, protocol.QuatFromMgl(t.toRot), true
	}
	t.elapsed += dt
	pos, rot := t.sample(window)
	if t.elapsed >= window {
		t.settled = true
	}
	return pos, protocol.QuatFromMgl(rot), true
}

func (t *Track) sample(window time.Duration) (mgl64.Vec3, mgl64.Quat) {
	if window <= 0 || t.elapsed >= window {
		return t.toPos, t.toRot
	}
	if t.elapsed <= 0 {
		return t.fromPos, t.fromRot
	}
	a := float64(t.elapsed) / float64(window)
	pos := t.fromPos.Add(t.toPos.Sub(t.fromPos).Mul(a))
	return pos, mgl64.QuatSlerp(t.fromRot, t.toRot, a)
}

// Target is a remote object driven by the interpolator.
type Target interface {
	Track() *Track
	SetPose(pos protocol.Vec3, rot protocol.Quat)
}

type Interpolator struct {
	window time.Duration
}

func New(window time.Duration) *Interpolator {
	if window < 0 {
		window = 0
	}
	return &Interpolator{window: window}
}

func (ip *Interpolator) Window() time.Duration {
	return ip.window
}

// Step advances every target and writes the resulting pose. Targets that already
// reached their last snapshot are left alone.
func (ip *Interpolator) Step(dt time.Duration, targets iter.Seq[Target]) {
	for tg := range targets {
		if pos, rot, moved := tg.Track().Advance(dt, ip.window); moved {
			tg.SetPose(pos, rot)
		}
	}
}
