// Package follow drives a held object from an input source each tick and
// estimates the velocity it should carry when released.
package follow

import (
	"math"

	"colocate/internal/spatial"
)

// MinDeltaTime is the lower bound applied to every tick duration.
const MinDeltaTime = 1e-5

// Source is an input pose provider sampled once per tick (a hand, a
// controller, a scripted path).
type Source interface {
	Pose() spatial.Pose
}

// SourceFunc adapts a function to Source.
type SourceFunc func() spatial.Pose

func (f SourceFunc) Pose() spatial.Pose { return f() }

// StaticSource is a Source that never moves.
type StaticSource spatial.Pose

func (s StaticSource) Pose() spatial.Pose { return spatial.Pose(s) }

// Binding holds the object's offset in the source's local frame, captured at
// grant time so that attaching does not move the object.
type Binding struct {
	LocalPositionOffset spatial.Vec3 `json:"localPositionOffset"`
	LocalRotationOffset spatial.Quat `json:"localRotationOffset"`
}

// NewBinding captures object relative to source.
func NewBinding(source, object spatial.Pose) Binding {
	inv := source.Rotation.Inverse()
	return Binding{
		LocalPositionOffset: inv.Rotate(object.Position.Sub(source.Position)),
		LocalRotationOffset: inv.Mul(object.Rotation).Normalized(),
	}
}

// Target returns the world pose the object should take for source.
func (b Binding) Target(source spatial.Pose) spatial.Pose {
	return spatial.Pose{
		Position: source.Position.Add(source.Rotation.Rotate(b.LocalPositionOffset)),
		Rotation: source.Rotation.Mul(b.LocalRotationOffset).Normalized(),
	}
}

// VelocityEstimate is the linear (m/s) and angular (rad/s, axis scaled by
// rate) velocity derived from the last two target samples.
type VelocityEstimate struct {
	Linear  spatial.Vec3 `json:"linear" cbor:"linear"`
	Angular spatial.Vec3 `json:"angular" cbor:"angular"`
}

// Zero reports whether the estimate carries no motion.
func (v VelocityEstimate) Zero() bool {
	return v.Linear == spatial.Zero && v.Angular == spatial.Zero
}

// DefaultSmoothing is the smoothing rate interactive peers use. It closes
// about 95% of the gap to the hand within 120ms.
const DefaultSmoothing = 25.0

// Follower owns at most one Binding and the velocity estimate that goes
// with it.
type Follower struct {
	smoothing float64

	active   bool
	binding  Binding
	previous spatial.Pose
	estimate VelocityEstimate
}

// NewFollower returns an idle follower. A smoothing of zero (or less)
// tracks the target exactly.
func NewFollower(smoothing float64) *Follower {
	if smoothing < 0 || math.IsNaN(smoothing) {
		smoothing = 0
	}
	return &Follower{smoothing: smoothing}
}

// Begin binds the object to source and resets the velocity estimate.
func (f *Follower) Begin(source, object spatial.Pose) Binding {
	f.binding = NewBinding(source, object)
	f.previous = object
	f.estimate = VelocityEstimate{}
	f.active = true
	return f.binding
}

// Active reports whether a binding exists.
func (f *Follower) Active() bool { return f.active }

// Binding returns the current binding.
func (f *Follower) Binding() (Binding, bool) {
	return f.binding, f.active
}

// Step advances one tick. It returns the pose to apply to the object and
// broadcast; current is the object's pose before this tick.
func (f *Follower) Step(source, current spatial.Pose, dt float64) spatial.Pose {
	if !f.active {
		return current
	}
	if dt < MinDeltaTime || math.IsNaN(dt) {
		dt = MinDeltaTime
	}

	target := f.binding.Target(source)
	f.estimate = VelocityEstimate{
		Linear:  target.Position.Sub(f.previous.Position).Scale(1 / dt),
		Angular: spatial.AngularDifference(f.previous.Rotation, target.Rotation).Scale(1 / dt),
	}
	f.previous = target

	if f.smoothing <= 0 {
		return target
	}
	alpha := 1 - math.Exp(-f.smoothing*dt)
	return spatial.Pose{
		Position: spatial.Lerp(current.Position, target.Position, alpha),
		Rotation: spatial.Slerp(current.Rotation, target.Rotation, alpha),
	}
}

// Estimate returns the latest estimate without consuming it.
func (f *Follower) Estimate() VelocityEstimate { return f.estimate }

// Take consumes the estimate. A second call returns zero.
func (f *Follower) Take() VelocityEstimate {
	estimate := f.estimate
	f.estimate = VelocityEstimate{}
	return estimate
}

// End drops the binding and returns the estimate for a voluntary release.
func (f *Follower) End() VelocityEstimate {
	estimate := f.Take()
	f.Clear()
	return estimate
}

// Clear drops the binding and discards the estimate. Used on involuntary
// loss.
func (f *Follower) Clear() {
	f.active = false
	f.binding = Binding{}
	f.previous = spatial.Pose{}
	f.estimate = VelocityEstimate{}
}
