package spatial

// Pose is a rigid transform: a position plus an orientation.
type Pose struct {
	Position Vec3 `json:"position" cbor:"position"`
	Rotation Quat `json:"rotation" cbor:"rotation"`
}

// IdentityPose sits at the origin with no rotation.
var IdentityPose = Pose{Rotation: Identity}

// NewPose builds a pose, substituting Identity for a zero rotation.
func NewPose(position Vec3, rotation Quat) Pose {
	if rotation == (Quat{}) {
		rotation = Identity
	}
	return Pose{Position: position, Rotation: rotation}
}

// TransformPoint maps a point from p's local frame into the parent frame.
func (p Pose) TransformPoint(local Vec3) Vec3 {
	return p.Position.Add(p.Rotation.Rotate(local))
}

// InverseTransformPoint maps a point from the parent frame into p's local
// frame.
func (p Pose) InverseTransformPoint(world Vec3) Vec3 {
	return p.Rotation.Inverse().Rotate(world.Sub(p.Position))
}

// Mul composes p with a child pose expressed in p's local frame.
func (p Pose) Mul(child Pose) Pose {
	return Pose{
		Position: p.TransformPoint(child.Position),
		Rotation: p.Rotation.Mul(child.Rotation).Normalized(),
	}
}

// Inverse returns the pose that undoes p.
func (p Pose) Inverse() Pose {
	inv := p.Rotation.Inverse()
	return Pose{Position: inv.Rotate(p.Position.Scale(-1)), Rotation: inv}
}

// RelativeTo expresses p in the local frame of parent.
func (p Pose) RelativeTo(parent Pose) Pose {
	return parent.Inverse().Mul(p)
}

// ApproxEqual compares positions and rotations within tol.
func (p Pose) ApproxEqual(o Pose, tol float64) bool {
	return p.Position.ApproxEqual(o.Position, tol) && p.Rotation.ApproxEqual(o.Rotation, tol)
}
