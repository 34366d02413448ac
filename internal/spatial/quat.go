package spatial

import "math"

// Quat is a unit rotation quaternion. The zero value is not a valid rotation;
// use Identity.
type Quat struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
	W float64 `json:"w" cbor:"w"`
}

// Identity is the rotation that leaves vectors unchanged.
var Identity = Quat{W: 1}

// AxisAngle builds a rotation of angle radians around axis.
func AxisAngle(axis Vec3, angle float64) Quat {
	axis = axis.Normalized()
	if axis == Zero {
		return Identity
	}
	half := angle / 2
	s := math.Sin(half)
	return Quat{X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s, W: math.Cos(half)}
}

// Mul composes rotations: the result applies o first, then q.
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

// Inverse returns the inverse rotation. For unit quaternions this is the
// conjugate; non-unit inputs are normalized first.
func (q Quat) Inverse() Quat {
	n := q.Normalized()
	return Quat{X: -n.X, Y: -n.Y, Z: -n.Z, W: n.W}
}

func (q Quat) Dot(o Quat) float64 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

// Normalized returns q scaled to unit length. A degenerate quaternion
// normalizes to Identity.
func (q Quat) Normalized() Quat {
	length := math.Sqrt(q.Dot(q))
	if length < epsilon {
		return Identity
	}
	inv := 1 / length
	return Quat{X: q.X * inv, Y: q.Y * inv, Z: q.Z * inv, W: q.W * inv}
}

// Rotate applies q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	u := Vec3{X: q.X, Y: q.Y, Z: q.Z}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

// ToAngleAxis decomposes q into an angle in [0, 2π] and a unit axis. The
// axis defaults to +X when the rotation is (numerically) the identity.
func (q Quat) ToAngleAxis() (float64, Vec3) {
	n := q.Normalized()
	w := Clamp(n.W, -1, 1)
	angle := 2 * math.Acos(w)
	s := math.Sqrt(1 - w*w)
	if s < 1e-6 {
		return angle, Vec3{X: 1}
	}
	return angle, Vec3{X: n.X / s, Y: n.Y / s, Z: n.Z / s}
}

// ApproxEqual reports whether q and o describe the same rotation within tol,
// treating q and -q as equal.
func (q Quat) ApproxEqual(o Quat, tol float64) bool {
	return 1-math.Abs(q.Normalized().Dot(o.Normalized())) <= tol
}

// Slerp interpolates along the shortest arc between a and b. t is clamped to
// [0, 1].
func Slerp(a, b Quat, t float64) Quat {
	t = Clamp(t, 0, 1)
	a = a.Normalized()
	b = b.Normalized()
	dot := a.Dot(b)
	if dot < 0 {
		b = Quat{X: -b.X, Y: -b.Y, Z: -b.Z, W: -b.W}
		dot = -dot
	}
	if dot > 0.9995 {
		return Quat{
			X: a.X + (b.X-a.X)*t,
			Y: a.Y + (b.Y-a.Y)*t,
			Z: a.Z + (b.Z-a.Z)*t,
			W: a.W + (b.W-a.W)*t,
		}.Normalized()
	}
	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return Quat{
		X: a.X*wa + b.X*wb,
		Y: a.Y*wa + b.Y*wb,
		Z: a.Z*wa + b.Z*wb,
		W: a.W*wa + b.W*wb,
	}
}

// AngularDifference returns the rotation vector (axis scaled by angle, in
// radians) that takes from onto to along the shortest path. The angle is
// wrapped into [-π, π].
func AngularDifference(from, to Quat) Vec3 {
	delta := to.Mul(from.Inverse())
	angle, axis := delta.ToAngleAxis()
	if angle > math.Pi {
		angle -= 2 * math.Pi
	}
	return axis.Scale(angle)
}
