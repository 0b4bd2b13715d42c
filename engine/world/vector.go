package world

import (
	"fmt"
	"math"
)

// Coord is the type of slot transform coordinates (x, y, z)
type Coord float32

// Vector3 is the type of slot positions and scales
type Vector3 struct {
	X Coord
	Y Coord
	Z Coord
}

func (p Vector3) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// DistanceTo calculates distance between two positions
func (p Vector3) DistanceTo(o Vector3) Coord {
	dx := p.X - o.X
	dy := p.Y - o.Y
	dz := p.Z - o.Z
	return Coord(math.Sqrt(float64(dx*dx + dy*dy + dz*dz)))
}

// Sub calculates Vector3 p - Vector3 o
func (p Vector3) Sub(o Vector3) Vector3 {
	return Vector3{p.X - o.X, p.Y - o.Y, p.Z - o.Z}
}

// Add calculates Vector3 p + Vector3 o
func (p Vector3) Add(o Vector3) Vector3 {
	return Vector3{p.X + o.X, p.Y + o.Y, p.Z + o.Z}
}

// Mul calculates Vector3 p * m
func (p Vector3) Mul(m Coord) Vector3 {
	return Vector3{p.X * m, p.Y * m, p.Z * m}
}

// Normalize normalizes the Vector3 in place
func (p *Vector3) Normalize() {
	d := Coord(math.Sqrt(float64(p.X*p.X + p.Y*p.Y + p.Z*p.Z)))
	if d == 0 {
		return
	}
	p.X /= d
	p.Y /= d
	p.Z /= d
}

// Normalized returns the normalized copy of the Vector3
func (p Vector3) Normalized() Vector3 {
	p.Normalize()
	return p
}

// OneVector3 returns the unit scale vector (1, 1, 1)
func OneVector3() Vector3 {
	return Vector3{1, 1, 1}
}

// Quaternion is the type of slot rotations
type Quaternion struct {
	X Coord
	Y Coord
	Z Coord
	W Coord
}

func (q Quaternion) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f, %.2f)", q.X, q.Y, q.Z, q.W)
}

// IdentityQuaternion returns the identity rotation
func IdentityQuaternion() Quaternion {
	return Quaternion{0, 0, 0, 1}
}

// Mul composes two rotations: q then o
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}
