// Package collision turns advisory contact proposals into canonical,
// once-only collision events.
package collision

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// ErrInvalidProposal is returned for proposals that cannot be resolved.
var ErrInvalidProposal = errors.New("invalid collision proposal")

// Material scales the normal and tangential parts of a contact response.
type Material struct {
	Normal     float32 `json:"normal"`
	Tangential float32 `json:"tangential"`
}

// Surface names used by the default table.
const (
	SurfaceBall   = "ball"
	SurfacePaddle = "paddle"
	SurfaceWall   = "wall"
	SurfaceFloor  = "floor"
	SurfaceNet    = "net"
)

// MaterialTable looks materials up by surface name.
type MaterialTable struct {
	fallback Material
	entries  map[string]Material
}

// NewMaterialTable builds a table; unknown surfaces resolve to fallback.
func NewMaterialTable(fallback Material, entries map[string]Material) MaterialTable {
	copied := make(map[string]Material, len(entries))
	for name, m := range entries {
		copied[name] = m
	}
	return MaterialTable{fallback: fallback, entries: copied}
}

// DefaultMaterials returns the table used by the game arena.
func DefaultMaterials() MaterialTable {
	return NewMaterialTable(Material{Normal: 1, Tangential: 1}, map[string]Material{
		SurfaceBall:   {Normal: 0.9, Tangential: 0.95},
		SurfacePaddle: {Normal: 1.2, Tangential: 0.8},
		SurfaceWall:   {Normal: 0.85, Tangential: 0.9},
		SurfaceFloor:  {Normal: 0.6, Tangential: 0.7},
		SurfaceNet:    {Normal: 0.2, Tangential: 0.3},
	})
}

// Lookup returns the material for name, or the fallback.
func (t MaterialTable) Lookup(name string) Material {
	if m, ok := t.entries[name]; ok {
		return m
	}
	return t.fallback
}

// Default returns the fallback material.
func (t MaterialTable) Default() Material { return t.fallback }

// Impulse is a contact response split into its components.
type Impulse struct {
	Normal     mgl32.Vec3
	Tangential mgl32.Vec3
}

// Total is the velocity assigned to the body.
func (i Impulse) Total() mgl32.Vec3 {
	return i.Normal.Add(i.Tangential)
}

// ComputeImpulse projects the relative velocity onto the contact normal and
// scales each part by the combined materials of both surfaces.
func ComputeImpulse(relative, normal mgl32.Vec3, a, b Material) (Impulse, error) {
	length := normal.Len()
	if length == 0 || !finite32(length) {
		return Impulse{}, fmt.Errorf("%w: zero contact normal", ErrInvalidProposal)
	}
	n := normal.Mul(1 / length)
	proj := n.Mul(relative.Dot(n))
	tangent := relative.Sub(proj)
	return Impulse{
		Normal:     proj.Mul(a.Normal * b.Normal),
		Tangential: tangent.Mul(a.Tangential * b.Tangential),
	}, nil
}

// Spin derives the angular velocity imparted by the tangential part of a
// contact at point on a body centred at center.
func Spin(center, point mgl32.Vec3, imp Impulse, scale float32) mgl32.Vec3 {
	return point.Sub(center).Cross(imp.Tangential).Mul(scale)
}

// quantize snaps a unit normal to a coarse grid so near-identical contacts
// reported by different peers fingerprint the same.
func quantize(n mgl32.Vec3) [3]int32 {
	length := n.Len()
	if length == 0 {
		return [3]int32{}
	}
	n = n.Mul(1 / length)
	return [3]int32{
		int32(math32.Round(n.X() * quantizeSteps)),
		int32(math32.Round(n.Y() * quantizeSteps)),
		int32(math32.Round(n.Z() * quantizeSteps)),
	}
}

const quantizeSteps = 20

func finite32(f float32) bool {
	return !math32.IsNaN(f) && !math32.IsInf(f, 0)
}
