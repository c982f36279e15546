// Package volume provides dense 3D/4D voxel grids, boolean masks and the
// flatten/scatter adapter that turns a masked volume into a flat list of
// per-voxel rows and back. Every chunked operation in this module goes
// through the same adapter so that parallelism never changes voxel order.
package volume

import (
	"golang.org/x/exp/constraints"
)

// Element constrains the voxel element types supported by the grids.
// Float32 exists so spherical-function outputs can honor a requested
// precision exactly; integer grids hold peak indices.
type Element interface {
	constraints.Float | constraints.Integer
}

// Grid3 is a dense 3D scalar volume stored flat with x varying fastest,
// then y, then z (linear index z*NX*NY + y*NX + x).
type Grid3[T Element] struct {
	Data       []T
	NX, NY, NZ int
}

// Grid4 is a dense 4D volume: a Grid3 spatial layout with NC contiguous
// channels per voxel.
type Grid4[T Element] struct {
	Data           []T
	NX, NY, NZ, NC int
}

// NewGrid3 allocates a zero-filled 3D grid.
func NewGrid3[T Element](nx, ny, nz int) *Grid3[T] {
	return &Grid3[T]{Data: make([]T, nx*ny*nz), NX: nx, NY: ny, NZ: nz}
}

// NewGrid4 allocates a zero-filled 4D grid.
func NewGrid4[T Element](nx, ny, nz, nc int) *Grid4[T] {
	return &Grid4[T]{Data: make([]T, nx*ny*nz*nc), NX: nx, NY: ny, NZ: nz, NC: nc}
}

// At returns the value at (x, y, z).
func (g *Grid3[T]) At(x, y, z int) T {
	return g.Data[(z*g.NY+y)*g.NX+x]
}

// Set stores a value at (x, y, z).
func (g *Grid3[T]) Set(x, y, z int, v T) {
	g.Data[(z*g.NY+y)*g.NX+x] = v
}

// NVoxels returns the number of spatial voxels.
func (g *Grid3[T]) NVoxels() int { return g.NX * g.NY * g.NZ }

// Voxel returns the channel vector of the voxel at (x, y, z) as a slice
// aliasing the grid storage.
func (g *Grid4[T]) Voxel(x, y, z int) []T {
	off := ((z*g.NY+y)*g.NX + x) * g.NC
	return g.Data[off : off+g.NC]
}

// At returns channel c of the voxel at (x, y, z).
func (g *Grid4[T]) At(x, y, z, c int) T {
	return g.Data[((z*g.NY+y)*g.NX+x)*g.NC+c]
}

// Set stores channel c of the voxel at (x, y, z).
func (g *Grid4[T]) Set(x, y, z, c int, v T) {
	g.Data[((z*g.NY+y)*g.NX+x)*g.NC+c] = v
}

// NVoxels returns the number of spatial voxels.
func (g *Grid4[T]) NVoxels() int { return g.NX * g.NY * g.NZ }

// SameShape reports whether two 4D grids cover the same spatial extent and
// channel count.
func (g *Grid4[T]) SameShape(o *Grid4[T]) bool {
	return g.NX == o.NX && g.NY == o.NY && g.NZ == o.NZ && g.NC == o.NC
}

// Mask is a 3D boolean volume selecting the voxels that participate in a
// computation. Voxels outside the mask stay at the zero fill value in every
// output.
type Mask struct {
	Data       []bool
	NX, NY, NZ int
}

// NewMask allocates an all-false mask.
func NewMask(nx, ny, nz int) *Mask {
	return &Mask{Data: make([]bool, nx*ny*nz), NX: nx, NY: ny, NZ: nz}
}

// FullMask allocates an all-true mask.
func FullMask(nx, ny, nz int) *Mask {
	m := NewMask(nx, ny, nz)
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

// At returns the mask value at (x, y, z).
func (m *Mask) At(x, y, z int) bool {
	return m.Data[(z*m.NY+y)*m.NX+x]
}

// Set stores the mask value at (x, y, z).
func (m *Mask) Set(x, y, z int, v bool) {
	m.Data[(z*m.NY+y)*m.NX+x] = v
}

// Count returns the number of true voxels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// MatchesGrid reports whether the mask covers the grid's spatial extent.
func (m *Mask) MatchesGrid(nx, ny, nz int) bool {
	return m.NX == nx && m.NY == ny && m.NZ == nz
}

// DefaultMask derives a mask from a 4D grid: a voxel is active when any of
// its channels is non-zero.
func DefaultMask[T Element](g *Grid4[T]) *Mask {
	m := NewMask(g.NX, g.NY, g.NZ)
	for i := 0; i < g.NVoxels(); i++ {
		row := g.Data[i*g.NC : (i+1)*g.NC]
		for _, v := range row {
			if v != 0 {
				m.Data[i] = true
				break
			}
		}
	}
	return m
}

// Flatten extracts the channel vectors of all masked voxels in mask
// traversal order (flat voxel index ascending, i.e. x fastest). Each row is
// a copy so workers can mutate rows without touching the source grid.
func Flatten[T Element](g *Grid4[T], m *Mask) [][]T {
	rows := make([][]T, 0, m.Count())
	backing := make([]T, m.Count()*g.NC)
	for i := 0; i < g.NVoxels(); i++ {
		if !m.Data[i] {
			continue
		}
		row := backing[len(rows)*g.NC : (len(rows)+1)*g.NC]
		copy(row, g.Data[i*g.NC:(i+1)*g.NC])
		rows = append(rows, row)
	}
	return rows
}

// Scatter is the inverse of Flatten: it places flat rows back at the masked
// positions of a freshly zero-filled grid with nc channels per voxel.
func Scatter[T Element](rows [][]T, m *Mask, nc int) *Grid4[T] {
	g := NewGrid4[T](m.NX, m.NY, m.NZ, nc)
	r := 0
	for i := range m.Data {
		if !m.Data[i] {
			continue
		}
		copy(g.Data[i*nc:(i+1)*nc], rows[r])
		r++
	}
	return g
}

// Scatter3 places flat scalar values back at the masked positions of a
// zero-filled 3D grid.
func Scatter3[T Element](vals []T, m *Mask) *Grid3[T] {
	g := NewGrid3[T](m.NX, m.NY, m.NZ)
	r := 0
	for i := range m.Data {
		if !m.Data[i] {
			continue
		}
		g.Data[i] = vals[r]
		r++
	}
	return g
}
