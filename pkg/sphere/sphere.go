// Package sphere provides immutable sets of unit direction vectors used to
// sample spherical functions. A sphere is shared read-only by all workers
// of an operation; adjacency queries for peak detection run on a KD-tree
// built once at construction.
package sphere

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Sphere is an immutable set of unit direction vectors.
type Sphere struct {
	vertices [][3]float64
	tree     *kdtree.Tree
}

// direction is a sphere vertex in the KD-tree, tagged with its index.
type direction struct {
	pos [3]float64
	id  int
}

// Compare implements the kdtree.Comparable interface
func (p direction) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(direction)
	return p.pos[d] - q.pos[d]
}

// Dims returns the number of dimensions for the KD-tree
func (p direction) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two directions
func (p direction) Distance(c kdtree.Comparable) float64 {
	q := c.(direction)
	dx := p.pos[0] - q.pos[0]
	dy := p.pos[1] - q.pos[1]
	dz := p.pos[2] - q.pos[2]
	return dx*dx + dy*dy + dz*dz
}

// directions is a collection of direction that satisfies kdtree.Interface
type directions []direction

func (p directions) Index(i int) kdtree.Comparable { return p[i] }
func (p directions) Len() int                       { return len(p) }
func (p directions) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p directions) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(directionPlane{directions: p, Dim: d},
		kdtree.MedianOfRandoms(directionPlane{directions: p, Dim: d}, 100))
}

// directionPlane implements sort.Interface and kdtree.SortSlicer for directions
type directionPlane struct {
	directions
	kdtree.Dim
}

func (p directionPlane) Less(i, j int) bool {
	return p.directions[i].pos[p.Dim] < p.directions[j].pos[p.Dim]
}

func (p directionPlane) Slice(start, end int) kdtree.SortSlicer {
	return directionPlane{directions: p.directions[start:end], Dim: p.Dim}
}

func (p directionPlane) Swap(i, j int) {
	p.directions[i], p.directions[j] = p.directions[j], p.directions[i]
}

// New builds a sphere from the given vectors. Vectors are copied and
// normalized to unit length; zero vectors are rejected.
func New(vecs [][3]float64) (*Sphere, error) {
	if len(vecs) == 0 {
		return nil, fmt.Errorf("sphere requires at least one direction")
	}
	verts := make([][3]float64, len(vecs))
	pts := make(directions, len(vecs))
	for i, v := range vecs {
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if n == 0 {
			return nil, fmt.Errorf("direction %d is the zero vector", i)
		}
		verts[i] = [3]float64{v[0] / n, v[1] / n, v[2] / n}
		pts[i] = direction{pos: verts[i], id: i}
	}
	return &Sphere{vertices: verts, tree: kdtree.New(pts, true)}, nil
}

// FromVecs builds a sphere from gradient b-vectors, normalizing each one.
// This is the sphere used when fitting: the sampling directions are the
// acquisition directions themselves.
func FromVecs(bvecs [][3]float64) (*Sphere, error) {
	return New(bvecs)
}

// N returns the number of directions.
func (s *Sphere) N() int { return len(s.vertices) }

// Vertex returns direction i.
func (s *Sphere) Vertex(i int) [3]float64 { return s.vertices[i] }

// Vertices returns the full direction set. The returned slice must be
// treated as read-only.
func (s *Sphere) Vertices() [][3]float64 { return s.vertices }

// Neighbors returns, for each vertex, the indices of its k nearest
// neighbors (excluding the vertex itself). Peak extraction uses this
// adjacency to decide local maxima; on subdivided icosahedra k=8 strictly
// contains the mesh neighborhood of every vertex.
func (s *Sphere) Neighbors(k int) [][]int {
	if k >= s.N() {
		k = s.N() - 1
	}
	adj := make([][]int, s.N())
	for i := range s.vertices {
		keeper := kdtree.NewNKeeper(k + 1)
		s.tree.NearestSet(keeper, direction{pos: s.vertices[i], id: i})

		ids := make([]int, 0, k)
		for _, item := range keeper.Heap {
			if item.Comparable == nil {
				continue
			}
			p := item.Comparable.(direction)
			if p.id != i {
				ids = append(ids, p.id)
			}
		}
		adj[i] = ids
	}
	return adj
}

// Angle returns the angle in radians between two unit vectors.
func Angle(a, b [3]float64) float64 {
	dot := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}
	return math.Acos(dot)
}

// AngleSymmetric returns the angle in radians between two unit vectors
// treating antipodal directions as identical.
func AngleSymmetric(a, b [3]float64) float64 {
	dot := math.Abs(a[0]*b[0] + a[1]*b[1] + a[2]*b[2])
	if dot > 1 {
		dot = 1
	}
	return math.Acos(dot)
}
