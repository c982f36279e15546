package sphere

import "math"

// Icosphere returns a deterministic sphere built by subdividing the twenty
// faces of a regular icosahedron n times and projecting every vertex onto
// the unit sphere. Vertex counts follow 10*4^n + 2: 12, 42, 162, 642, ...
// Subdivision 3 (642 directions) is a reasonable default for ODF sampling.
func Icosphere(subdivisions int) *Sphere {
	phi := (1 + math.Sqrt(5)) / 2

	verts := [][3]float64{
		{-1, phi, 0}, {1, phi, 0}, {-1, -phi, 0}, {1, -phi, 0},
		{0, -1, phi}, {0, 1, phi}, {0, -1, -phi}, {0, 1, -phi},
		{phi, 0, -1}, {phi, 0, 1}, {-phi, 0, -1}, {-phi, 0, 1},
	}
	for i := range verts {
		verts[i] = normalize(verts[i])
	}

	faces := [][3]int{
		{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
		{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
		{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
		{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
	}

	type edge struct{ a, b int }
	for s := 0; s < subdivisions; s++ {
		midpoints := make(map[edge]int)
		midpoint := func(a, b int) int {
			if a > b {
				a, b = b, a
			}
			key := edge{a, b}
			if idx, ok := midpoints[key]; ok {
				return idx
			}
			va, vb := verts[a], verts[b]
			m := normalize([3]float64{va[0] + vb[0], va[1] + vb[1], va[2] + vb[2]})
			verts = append(verts, m)
			midpoints[key] = len(verts) - 1
			return len(verts) - 1
		}

		next := make([][3]int, 0, len(faces)*4)
		for _, f := range faces {
			ab := midpoint(f[0], f[1])
			bc := midpoint(f[1], f[2])
			ca := midpoint(f[2], f[0])
			next = append(next,
				[3]int{f[0], ab, ca},
				[3]int{f[1], bc, ab},
				[3]int{f[2], ca, bc},
				[3]int{ab, bc, ca})
		}
		faces = next
	}

	s, err := New(verts)
	if err != nil {
		// Unreachable: icosahedron vertices are never zero.
		panic(err)
	}
	return s
}

func normalize(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}
