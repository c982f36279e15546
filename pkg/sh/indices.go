package sh

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidOrder is returned when a coefficient count does not correspond
// to any valid non-negative integer SH order.
var ErrInvalidOrder = errors.New("invalid SH order")

// CoeffCount returns the number of coefficients for an SH order.
// Symmetric basis: (order+1)(order+2)/2. Full basis: (order+1)^2.
func CoeffCount(order int, fullBasis bool) int {
	if fullBasis {
		return (order + 1) * (order + 1)
	}
	return (order + 1) * (order + 2) / 2
}

// OrderFromCoeffCount infers the SH order from a coefficient count. It is
// the inverse of CoeffCount and fails with ErrInvalidOrder when no
// non-negative integer order matches.
func OrderFromCoeffCount(n int, fullBasis bool) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("%w: %d coefficients", ErrInvalidOrder, n)
	}
	var order int
	if fullBasis {
		order = int(math.Round(math.Sqrt(float64(n)))) - 1
	} else {
		order = int(math.Round((-3 + math.Sqrt(float64(1+8*n))) / 2))
	}
	if order < 0 || CoeffCount(order, fullBasis) != n {
		return 0, fmt.Errorf("%w: %d coefficients match no order", ErrInvalidOrder, n)
	}
	// The symmetric basis only carries even orders; an odd solution means
	// the count cannot come from a symmetric coefficient vector.
	if !fullBasis && order%2 != 0 {
		return 0, fmt.Errorf("%w: %d coefficients imply odd order %d for a symmetric basis",
			ErrInvalidOrder, n, order)
	}
	return order, nil
}

// IndexList returns the (degree m, order l) pair for every coefficient
// index, in the ordering convention used to build the transform matrices:
// ascending order l, degree m running from -l to +l. The symmetric basis
// only carries even orders; the full basis carries all orders.
func IndexList(order int, fullBasis bool) (ms, ls []int) {
	step := 2
	if fullBasis {
		step = 1
	}
	n := CoeffCount(order, fullBasis)
	ms = make([]int, 0, n)
	ls = make([]int, 0, n)
	for l := 0; l <= order; l += step {
		for m := -l; m <= l; m++ {
			ms = append(ms, m)
			ls = append(ls, l)
		}
	}
	return ms, ls
}
