package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Shape represents the dimensions of a tensor.
// Four-dimensional shapes are read as (N, C, H, W).
type Shape []int

// NumElements returns the total number of elements in the shape.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // scalar
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// NDim returns the number of dimensions.
func (s Shape) NDim() int {
	return len(s)
}

// Equal checks if two shapes are identical.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int(s))
}

// Dims4 unpacks a rank-4 shape into (N, C, H, W).
func (s Shape) Dims4() (n, c, h, w int, err error) {
	if len(s) != 4 {
		return 0, 0, 0, 0, errors.Wrapf(ErrShape, "expected rank 4 shape, got %v", s)
	}
	for i, d := range s {
		if d <= 0 {
			return 0, 0, 0, 0, errors.Wrapf(ErrShape, "dimension %d of %v must be positive", i, s)
		}
	}
	return s[0], s[1], s[2], s[3], nil
}
