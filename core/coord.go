package core

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// CoreCoord identifies one core on the device's logical compute grid.
type CoreCoord struct {
	X int
	Y int
}

func (c CoreCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// CoreRange is an inclusive rectangle of cores.
type CoreRange struct {
	Start CoreCoord
	End   CoreCoord
}

// SingleCore returns the degenerate range {c, c}.
func SingleCore(c CoreCoord) CoreRange {
	return CoreRange{Start: c, End: c}
}

// Valid reports whether Start is not past End on either axis.
func (r CoreRange) Valid() bool {
	return r.Start.X <= r.End.X && r.Start.Y <= r.End.Y && r.Start.X >= 0 && r.Start.Y >= 0
}

// Size returns the number of cores in the range.
func (r CoreRange) Size() int {
	if !r.Valid() {
		return 0
	}
	return (r.End.X - r.Start.X + 1) * (r.End.Y - r.Start.Y + 1)
}

// Contains reports whether c lies inside the range.
func (r CoreRange) Contains(c CoreCoord) bool {
	return c.X >= r.Start.X && c.X <= r.End.X && c.Y >= r.Start.Y && c.Y <= r.End.Y
}

// Overlaps reports whether the two ranges share a core.
func (r CoreRange) Overlaps(o CoreRange) bool {
	return r.Start.X <= o.End.X && o.Start.X <= r.End.X && r.Start.Y <= o.End.Y && o.Start.Y <= r.End.Y
}

// Cores lists the cores of the range, y outer and x inner.
func (r CoreRange) Cores() []CoreCoord {
	cores := make([]CoreCoord, 0, r.Size())
	for y := r.Start.Y; y <= r.End.Y; y++ {
		for x := r.Start.X; x <= r.End.X; x++ {
			cores = append(cores, CoreCoord{X: x, Y: y})
		}
	}
	return cores
}

func (r CoreRange) String() string {
	if r.Start == r.End {
		return r.Start.String()
	}
	return fmt.Sprintf("%s-%s", r.Start, r.End)
}

// CoreRangeSet is an ordered list of disjoint core ranges.
type CoreRangeSet []CoreRange

// NewCoreRangeSet builds a set and rejects overlapping ranges.
func NewCoreRangeSet(ranges ...CoreRange) (CoreRangeSet, error) {
	s := CoreRangeSet(append([]CoreRange(nil), ranges...))
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that every range is well formed and no two ranges share a
// core.
func (s CoreRangeSet) Validate() error {
	for i, a := range s {
		if !a.Valid() {
			return errors.Wrapf(ErrConfiguration, "core range %s is not valid", a)
		}
		for _, b := range s[i+1:] {
			if a.Overlaps(b) {
				return errors.Wrapf(ErrConfiguration, "core ranges %s and %s overlap", a, b)
			}
		}
	}
	return nil
}

// Overlaps reports whether any core lies in both sets.
func (s CoreRangeSet) Overlaps(o CoreRangeSet) bool {
	for _, a := range s {
		for _, b := range o {
			if a.Overlaps(b) {
				return true
			}
		}
	}
	return false
}

// NumCores returns the number of cores across all ranges.
func (s CoreRangeSet) NumCores() int {
	n := 0
	for _, r := range s {
		n += r.Size()
	}
	return n
}

// Contains reports whether c lies in any range of the set.
func (s CoreRangeSet) Contains(c CoreCoord) bool {
	for _, r := range s {
		if r.Contains(c) {
			return true
		}
	}
	return false
}

// Cores lists every core of the set in range order.
func (s CoreRangeSet) Cores() []CoreCoord {
	cores := make([]CoreCoord, 0, s.NumCores())
	for _, r := range s {
		cores = append(cores, r.Cores()...)
	}
	return cores
}

// Within reports whether every range fits inside a grid of the given size.
func (s CoreRangeSet) Within(grid CoreCoord) bool {
	for _, r := range s {
		if !r.Valid() || r.End.X >= grid.X || r.End.Y >= grid.Y {
			return false
		}
	}
	return true
}

func (s CoreRangeSet) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
