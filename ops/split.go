package ops

import "github.com/djeday123/gometal/core"

// WorkSplit is the assignment of work units to cores. Cores are numbered
// row by row (x fastest) from (0,0). The first cores form Group1 and take one
// unit more than the cores of Group2, which is empty when the units divide
// evenly.
type WorkSplit struct {
	NumCores           int
	AllCores           core.CoreRangeSet
	Group1             core.CoreRangeSet
	Group2             core.CoreRangeSet
	UnitsPerCoreGroup1 uint32
	UnitsPerCoreGroup2 uint32

	gridX int
}

// CoreRange is the slice of work units owned by one core.
type CoreRange struct {
	Core  core.CoreCoord
	Start uint32
	Count uint32
}

// SplitWorkToCores divides units over the cores of a grid. At most units
// cores are used and per-core counts differ by at most one.
func SplitWorkToCores(grid core.CoreCoord, units uint32) WorkSplit {
	split := WorkSplit{gridX: grid.X}
	gridCores := grid.X * grid.Y
	if units == 0 || gridCores <= 0 {
		return split
	}
	numCores := gridCores
	if uint32(numCores) > units {
		numCores = int(units)
	}
	split.NumCores = numCores
	split.AllCores = coresToRangeSet(0, numCores, grid.X)

	perCore := units / uint32(numCores)
	extra := int(units % uint32(numCores))
	if extra == 0 {
		split.Group1 = split.AllCores
		split.UnitsPerCoreGroup1 = perCore
		return split
	}
	split.Group1 = coresToRangeSet(0, extra, grid.X)
	split.Group2 = coresToRangeSet(extra, numCores-extra, grid.X)
	split.UnitsPerCoreGroup1 = perCore + 1
	split.UnitsPerCoreGroup2 = perCore
	return split
}

// Ranges lists each used core with its contiguous unit range, in core order.
func (s WorkSplit) Ranges() []CoreRange {
	out := make([]CoreRange, 0, s.NumCores)
	var next uint32
	for i := 0; i < s.NumCores; i++ {
		n := s.UnitsPerCoreGroup2
		if i < s.Group1.NumCores() {
			n = s.UnitsPerCoreGroup1
		}
		out = append(out, CoreRange{Core: coreAt(i, s.gridX), Start: next, Count: n})
		next += n
	}
	return out
}

func coreAt(i, gridX int) core.CoreCoord {
	return core.CoreCoord{X: i % gridX, Y: i / gridX}
}

// coresToRangeSet covers count consecutive cores starting at index start with
// at most three rectangles: a partial leading row, a block of full rows and a
// partial trailing row.
func coresToRangeSet(start, count, gridX int) core.CoreRangeSet {
	var set core.CoreRangeSet
	end := start + count // exclusive
	for start < end {
		first := coreAt(start, gridX)
		switch {
		case first.X != 0 || end-start < gridX:
			// partial row
			last := first.X + (end - start) - 1
			if last >= gridX {
				last = gridX - 1
			}
			set = append(set, core.CoreRange{Start: first, End: core.CoreCoord{X: last, Y: first.Y}})
			start += last - first.X + 1
		default:
			rows := (end - start) / gridX
			set = append(set, core.CoreRange{Start: first, End: core.CoreCoord{X: gridX - 1, Y: first.Y + rows - 1}})
			start += rows * gridX
		}
	}
	return set
}
