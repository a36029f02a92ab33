package rendezvous

import (
	"math"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// GridSize returns floor(sqrt(n)), the side of the largest square grid that n
// registered nodes can fill.
func GridSize(n int) int {
	if n <= 0 {
		return 0
	}
	g := int(math.Sqrt(float64(n)))
	// Correct float rounding at perfect squares.
	for g*g > n {
		g--
	}
	for (g+1)*(g+1) <= n {
		g++
	}
	return g
}

// Neighbors returns the four toroidal neighbors of rank on a g×g grid. Ranks
// at or beyond g*g still get neighbors computed from their row and column.
// The result is empty when g < 2.
func Neighbors(rank, g int) map[wire.Direction]int {
	if g < 2 || rank < 0 {
		return map[wire.Direction]int{}
	}
	row, col := rank/g, rank%g
	return map[wire.Direction]int{
		wire.North: ((row-1+g)%g)*g + col,
		wire.South: ((row+1)%g)*g + col,
		wire.West:  row*g + (col-1+g)%g,
		wire.East:  row*g + (col+1)%g,
	}
}

// Opposite returns the direction that points back from a neighbor.
func Opposite(d wire.Direction) wire.Direction {
	switch d {
	case wire.North:
		return wire.South
	case wire.South:
		return wire.North
	case wire.West:
		return wire.East
	case wire.East:
		return wire.West
	}
	return d
}
