package net

import "github.com/CuriosAI/sai/internal/game"

// SymmetryTable precomputes, for each of the 8 dihedral symmetries,
// the permutation of intersection indices the network input and policy
// planes are written through.
type SymmetryTable struct {
	size int
	idx  [game.NumSymmetries][]int
}

// SymmetryVertex maps board coordinates through a symmetry.
func SymmetryVertex(x, y, symmetry, boardSize int) (int, int) {
	if symmetry&4 != 0 {
		x, y = y, x
	}
	if symmetry&2 != 0 {
		x = boardSize - x - 1
	}
	if symmetry&1 != 0 {
		y = boardSize - y - 1
	}
	return x, y
}

// NewSymmetryTable builds the permutation table for the given board size.
func NewSymmetryTable(boardSize int) *SymmetryTable {
	t := &SymmetryTable{size: boardSize}
	n := boardSize * boardSize
	for s := 0; s < game.NumSymmetries; s++ {
		t.idx[s] = make([]int, n)
		for v := 0; v < n; v++ {
			x, y := SymmetryVertex(v%boardSize, v/boardSize, s, boardSize)
			t.idx[s][v] = y*boardSize + x
		}
	}
	return t
}

// Index maps an intersection index through a symmetry.
func (t *SymmetryTable) Index(symmetry, idx int) int {
	return t.idx[symmetry][idx]
}

// Perm returns the whole permutation of a symmetry.
func (t *SymmetryTable) Perm(symmetry int) []int {
	return t.idx[symmetry]
}

// BoardSize returns the edge length the table was built for.
func (t *SymmetryTable) BoardSize() int {
	return t.size
}
