package net

import (
	"testing"

	"github.com/CuriosAI/sai/internal/game"
)

func TestSymmetryTablePermutations(t *testing.T) {
	for _, size := range []int{5, 9, 19} {
		table := NewSymmetryTable(size)
		n := size * size
		for s := 0; s < game.NumSymmetries; s++ {
			seen := make([]bool, n)
			for v := 0; v < n; v++ {
				idx := table.Index(s, v)
				if idx < 0 || idx >= n {
					t.Fatalf("size %d sym %d: index %d out of range", size, s, idx)
				}
				if seen[idx] {
					t.Fatalf("size %d sym %d: index %d mapped twice", size, s, idx)
				}
				seen[idx] = true
			}
		}
	}
}

func TestSymmetryIdentity(t *testing.T) {
	table := NewSymmetryTable(9)
	for v := 0; v < 81; v++ {
		if table.Index(game.IdentitySymmetry, v) != v {
			t.Fatalf("identity symmetry moved %d", v)
		}
	}
}

func TestSymmetryVertexInvolutions(t *testing.T) {
	// Symmetries 1, 2 and 3 are involutions; applying twice returns
	// the original coordinates.
	for _, s := range []int{1, 2, 3} {
		for y := 0; y < 9; y++ {
			for x := 0; x < 9; x++ {
				x1, y1 := SymmetryVertex(x, y, s, 9)
				x2, y2 := SymmetryVertex(x1, y1, s, 9)
				if x2 != x || y2 != y {
					t.Fatalf("symmetry %d not an involution at (%d,%d)", s, x, y)
				}
			}
		}
	}
}
