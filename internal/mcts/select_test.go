package mcts

import (
	"testing"

	"github.com/CuriosAI/sai/internal/game"
)

func TestSelectChildStableTieBreak(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1, 2, 3)
	ev := &fakeEvaluator{result: uniformResult(0.5)}

	// All children share the same prior and no visits: the first
	// slot must win, and repeatedly.
	var first int
	for run := 0; run < 3; run++ {
		root := expandAll(t, tree, state, ev)
		child := root.SelectChild(state, SelectOptions{IsRoot: true})
		if child == nil {
			t.Fatal("no child selected")
		}
		if run == 0 {
			first = child.Move()
		} else if child.Move() != first {
			t.Fatalf("selection not stable: run %d chose %d, first chose %d",
				run, child.Move(), first)
		}
	}
}

func TestSelectChildPrefersHigherPrior(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1, 2)
	result := uniformResult(0.5)
	result.Policy[2] = 0.9
	ev := &fakeEvaluator{result: result}

	root := expandAll(t, tree, state, ev)
	child := root.SelectChild(state, SelectOptions{IsRoot: true})
	if child.Move() != 2 {
		t.Fatalf("selected move %d, want the high prior move 2", child.Move())
	}
}

func TestSelectChildAvoidsExpanding(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1)
	result := uniformResult(0.5)
	result.Policy[0] = 0.8
	result.Policy[1] = 0.1
	ev := &fakeEvaluator{result: result}

	root := expandAll(t, tree, state, ev)

	// Inflate the favorite and mark it as being expanded elsewhere.
	favorite := root.SelectChild(state, SelectOptions{})
	if favorite.Move() != 0 {
		t.Fatalf("favorite is %d, want 0", favorite.Move())
	}
	if !favorite.AcquireExpanding() {
		t.Fatal("could not mark favorite expanding")
	}

	other := root.SelectChild(state, SelectOptions{})
	if other.Move() == 0 {
		t.Fatal("selection picked the node being expanded")
	}
	favorite.ExpandCancel()
}

func TestSelectChildNoPassDemotion(t *testing.T) {
	tree := testTree()
	state := newFakeState(12)
	result := uniformResult(0.5)
	result.PolicyPass = 0.9
	ev := &fakeEvaluator{result: result}

	root := expandAll(t, tree, state, ev)
	child := root.SelectChild(state, SelectOptions{NoPass: true})
	if child.Move() == game.Pass {
		t.Fatal("nopass selection still chose pass")
	}
}

func TestSelectChildPassAfterPassBoost(t *testing.T) {
	tree := testTree()
	state := newFakeState(12)
	result := uniformResult(0.5)
	result.Policy[12] = 0.5
	result.PolicyPass = 0.45
	ev := &fakeEvaluator{result: result}

	root := expandAll(t, tree, state, ev)

	// One equal visit each keeps the exploration term non-zero, so the
	// priors decide and the pass bonus can tip the choice.
	root.SelectMoveChild(12).Update(ResultFromEval(0.5, 0, 1, -1, false), false)
	root.SelectMoveChild(game.Pass).Update(ResultFromEval(0.5, 0, 1, -1, false), false)

	state.passes = 1
	child := root.SelectChild(state, SelectOptions{})
	if child.Move() != game.Pass {
		t.Fatalf("previous pass did not boost pass: chose %d", child.Move())
	}
}

func TestSelectChildMaxVisitsSkip(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1)
	result := uniformResult(0.5)
	result.Policy[0] = 0.8
	result.Policy[1] = 0.1
	ev := &fakeEvaluator{result: result}

	root := expandAll(t, tree, state, ev)

	favorite := root.SelectChild(state, SelectOptions{})
	if favorite.Move() != 0 {
		t.Fatalf("favorite is %d, want 0", favorite.Move())
	}
	favorite.Update(ResultFromEval(0.9, 0, 1, -1, false), false)
	favorite.Update(ResultFromEval(0.9, 0, 1, -1, false), false)

	child := root.SelectChild(state, SelectOptions{MaxVisits: 2})
	if child.Move() == 0 {
		t.Fatal("max visits cap not honored")
	}
}

func TestSelectChildMoveList(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1, 2)
	result := uniformResult(0.5)
	result.Policy[0] = 0.9
	ev := &fakeEvaluator{result: result}

	root := expandAll(t, tree, state, ev)
	child := root.SelectChild(state, SelectOptions{MoveList: []int{2}})
	if child == nil || child.Move() != 2 {
		t.Fatal("move list restriction ignored")
	}
}

func TestSelectChildInheritsNetValues(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1)
	ev := &fakeEvaluator{result: uniformResult(0.5), sai: true}

	root := expandAll(t, tree, state, ev)
	child := root.SelectChild(state, SelectOptions{})

	pi, alpkt, beta, beta2 := child.NetValues()
	rpi, ralpkt, rbeta, rbeta2 := root.NetValues()
	if pi != rpi || alpkt != ralpkt || beta != rbeta || beta2 != rbeta2 {
		t.Fatal("fresh child did not inherit the parent's net values")
	}
}

func TestBestRootChildPicksMostVisited(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1, 2)
	ev := &fakeEvaluator{result: uniformResult(0.5)}

	root := expandAll(t, tree, state, ev)

	target := root.SelectMoveChild(2)
	for i := 0; i < 20; i++ {
		target.Update(ResultFromEval(0.8, 0, 1, -1, false), false)
	}
	other := root.SelectMoveChild(0)
	for i := 0; i < 3; i++ {
		other.Update(ResultFromEval(0.4, 0, 1, -1, false), false)
	}

	best := root.BestRootChild(game.Black)
	if best == nil || best.Move() != 2 {
		t.Fatalf("best root child = %v, want move 2", best)
	}
}
