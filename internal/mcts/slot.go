package mcts

import (
	"sync/atomic"

	"github.com/CuriosAI/sai/internal/game"
)

// ChildSlot is either a compact (move, policy) pair or an owning
// pointer to an inflated node. Slots start compact; the first
// selection inflates them with an atomic tag swap.
type ChildSlot struct {
	node   atomic.Pointer[Node]
	move   int16
	policy atomicFloat32
}

func newChildSlot(move int, policy float32) ChildSlot {
	var s ChildSlot
	s.move = int16(move)
	s.policy.Store(policy)
	return s
}

// Move returns the slot's move.
func (s *ChildSlot) Move() int {
	return int(s.move)
}

// Policy returns the prior, from the node once inflated.
func (s *ChildSlot) Policy() float32 {
	if n := s.node.Load(); n != nil {
		return n.Policy()
	}
	return s.policy.Load()
}

// SetPolicy updates the prior in both representations.
func (s *ChildSlot) SetPolicy(p float32) {
	s.policy.Store(p)
	if n := s.node.Load(); n != nil {
		n.SetPolicy(p)
	}
}

// IsInflated reports whether the slot holds a full node.
func (s *ChildSlot) IsInflated() bool {
	return s.node.Load() != nil
}

// Get returns the inflated node, or nil while compact.
func (s *ChildSlot) Get() *Node {
	return s.node.Load()
}

// Inflate converts the slot to a full node owned by parent's tree.
// Concurrent inflations race on a single CAS; the loser adopts the
// winner's node.
func (s *ChildSlot) Inflate(parent *Node) *Node {
	if n := s.node.Load(); n != nil {
		return n
	}
	fresh := newNode(parent.tree, int(s.move), s.policy.Load())
	if s.node.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return s.node.Load()
}

// Visits is zero while compact.
func (s *ChildSlot) Visits() int32 {
	if n := s.node.Load(); n != nil {
		return n.Visits()
	}
	return 0
}

// Valid is true unless the inflated node was invalidated.
func (s *ChildSlot) Valid() bool {
	if n := s.node.Load(); n != nil {
		return n.Valid()
	}
	return true
}

// Active is true unless the inflated node was pruned or invalidated.
func (s *ChildSlot) Active() bool {
	if n := s.node.Load(); n != nil {
		return n.Active()
	}
	return true
}

// Eval returns the virtual-loss adjusted eval; callers check Visits
// first.
func (s *ChildSlot) Eval(tomove game.Color) float32 {
	if n := s.node.Load(); n != nil {
		return n.Eval(tomove)
	}
	return 0
}

// RawEval returns the eval without virtual loss.
func (s *ChildSlot) RawEval(tomove game.Color) float32 {
	if n := s.node.Load(); n != nil {
		return n.RawEval(tomove, 0)
	}
	return 0
}

// EvalVariance returns the Welford variance, or the default while
// compact or under-visited.
func (s *ChildSlot) EvalVariance(defaultVar float32) float32 {
	if n := s.node.Load(); n != nil {
		return n.EvalVariance(defaultVar)
	}
	return defaultVar
}

// EvalLCB returns the lower confidence bound of the winrate.
func (s *ChildSlot) EvalLCB(color game.Color) float32 {
	if n := s.node.Load(); n != nil {
		return n.EvalLCB(color)
	}
	return lcbUnvisited
}
