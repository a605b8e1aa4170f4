package mcts

import (
	"math"

	"github.com/CuriosAI/sai/internal/game"
)

// fpuEval prices unvisited children. The default is the best visited
// child's eval minus a reduction scaled by the visited policy mass;
// fpuavg uses the average of the visited children excluding the best;
// fpuzero uses zero. Also returns the summed child visits, counted
// manually to survive transpositions.
func (n *Node) fpuEval(color game.Color, isRoot bool) (float32, int32) {
	cfg := n.tree.cfg

	var totalVisitedPolicy float32
	var maxEval float32
	var parentVisits int32

	count := 0
	var avgEval float32

	for i := range n.children {
		slot := &n.children[i]
		if !slot.Valid() {
			continue
		}
		visits := slot.Visits()
		if visits <= 0 {
			continue
		}
		childEval := slot.RawEval(color)
		if childEval > maxEval {
			maxEval = childEval
		}
		parentVisits += visits
		totalVisitedPolicy += slot.Policy()

		count++
		avgEval += (childEval - avgEval) / float32(count)
	}

	if cfg.FPUAvg {
		// Average of visited children except for the best one.
		if count > 1 {
			avgEval -= (maxEval - avgEval) / float32(count-1)
		}
		return avgEval, parentVisits
	}

	if cfg.FPUZero {
		return 0.0, parentVisits
	}

	reduction := cfg.FPUReduction
	if isRoot {
		reduction = cfg.FPURootReduction
	}
	fpu := maxEval - reduction*float32(math.Sqrt(float64(totalVisitedPolicy)))
	return fpu, parentVisits
}

// computeNumerator is the PUCT exploration numerator
// sqrt(v * ln(logpuct*v + logconst)).
func (n *Node) computeNumerator(visits int32) float64 {
	cfg := n.tree.cfg
	v := float64(visits)
	return math.Sqrt(v * math.Log(float64(cfg.LogPuct)*v+float64(cfg.LogConst)))
}

func (n *Node) uctValue(winrate, policy float32, numerator float64, denom int32) float64 {
	return float64(winrate) +
		float64(n.tree.cfg.Puct)*float64(policy)*numerator/float64(denom)
}

// UCTRoot scores this node as a root candidate, with the prior halved.
func (n *Node) UCTRoot(root *Node, color game.Color) float64 {
	if n.Visits() > 0 {
		return n.uctValue(n.RawEval(color, 0), n.Policy()/2,
			n.computeNumerator(root.Visits()), n.Denom())
	}
	fpu, parentVisits := root.fpuEval(color, true)
	return n.uctValue(fpu, n.Policy()/2, n.computeNumerator(parentVisits), n.Denom())
}

// SelectOptions narrows PUCT selection.
type SelectOptions struct {
	IsRoot bool
	// MaxVisits skips children at or above this visit count when
	// positive, keeping endgame roll-outs wide instead of deep.
	MaxVisits int32
	// MoveList restricts the candidates when non-empty.
	MoveList []int
	// NoPass demotes the pass child.
	NoPass bool
}

// SelectChild runs PUCT over the active children and inflates the
// chosen one. Ties break toward the earlier slot, so identical inputs
// select identical sequences.
func (n *Node) SelectChild(state game.State, opts SelectOptions) *Node {
	n.WaitExpanded()

	cfg := n.tree.cfg
	color := state.ToMove()

	fpu, parentVisits := n.fpuEval(color, opts.IsRoot)
	numerator := n.computeNumerator(parentVisits)

	var best *ChildSlot
	bestValue := math.Inf(-1)

	for i := range n.children {
		slot := &n.children[i]
		if !slot.Active() {
			continue
		}
		if len(opts.MoveList) > 0 && !containsMove(opts.MoveList, slot.Move()) {
			continue
		}

		visits := slot.Visits()
		if opts.MaxVisits > 0 && visits >= opts.MaxVisits {
			continue
		}

		winrate := fpu
		if child := slot.Get(); child != nil && child.IsExpanding() {
			// Someone else is expanding this node; never select
			// it if we can avoid blocking on it.
			winrate = -1.0
		} else if visits > 0 {
			winrate = slot.Eval(color)
		}
		psa := slot.Policy()

		if opts.NoPass && slot.Move() == game.Pass {
			psa = 0.0
			winrate -= 0.05
		}

		if state.Passes() >= 1 && slot.Move() == game.Pass {
			psa += 0.2
		}

		if cfg.StdevUCT {
			stdev := float32(math.Sqrt(float64(slot.EvalVariance(0.25))))
			// Maximum stdev is 0.5, so double it to get something
			// of order 1.
			psa *= 2.0 * stdev
		}

		denom := int32(1) + visits
		if child := slot.Get(); child != nil {
			denom = child.Denom()
		}

		value := n.uctValue(winrate, psa, numerator, denom)
		if value > bestValue {
			bestValue = value
			best = slot
		}
	}

	if best == nil {
		return nil
	}
	chosen := best.Inflate(n)
	if chosen.Visits() == 0 {
		pi, alpkt, beta, beta2 := n.NetValues()
		chosen.SetNetValues(pi, alpkt, beta, beta2)
	}
	chosen.fatherQLambda.Store(n.quantileLambda.Load())
	chosen.fatherQMu.Store(n.quantileMu.Load())
	return chosen
}

func containsMove(list []int, move int) bool {
	for _, m := range list {
		if m == move {
			return true
		}
	}
	return false
}
