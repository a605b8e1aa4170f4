package mcts

import (
	"math"
	"sort"

	"github.com/CuriosAI/sai/internal/game"
	"github.com/CuriosAI/sai/internal/net"
)

type policyMove struct {
	policy float32
	move   int
}

// CreateChildren evaluates the position and links this node's
// children. At most one goroutine wins the expansion; losers return
// false. A drained evaluation cancels the expansion and surfaces
// ErrNetworkHalt so the simulation unwinds.
func (n *Node) CreateChildren(ev Evaluator, state game.State, minPSARatio float32) (SearchResult, bool, error) {
	// No successors in a final state.
	if state.Passes() >= 2 {
		return SearchResult{}, false, nil
	}

	if !n.AcquireExpanding() {
		return SearchResult{}, false, nil
	}

	if !n.Expandable(minPSARatio) {
		n.ExpandDone()
		return SearchResult{}, false, nil
	}

	cfg := n.tree.cfg
	raw, err := ev.GetOutput(state, net.RandomSymmetry, -1,
		cfg.UseNNCache, cfg.UseNNCache)
	if err != nil {
		// Covers ErrNetworkHalt from a drain: the node returns to
		// the initial state and the simulation unwinds.
		n.ExpandCancel()
		return SearchResult{}, false, err
	}

	// The network evaluates from the side to move; the tree
	// accumulates from black's point of view.
	stmEval := raw.Value
	toMove := state.ToMove()
	value := stmEval
	if toMove != game.Black {
		value = 1.0 - stmEval
	}

	var alpkt, beta, beta2 float32
	if ev.IsSai() {
		alpkt = state.Alpkt(raw.Alpha)
		beta = raw.Beta
		beta2 = raw.Beta2
	} else {
		// The alpha of an LZ head holds the winrate logits.
		alpkt = raw.Alpha
		if toMove != game.Black {
			alpkt = -alpkt
		}
		beta = 1.0
		beta2 = 1.0
	}
	n.SetNetValues(value, alpkt, beta, beta2)

	boardSize := state.BoardSize()
	area := boardSize * boardSize

	var stabilizer []int
	for s := 0; s < game.NumSymmetries; s++ {
		if s == game.IdentitySymmetry ||
			(cfg.ExploitSymmetries && state.IsSymmetryInvariant(s)) {
			stabilizer = append(stabilizer, s)
		}
	}

	nodelist := make([]policyMove, 0, area+1)
	takenAlready := make([]bool, area)

	var legalSum float32
	for vertex := 0; vertex < area; vertex++ {
		if !state.IsMoveLegal(toMove, vertex) || takenAlready[vertex] {
			continue
		}
		// Pool the policy over the stabilizer orbit and keep one
		// representative vertex.
		var takenPolicy float32
		var maxU float32
		chosen := vertex
		for _, sym := range stabilizer {
			j := state.SymMove(vertex, sym)
			if takenAlready[j] {
				continue
			}
			takenAlready[j] = true
			takenPolicy += raw.Policy[j]

			var u float32
			if cfg.SymmNonRandom {
				u = float32(j%boardSize) + 2.001*float32(j/boardSize)
			} else {
				u = n.tree.randFloat()
			}
			if u > maxU {
				maxU = u
				chosen = j
			}
		}
		warm := warmPolicy(takenPolicy, cfg.PolicyTemp)
		nodelist = append(nodelist, policyMove{warm, chosen})
		legalSum += warm
	}

	// Always try passes if we're not trying to be clever.
	allowPass := cfg.DumbPass

	// Few available intersections left: always consider passing.
	minMoves := 5
	if boardSize > minMoves {
		minMoves = boardSize
	}
	if len(nodelist) <= minMoves {
		allowPass = true
	}

	// If we're clever, only try passing if we're winning on the net
	// score and on the board count.
	if !allowPass && stmEval > 0.8 {
		relativeScore := state.FinalScore()
		if toMove != game.Black {
			relativeScore = -relativeScore
		}
		if relativeScore >= 0 {
			allowPass = true
		}
	}

	// The rules engine has the last word on passing.
	if !state.IsMoveLegal(toMove, game.Pass) {
		allowPass = false
	}

	if allowPass {
		warm := warmPolicy(raw.PolicyPass, cfg.PolicyTemp)
		nodelist = append(nodelist, policyMove{warm, game.Pass})
		legalSum += warm
	}

	if legalSum > math.SmallestNonzeroFloat32 {
		// Re-normalize after removing illegal moves.
		for i := range nodelist {
			nodelist[i].policy /= legalSum
		}
	} else {
		// This can happen with new randomized nets.
		uniform := 1.0 / float32(len(nodelist))
		for i := range nodelist {
			nodelist[i].policy = uniform
		}
	}

	n.linkNodelist(nodelist, minPSARatio)

	result := ResultFromEval(value, alpkt, beta, beta2, ev.IsSai())
	if ev.IsSai() {
		n.SetLambdaMu(state)
	}
	n.Update(result, false)
	n.ExpandDone()
	return result, true, nil
}

func warmPolicy(policy, temp float32) float32 {
	if temp == 1.0 {
		return policy
	}
	return float32(math.Pow(float64(policy), 1.0/float64(temp)))
}

// linkNodelist turns the legal-move list into child slots, best prior
// first, honoring the partial-expansion threshold.
func (n *Node) linkNodelist(nodelist []policyMove, minPSARatio float32) {
	if len(nodelist) == 0 {
		return
	}

	// Best to worst order, so the highest policies go first.
	sort.SliceStable(nodelist, func(i, j int) bool {
		if nodelist[i].policy != nodelist[j].policy {
			return nodelist[i].policy > nodelist[j].policy
		}
		return nodelist[i].move > nodelist[j].move
	})

	maxPsa := nodelist[0].policy
	oldMinPsa := maxPsa * n.minPSARatioChildren.Load()
	newMinPsa := maxPsa * minPSARatio

	children := make([]ChildSlot, 0, len(nodelist))
	children = append(children, n.children...)

	skipped := false
	for _, nd := range nodelist {
		if nd.policy < newMinPsa {
			skipped = true
		} else if nd.policy < oldMinPsa {
			children = append(children, newChildSlot(nd.move, nd.policy))
			n.tree.nodeCount.Add(1)
		}
	}
	n.children = children

	if skipped {
		n.minPSARatioChildren.Store(minPSARatio)
	} else {
		n.minPSARatioChildren.Store(0.0)
	}
}
