package mcts

import (
	"sort"

	"github.com/CuriosAI/sai/internal/game"
	"github.com/CuriosAI/sai/internal/net"
)

// One-sided 95% Student-t quantiles for the LCB, by degrees of
// freedom; beyond the table the normal quantile is close enough.
var tQuantiles = [...]float32{
	6.314, 2.920, 2.353, 2.132, 2.015,
	1.943, 1.895, 1.860, 1.833, 1.812,
	1.796, 1.782, 1.771, 1.761, 1.753,
}

func tQuantile(df int) float32 {
	if df < 1 {
		df = 1
	}
	if df <= len(tQuantiles) {
		return tQuantiles[df-1]
	}
	return 1.645
}

// lcbLess orders two slots for root-move ranking: by winrate LCB when
// both have enough visits, then by visits, then by prior, then by eval.
func lcbLess(a, b *ChildSlot, color game.Color, lcbMinVisits float32, useLCB bool) bool {
	aVisits := a.Visits()
	bVisits := b.Visits()

	if lcbMinVisits < 2 {
		lcbMinVisits = 2
	}

	if useLCB && float32(aVisits) > lcbMinVisits && float32(bVisits) > lcbMinVisits {
		aLCB := a.EvalLCB(color)
		bLCB := b.EvalLCB(color)
		if aLCB != bLCB {
			return aLCB < bLCB
		}
	}

	if aVisits != bVisits {
		return aVisits < bVisits
	}

	// Neither has visits: sort on policy prior.
	if aVisits == 0 {
		return a.Policy() < b.Policy()
	}

	return a.Eval(color) < b.Eval(color)
}

// SortChildren orders the children best first for reporting and for
// picking the move to play.
func (n *Node) SortChildren(color game.Color, lcbMinVisits float32) {
	useLCB := n.tree.cfg.UseLCB
	sort.SliceStable(n.children, func(i, j int) bool {
		// Descending: j before i in the ascending comparator.
		return lcbLess(&n.children[j], &n.children[i], color, lcbMinVisits, useLCB)
	})
}

// SortChildrenByPolicy orders the children by prior, best first.
func (n *Node) SortChildrenByPolicy() {
	sort.SliceStable(n.children, func(i, j int) bool {
		return n.children[j].Policy() < n.children[i].Policy()
	})
}

// BestRootChild returns the highest ranked child of the root,
// inflating it.
func (n *Node) BestRootChild(color game.Color) *Node {
	n.WaitExpanded()
	if len(n.children) == 0 {
		return nil
	}

	var maxVisits int32
	for i := range n.children {
		if v := n.children[i].Visits(); v > maxVisits {
			maxVisits = v
		}
	}
	lcbMinVisits := n.tree.cfg.LCBMinVisitRatio * float32(maxVisits)

	best := &n.children[0]
	for i := 1; i < len(n.children); i++ {
		if lcbLess(best, &n.children[i], color, lcbMinVisits, n.tree.cfg.UseLCB) {
			best = &n.children[i]
		}
	}
	return best.Inflate(n)
}

// subtreeAlpkts collects the leaf score advantages of the visited
// subtree. Nodes whose visits exceed their children's replicate their
// own value for the missing count under Tromp-Taylor scoring.
func (n *Node) subtreeAlpkts(out []float32, passes int, trompTaylor bool) []float32 {
	var childrenVisits int32

	out = append(out, n.netAlpkt.Load())
	for i := range n.children {
		child := n.children[i].Get()
		if child == nil {
			continue
		}
		childVisits := child.Visits()
		if childVisits > 0 {
			pass := 0
			if child.Move() == game.Pass {
				pass = 1
			}
			out = child.subtreeAlpkts(out, (passes+1)*pass, trompTaylor)
			childrenVisits += childVisits
		}
	}

	missing := n.Visits() - childrenVisits - 1
	if missing > 0 && trompTaylor {
		alpkt := n.netAlpkt.Load()
		for i := int32(0); i < missing; i++ {
			out = append(out, alpkt)
		}
	}
	return out
}

// EstimateAlpkt is the median leaf score advantage of the subtree.
func (n *Node) EstimateAlpkt(passes int, trompTaylor bool) float32 {
	return median(n.subtreeAlpkts(nil, passes, trompTaylor))
}

func (n *Node) subtreeBetas(out []float32) []float32 {
	out = append(out, n.netBeta.Load())
	for i := range n.children {
		if child := n.children[i].Get(); child != nil && child.Visits() > 0 {
			out = child.subtreeBetas(out)
		}
	}
	return out
}

// BetaMedian is the median leaf beta of the visited subtree.
func (n *Node) BetaMedian() float32 {
	return median(n.subtreeBetas(nil))
}

func (n *Node) azSumRecursion(sum *float64, count *int64) {
	*sum += float64(n.netPi.Load())
	*count++
	for i := range n.children {
		if child := n.children[i].Get(); child != nil && child.Visits() > 0 {
			child.azSumRecursion(sum, count)
		}
	}
}

// AZWinrateAvg averages the raw network winrates over the visited
// subtree, the value an AlphaZero-style head would report.
func (n *Node) AZWinrateAvg() float32 {
	var sum float64
	var count int64
	n.azSumRecursion(&sum, &count)
	return float32(sum / float64(count))
}

// UCTStats summarises the subtree for reporting.
type UCTStats struct {
	AlpktTree    float32
	BetaMedian   float32
	AZWinrateAvg float32
}

// Stats gathers the subtree statistics.
func (n *Node) Stats() UCTStats {
	return UCTStats{
		AlpktTree:    -n.quantileOne.Load(),
		BetaMedian:   n.BetaMedian(),
		AZWinrateAvg: n.AZWinrateAvg(),
	}
}

// StateEval is a per-node evaluation snapshot.
type StateEval struct {
	Visits         int32
	NetAlpkt       float32
	NetBeta        float32
	NetPi          float32
	QuantileLambda float32
	QuantileMu     float32
	Eval           float32
	AlpktTree      float32
}

// StateEval snapshots the node for logging and analysis output.
func (n *Node) StateEval() StateEval {
	return StateEval{
		Visits:         n.Visits(),
		NetAlpkt:       n.netAlpkt.Load(),
		NetBeta:        n.netBeta.Load(),
		NetPi:          n.netPi.Load(),
		QuantileLambda: n.quantileLambda.Load(),
		QuantileMu:     n.quantileMu.Load(),
		Eval:           n.RawEval(game.Black, 0),
		AlpktTree:      -n.quantileOne.Load(),
	}
}

// ScoreStats returns the (alpkt, beta, eval) triple driving the score
// report.
func (n *Node) ScoreStats() (float32, float32, float32) {
	return -n.QuantileOne(), n.NetBeta(), n.RawEval(game.Black, 0)
}

// AgentEval packages the agent parameters for the heatmap.
func (n *Node) AgentEval(tomove game.Color) net.AgentEval {
	return net.AgentEval{
		Lambda:         n.lambda.Load(),
		Mu:             n.mu.Load(),
		QuantileLambda: n.QuantileLambda(tomove),
		QuantileMu:     n.QuantileMu(tomove),
		AlpktTree:      -n.quantileOne.Load(),
	}
}

func median(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
	mid := len(v) / 2
	if len(v)%2 == 0 {
		return (v[mid-1] + v[mid]) / 2
	}
	return v[mid]
}
