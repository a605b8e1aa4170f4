// Package mcts implements the search tree node: PUCT selection,
// at-most-once expansion, lock-free visit statistics and the running
// quantile estimators of the SAI value head.
package mcts

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/CuriosAI/sai/internal/config"
	"github.com/CuriosAI/sai/internal/game"
	"github.com/CuriosAI/sai/internal/net"
)

// Node status.
const (
	statusActive int32 = iota
	statusPruned
	statusInvalid
)

// Expansion states. The only transitions are initial->expanding (CAS),
// expanding->expanded (store) and expanding->initial (store on cancel).
const (
	expandInitial int32 = iota
	expandExpanding
	expandExpanded
)

// Evaluator is the slice of the network the tree needs.
type Evaluator interface {
	GetOutput(state game.State, ensemble net.Ensemble, symmetry int,
		readCache, writeCache bool) (net.Netresult, error)
	IsSai() bool
}

// Tree is the shared context of one search tree: configuration, RNG
// and the node counter.
type Tree struct {
	cfg config.Config

	rngMu sync.Mutex
	rng   *rand.Rand

	nodeCount atomic.Int64
}

// NewTree builds a search context. A zero RNGSeed falls back to a
// fixed seed, keeping trees reproducible by default.
func NewTree(cfg config.Config) *Tree {
	seed := cfg.RNGSeed
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &Tree{
		cfg: cfg,
		rng: rand.New(rand.NewSource(int64(seed))),
	}
}

// Config returns the tree configuration snapshot.
func (t *Tree) Config() config.Config {
	return t.cfg
}

// NodeCount returns the number of linked children across the tree.
func (t *Tree) NodeCount() int64 {
	return t.nodeCount.Load()
}

func (t *Tree) randFloat() float32 {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.rng.Float32()
}

// NewRoot creates the root of a fresh tree.
func (t *Tree) NewRoot() *Node {
	return newNode(t, game.Pass, 1.0)
}

// Node is one tree node. Counters are lock-free; the children slice
// is written once by the expanding goroutine before the expanded state
// is published.
type Node struct {
	tree *Tree

	move   int16
	policy atomicFloat32

	status      atomic.Int32
	expandState atomic.Int32

	visits      atomic.Int32
	virtualLoss atomic.Int32
	forced      atomic.Uint32

	blackEvals      atomicFloat64
	piSum           atomicFloat64
	squaredEvalDiff atomicFloat64

	// Leaf network outputs, cached on first expansion.
	netPi    atomicFloat32
	netAlpkt atomicFloat32
	netBeta  atomicFloat32
	netBeta2 atomicFloat32

	lambda atomicFloat32
	mu     atomicFloat32

	// Parent quantiles at the latest selection of this node, entering
	// the bonus blend.
	fatherQLambda atomicFloat32
	fatherQMu     atomicFloat32

	quantileLambda  atomicFloat32
	quantileMu      atomicFloat32
	quantileOne     atomicFloat32
	gxgpSumLambda   atomicFloat32
	gpSumLambda     atomicFloat32
	gxgpSumMu       atomicFloat32
	gpSumMu         atomicFloat32
	gxgpSumOne      atomicFloat32
	gpSumOne        atomicFloat32
	quantileUpdates atomic.Uint32

	// Above 1.0 means not yet expanded, 0.0 fully expanded, in between
	// partially expanded. Monotonically non-increasing.
	minPSARatioChildren atomicFloat32

	children []ChildSlot
}

func newNode(tree *Tree, move int, policy float32) *Node {
	n := &Node{tree: tree, move: int16(move)}
	n.policy.Store(policy)
	n.netBeta.Store(1.0)
	n.netBeta2.Store(-1.0)
	// Above 1.0 so the first expansion links every child, including
	// the one sitting exactly at the maximum prior.
	n.minPSARatioChildren.Store(2.0)
	return n
}

// Move returns the move that leads to this node.
func (n *Node) Move() int {
	return int(n.move)
}

// Policy returns the prior of this node's move.
func (n *Node) Policy() float32 {
	return n.policy.Load()
}

// SetPolicy overrides the prior (root noise).
func (n *Node) SetPolicy(p float32) {
	n.policy.Store(p)
}

// FirstVisit reports whether the node was never updated.
func (n *Node) FirstVisit() bool {
	return n.visits.Load() == 0
}

// Visits returns the visit counter.
func (n *Node) Visits() int32 {
	return n.visits.Load()
}

// Children returns the slots linked by expansion. Callers must have
// observed the expanded state (WaitExpanded or a selection call).
func (n *Node) Children() []ChildSlot {
	return n.children
}

// HasChildren reports whether expansion has linked any children.
func (n *Node) HasChildren() bool {
	return n.minPSARatioChildren.Load() <= 1.0
}

// Expandable reports whether an expansion at the given prior ratio
// would link more children.
func (n *Node) Expandable(minPSARatio float32) bool {
	return minPSARatio < n.minPSARatioChildren.Load()
}

// NetValues returns the cached leaf outputs (pi, alpkt, beta, beta2).
func (n *Node) NetValues() (float32, float32, float32, float32) {
	return n.netPi.Load(), n.netAlpkt.Load(), n.netBeta.Load(), n.netBeta2.Load()
}

// SetNetValues seeds the leaf outputs, used when a fresh child
// inherits its parent's values.
func (n *Node) SetNetValues(pi, alpkt, beta, beta2 float32) {
	n.netPi.Store(pi)
	n.netAlpkt.Store(alpkt)
	n.netBeta.Store(beta)
	n.netBeta2.Store(beta2)
}

// NetAlpkt returns the leaf score advantage.
func (n *Node) NetAlpkt() float32 { return n.netAlpkt.Load() }

// NetBeta returns the leaf beta.
func (n *Node) NetBeta() float32 { return n.netBeta.Load() }

// NetPi returns the leaf winrate from black's perspective, flipped
// for white.
func (n *Node) NetPi(tomove game.Color) float32 {
	if tomove == game.White {
		return 1.0 - n.netPi.Load()
	}
	return n.netPi.Load()
}

// Lambda returns the node's policy-blending lambda.
func (n *Node) Lambda() float32 { return n.lambda.Load() }

// Mu returns the node's policy-blending mu.
func (n *Node) Mu() float32 { return n.mu.Load() }

// VirtualLoss biases the node against concurrent selection.
func (n *Node) VirtualLoss() {
	n.virtualLoss.Add(n.tree.cfg.VirtualLossCount)
}

// VirtualLossUndo removes this goroutine's bias after backpropagation.
func (n *Node) VirtualLossUndo() {
	n.virtualLoss.Add(-n.tree.cfg.VirtualLossCount)
}

// Invalidate marks the node unusable (superko, pruned root move).
func (n *Node) Invalidate() {
	n.status.Store(statusInvalid)
}

// SetActive prunes or re-activates a valid node.
func (n *Node) SetActive(active bool) {
	if n.Valid() {
		if active {
			n.status.Store(statusActive)
		} else {
			n.status.Store(statusPruned)
		}
	}
}

// Valid reports the node was not invalidated.
func (n *Node) Valid() bool {
	return n.status.Load() != statusInvalid
}

// Active reports the node takes part in selection.
func (n *Node) Active() bool {
	return n.status.Load() == statusActive
}

// AcquireExpanding attempts the initial->expanding transition. At most
// one goroutine wins per expansion round.
func (n *Node) AcquireExpanding() bool {
	return n.expandState.CompareAndSwap(expandInitial, expandExpanding)
}

// ExpandDone publishes the expansion.
func (n *Node) ExpandDone() {
	n.expandState.Store(expandExpanded)
}

// ExpandCancel returns the node to the initial state after a halted
// evaluation.
func (n *Node) ExpandCancel() {
	n.expandState.Store(expandInitial)
}

// WaitExpanded spins until the node leaves the expanding state.
// Expansion is short and contention is rare, so a busy wait beats a
// condition variable here.
func (n *Node) WaitExpanded() {
	for n.expandState.Load() == expandExpanding {
	}
}

// IsExpanding reports a live expansion, used to steer selection away.
func (n *Node) IsExpanding() bool {
	return n.expandState.Load() == expandExpanding
}

// RawEval returns the mean eval from tomove's perspective with the
// given virtual loss folded in. Virtual-loss visits count as losses
// for tomove, so the descending side sees losses.
func (n *Node) RawEval(tomove game.Color, virtualLoss int32) float32 {
	visits := n.visits.Load() + virtualLoss
	if visits <= 0 {
		return 0.5
	}
	blackEval := n.blackEvals.Load()
	if tomove == game.White {
		blackEval += float64(virtualLoss)
	}
	eval := float32(blackEval / float64(visits))
	if tomove == game.White {
		eval = 1.0 - eval
	}
	return eval
}

// Eval is RawEval with the node's current virtual loss.
func (n *Node) Eval(tomove game.Color) float32 {
	return n.RawEval(tomove, n.virtualLoss.Load())
}

// AvgPi returns the average raw network winrate over updates.
func (n *Node) AvgPi(tomove game.Color) float32 {
	visits := n.visits.Load()
	avg := float32(0.5)
	if visits > 0 {
		avg = float32(n.piSum.Load() / float64(visits))
	}
	if tomove == game.White {
		return 1.0 - avg
	}
	return avg
}

// EvalVariance returns the Welford variance of the backed-up evals.
func (n *Node) EvalVariance(defaultVar float32) float32 {
	visits := n.visits.Load()
	if visits > 1 {
		return float32(n.squaredEvalDiff.Load() / float64(visits-1))
	}
	return defaultVar
}

const lcbUnvisited = -1e6

// EvalLCB is the lower confidence bound of the winrate, strongly
// negative while under-visited.
func (n *Node) EvalLCB(color game.Color) float32 {
	visits := n.visits.Load()
	if visits < 2 {
		return lcbUnvisited + float32(visits)
	}
	mean := n.RawEval(color, 0)
	stddev := float32(math.Sqrt(float64(n.EvalVariance(1.0) / float32(visits))))
	z := tQuantile(int(visits) - 1)
	return mean - z*stddev
}

// QuantileLambda returns the lambda quantile from tomove's view.
func (n *Node) QuantileLambda(tomove game.Color) float32 {
	if tomove == game.White {
		return -n.quantileLambda.Load()
	}
	return n.quantileLambda.Load()
}

// QuantileMu returns the mu quantile from tomove's view.
func (n *Node) QuantileMu(tomove game.Color) float32 {
	if tomove == game.White {
		return -n.quantileMu.Load()
	}
	return n.quantileMu.Load()
}

// QuantileOne returns the score quantile.
func (n *Node) QuantileOne() float32 {
	return n.quantileOne.Load()
}

// Denom is the PUCT denominator: visits plus one, minus the forced
// visits when the ladder code is enabled.
func (n *Node) Denom() int32 {
	if n.tree.cfg.LadderCode {
		return 1 + n.visits.Load() - int32(n.forced.Load())
	}
	return 1 + n.visits.Load()
}

// Update folds one backed-up result into the node: visit count, eval
// sums, Welford variance and, for SAI results, the running quantiles.
// Returns the eval that was accumulated.
func (n *Node) Update(result SearchResult, forced bool) float32 {
	var eval float64
	if result.IsSaiHead() {
		eval = float64(result.EvalWithBonus(
			n.fatherQLambda.Load(), n.fatherQMu.Load(), n.lambda.Load()))
	} else {
		eval = float64(result.Eval())
	}

	// Cache values so racing updates only skew the variance term.
	oldEval := n.blackEvals.Load()
	oldVisits := n.visits.Load()
	var oldDelta float64
	if oldVisits > 0 {
		oldDelta = eval - oldEval/float64(oldVisits)
	}
	n.visits.Add(1)
	n.blackEvals.Add(eval)
	newDelta := eval - (oldEval+eval)/float64(oldVisits+1)
	n.squaredEvalDiff.Add(oldDelta * newDelta)
	if forced {
		n.forced.Add(1)
	}
	n.piSum.Add(float64(result.Eval()))

	if result.IsSaiHead() {
		n.updateAllQuantiles(result.alpkt, result.beta, result.beta2)
	}
	return float32(eval)
}

// SetLambdaMu picks the blending weights for this node by engine color
// and by which side the raw eval favors.
func (n *Node) SetLambdaMu(state game.State) {
	i := 0
	if !state.IsCPUColor() {
		i = 2
	}
	if n.RawEval(state.ToMove(), 0) < 0.5 {
		i++
	}
	n.lambda.Store(n.tree.cfg.Lambda[i])
	n.mu.Store(n.tree.cfg.Mu[i])
}

// LowVisitsChild reports whether the child's visits are still too few
// to trust relative to this node. The child may be a wrong move that
// is about to drop out of the tree.
func (n *Node) LowVisitsChild(child *Node) bool {
	fatherVisits := n.Visits()
	childVisits := child.Visits()
	return childVisits*(childVisits-3) < fatherVisits-2
}

// SelectMoveChild finds and inflates the child playing the given move.
func (n *Node) SelectMoveChild(move int) *Node {
	for i := range n.children {
		slot := &n.children[i]
		if slot.Move() == move {
			return slot.Inflate(n)
		}
	}
	return nil
}

// CountNodesAndClearExpandState walks the subtree for reuse after a
// root change: counts linked nodes and rewinds partial expansions.
func (n *Node) CountNodesAndClearExpandState() int64 {
	count := int64(len(n.children))
	if n.Expandable(0.0) {
		n.expandState.Store(expandInitial)
	}
	for i := range n.children {
		if child := n.children[i].Get(); child != nil {
			count += child.CountNodesAndClearExpandState()
		}
	}
	return count
}
