package mcts

import (
	"sync"
	"testing"

	"github.com/CuriosAI/sai/internal/config"
	"github.com/CuriosAI/sai/internal/game"
	"github.com/CuriosAI/sai/internal/net"
)

const testBoardSize = 5
const testArea = testBoardSize * testBoardSize

// fakeState is a minimal State where any empty intersection from a
// fixed legal set may be played.
type fakeState struct {
	size      int
	legal     map[int]bool
	passLegal bool
	toMove    game.Color
	passes    int
	moveNum   int
	cpuColor  bool
}

func newFakeState(legal ...int) *fakeState {
	s := &fakeState{
		size:      testBoardSize,
		legal:     map[int]bool{},
		passLegal: true,
		toMove:    game.Black,
		cpuColor:  true,
	}
	for _, v := range legal {
		s.legal[v] = true
	}
	return s
}

func (s *fakeState) StoneAt(x, y int) game.Color { return game.Empty }
func (s *fakeState) ToMove() game.Color          { return s.toMove }
func (s *fakeState) IsMoveLegal(c game.Color, vertex int) bool {
	if vertex == game.Pass {
		return s.passLegal
	}
	return s.legal[vertex]
}
func (s *fakeState) LibertiesToCapture(vertex int) int { return 0 }
func (s *fakeState) ChainLiberties(vertex int) int     { return 4 }
func (s *fakeState) ChainStones(vertex int) int        { return 1 }
func (s *fakeState) BoardSize() int                    { return s.size }
func (s *fakeState) MoveNum() int                      { return s.moveNum }
func (s *fakeState) Passes() int                       { return s.passes }
func (s *fakeState) Hash() uint64                      { return 42 }
func (s *fakeState) SymmetryHash(sym int) uint64       { return 42 }
func (s *fakeState) Past(h int) game.Position          { return s }
func (s *fakeState) Alpkt(rawAlpha float32) float32    { return rawAlpha }
func (s *fakeState) KomiAdj() float32                  { return 0 }
func (s *fakeState) SymMove(vertex, sym int) int       { return vertex }
func (s *fakeState) IsSymmetryInvariant(sym int) bool  { return false }
func (s *fakeState) FinalScore() float32               { return 0 }
func (s *fakeState) IsCPUColor() bool                  { return s.cpuColor }

// fakeEvaluator returns a fixed network output.
type fakeEvaluator struct {
	result net.Netresult
	sai    bool
	err    error
}

func uniformResult(value float32) net.Netresult {
	r := net.Netresult{
		Policy:     make([]float32, testArea),
		PolicyPass: 1.0 / float32(testArea+1),
		Value:      value,
		Beta:       0.4,
		Beta2:      -1.0,
	}
	for i := range r.Policy {
		r.Policy[i] = 1.0 / float32(testArea+1)
	}
	return r
}

func (e *fakeEvaluator) GetOutput(state game.State, ensemble net.Ensemble,
	symmetry int, readCache, writeCache bool) (net.Netresult, error) {
	if e.err != nil {
		return net.Netresult{}, e.err
	}
	return e.result.Clone(), nil
}

func (e *fakeEvaluator) IsSai() bool { return e.sai }

func testTree() *Tree {
	cfg := config.Default()
	cfg.BoardSize = testBoardSize
	cfg.RNGSeed = 7
	return NewTree(cfg)
}

func expandAll(t *testing.T, tree *Tree, state game.State, ev Evaluator) *Node {
	t.Helper()
	root := tree.NewRoot()
	_, ok, err := root.CreateChildren(ev, state, 0.0)
	if err != nil {
		t.Fatalf("CreateChildren: %v", err)
	}
	if !ok {
		t.Fatal("CreateChildren did not expand")
	}
	return root
}

func TestCreateChildrenLinksLegalMoves(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1, 2, 7, 12)
	ev := &fakeEvaluator{result: uniformResult(0.5)}

	root := expandAll(t, tree, state, ev)

	// 5 legal moves plus pass (few intersections always allow it).
	if got := len(root.Children()); got != 6 {
		t.Fatalf("children = %d, want 6", got)
	}

	var sum float32
	seen := map[int]bool{}
	for i := range root.Children() {
		slot := &root.Children()[i]
		if slot.Policy() < 0 {
			t.Fatalf("negative policy %v", slot.Policy())
		}
		sum += slot.Policy()
		seen[slot.Move()] = true
	}
	if sum < 0.99999 || sum > 1.00001 {
		t.Errorf("child policy sum = %v, want 1", sum)
	}
	if !seen[game.Pass] {
		t.Error("pass child missing")
	}
	if root.Visits() != 1 {
		t.Errorf("root visits after expansion = %d, want 1", root.Visits())
	}
}

func TestCreateChildrenSingleLegalMoveNoPass(t *testing.T) {
	tree := testTree()
	state := newFakeState(12)
	state.passLegal = false
	ev := &fakeEvaluator{result: uniformResult(0.5)}

	root := expandAll(t, tree, state, ev)

	if got := len(root.Children()); got != 1 {
		t.Fatalf("children = %d, want 1", got)
	}
	slot := &root.Children()[0]
	if slot.Move() != 12 {
		t.Errorf("child move = %d, want 12", slot.Move())
	}
	if slot.Policy() != 1.0 {
		t.Errorf("child policy = %v, want 1.0", slot.Policy())
	}
}

func TestCreateChildrenTerminalState(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1)
	state.passes = 2
	ev := &fakeEvaluator{result: uniformResult(0.5)}

	root := tree.NewRoot()
	_, ok, err := root.CreateChildren(ev, state, 0.0)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expanded a finished game")
	}
}

func TestCreateChildrenHaltCancelsExpansion(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1)
	ev := &fakeEvaluator{err: net.ErrNetworkHalt}

	root := tree.NewRoot()
	_, ok, err := root.CreateChildren(ev, state, 0.0)
	if ok || err == nil {
		t.Fatal("halted expansion reported success")
	}
	if root.IsExpanding() {
		t.Fatal("node stuck in expanding state after halt")
	}
	if !root.AcquireExpanding() {
		t.Fatal("node not back to initial state after halt")
	}
}

func TestExpansionAtomicity(t *testing.T) {
	root := testTree().NewRoot()

	const goroutines = 16
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if root.AcquireExpanding() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d goroutines acquired the expansion, want exactly 1", wins)
	}
}

func TestUpdateWelford(t *testing.T) {
	root := testTree().NewRoot()

	evals := []float32{0.3, 0.5, 0.7, 0.9}
	for _, e := range evals {
		root.Update(ResultFromEval(e, 0, 1, -1, false), false)
	}

	if got := root.Visits(); got != 4 {
		t.Fatalf("visits = %d, want 4", got)
	}
	if eval := root.RawEval(game.Black, 0); eval < 0.599 || eval > 0.601 {
		t.Errorf("mean eval = %v, want 0.6", eval)
	}
	// Sample variance of {0.3, 0.5, 0.7, 0.9} is 2/30.
	wantVar := float32(2.0 / 30.0)
	if v := root.EvalVariance(0); v < wantVar-1e-3 || v > wantVar+1e-3 {
		t.Errorf("variance = %v, want about %v", v, wantVar)
	}
	// Invariant: |eval sum| < visits, pi sum within [0, visits].
	if sum := root.blackEvals.Load(); sum < 0 || sum >= 4 {
		t.Errorf("eval sum = %v outside [0, visits)", sum)
	}
	if pi := root.piSum.Load(); pi < 0 || pi > 4 {
		t.Errorf("pi sum = %v outside [0, visits]", pi)
	}
}

func TestRawEvalVirtualLoss(t *testing.T) {
	root := testTree().NewRoot()
	root.Update(ResultFromEval(1.0, 0, 1, -1, false), false)

	// One black win on the books. Virtual loss counts as a loss for
	// the side to move: black's view drops, and white's view, already
	// a certain loss, stays at 0.
	plain := root.RawEval(game.Black, 0)
	if plain != 1.0 {
		t.Fatalf("raw eval = %v, want 1.0", plain)
	}
	withVL := root.RawEval(game.Black, 3)
	if withVL >= plain {
		t.Errorf("virtual loss did not lower black eval: %v", withVL)
	}
	whiteVL := root.RawEval(game.White, 3)
	if whiteVL != 0 {
		t.Errorf("white eval with virtual loss = %v, want 0", whiteVL)
	}
}

func TestParallelUpdatesConserveVisits(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1)
	ev := &fakeEvaluator{result: uniformResult(0.5)}
	root := expandAll(t, tree, state, ev)

	const workers = 8
	const iterations = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				child := root.SelectChild(state, SelectOptions{IsRoot: true})
				if child == nil {
					t.Error("no child selected")
					return
				}
				child.VirtualLoss()
				result := ResultFromEval(0.5, 0, 1, -1, false)
				child.Update(result, false)
				root.Update(result, false)
				child.VirtualLossUndo()
				if child.Visits() == 0 {
					t.Error("child visits observed as zero after update")
					return
				}
			}
		}()
	}
	wg.Wait()

	// Root was updated once by the expansion itself.
	want := int32(workers*iterations + 1)
	if got := root.Visits(); got != want {
		t.Fatalf("root visits = %d, want %d", got, want)
	}
	var childVisits int32
	for i := range root.Children() {
		childVisits += root.Children()[i].Visits()
	}
	if childVisits != int32(workers*iterations) {
		t.Fatalf("summed child visits = %d, want %d", childVisits, workers*iterations)
	}
}

func TestLowVisitsChild(t *testing.T) {
	tree := testTree()
	parent := tree.NewRoot()
	child := newNode(tree, 3, 0.5)

	for i := 0; i < 10; i++ {
		parent.Update(ResultFromEval(0.5, 0, 1, -1, false), false)
	}
	if !parent.LowVisitsChild(child) {
		t.Error("fresh child not flagged as low visits")
	}
	for i := 0; i < 10; i++ {
		child.Update(ResultFromEval(0.5, 0, 1, -1, false), false)
	}
	if parent.LowVisitsChild(child) {
		t.Error("well visited child flagged as low visits")
	}
}

func TestCountNodesAndClearExpandState(t *testing.T) {
	tree := testTree()
	state := newFakeState(0, 1, 2)
	ev := &fakeEvaluator{result: uniformResult(0.5)}
	root := expandAll(t, tree, state, ev)

	count := root.CountNodesAndClearExpandState()
	if count != int64(len(root.Children())) {
		t.Errorf("node count = %d, want %d", count, len(root.Children()))
	}
}
