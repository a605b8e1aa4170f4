package net

import (
	"math"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/CuriosAI/sai/internal/config"
	"github.com/CuriosAI/sai/internal/game"
)

// fakeState is a minimal State for a 5x5 board.
type fakeState struct {
	size    int
	stones  map[[2]int]game.Color
	toMove  game.Color
	hash    uint64
	symHash func(int) uint64
	moveNum int
	komiAdj float32
}

func newFakeState() *fakeState {
	return &fakeState{
		size:   testBoardSize,
		stones: map[[2]int]game.Color{},
		toMove: game.Black,
		hash:   0xdeadbeef,
	}
}

func (s *fakeState) StoneAt(x, y int) game.Color {
	if c, ok := s.stones[[2]int{x, y}]; ok {
		return c
	}
	return game.Empty
}
func (s *fakeState) ToMove() game.Color { return s.toMove }
func (s *fakeState) IsMoveLegal(c game.Color, vertex int) bool {
	if vertex == game.Pass {
		return true
	}
	return s.StoneAt(vertex%s.size, vertex/s.size) == game.Empty
}
func (s *fakeState) LibertiesToCapture(vertex int) int { return 0 }
func (s *fakeState) ChainLiberties(vertex int) int     { return 4 }
func (s *fakeState) ChainStones(vertex int) int        { return 1 }
func (s *fakeState) BoardSize() int                    { return s.size }
func (s *fakeState) MoveNum() int                      { return s.moveNum }
func (s *fakeState) Passes() int                       { return 0 }
func (s *fakeState) Hash() uint64                      { return s.hash }
func (s *fakeState) SymmetryHash(sym int) uint64 {
	if s.symHash != nil {
		return s.symHash(sym)
	}
	return s.hash ^ uint64(sym)
}
func (s *fakeState) Past(h int) game.Position         { return s }
func (s *fakeState) Alpkt(rawAlpha float32) float32   { return rawAlpha }
func (s *fakeState) KomiAdj() float32                 { return s.komiAdj }
func (s *fakeState) SymMove(vertex, sym int) int      { return vertex }
func (s *fakeState) IsSymmetryInvariant(sym int) bool { return false }
func (s *fakeState) FinalScore() float32              { return 0 }
func (s *fakeState) IsCPUColor() bool                 { return true }

// countingPipe wraps the CPU pipe and counts Forward calls.
type countingPipe struct {
	*CPUPipe
	calls atomic.Int64
}

func (p *countingPipe) Forward(input, policy, value []float32) error {
	p.calls.Add(1)
	return p.CPUPipe.Forward(input, policy, value)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BoardSize = testBoardSize
	cfg.RNGSeed = 1
	return cfg
}

func newTestNetwork(t *testing.T, text string) (*Network, *countingPipe) {
	t.Helper()
	w := parseTestNet(t, text)
	network := NewNetwork(testConfig(), zerolog.Nop())
	pipe := &countingPipe{CPUPipe: NewCPUPipe(testBoardSize)}
	if err := network.InitializeWeights(100, w, pipe); err != nil {
		t.Fatalf("InitializeWeights: %v", err)
	}
	return network, pipe
}

func TestGetOutputSingleHead(t *testing.T) {
	network, _ := newTestNetwork(t, singleHeadNet())
	state := newFakeState()

	result, err := network.GetOutput(state, Direct, 0, false, false)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}

	if result.IsSai {
		t.Error("single head produced a SAI result")
	}
	if result.Value < 0 || result.Value > 1 {
		t.Errorf("value = %v, want within [0,1]", result.Value)
	}

	sum := float64(result.PolicyPass)
	for _, p := range result.Policy {
		if p < 0 {
			t.Fatalf("negative policy entry %v", p)
		}
		sum += float64(p)
	}
	if math.Abs(sum-1.0) > 1e-4 {
		t.Errorf("policy sum = %v, want 1", sum)
	}
}

func TestGetOutputDoubleY(t *testing.T) {
	network, _ := newTestNetwork(t, doubleYNet())
	state := newFakeState()

	result, err := network.GetOutput(state, Direct, 0, false, false)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}

	if !result.IsSai {
		t.Fatal("double Y head did not produce a SAI result")
	}
	// All-zero weights: alpha = 0 and the raw beta output is 0, so
	// the post-processed beta is exp(0) * 10 / N.
	wantBeta := float32(10.0) / float32(testArea)
	if diff := result.Beta - wantBeta; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("beta = %v, want %v", result.Beta, wantBeta)
	}
	if result.Alpha != 0 {
		t.Errorf("alpha = %v, want 0", result.Alpha)
	}
	if result.Value != 0.5 {
		t.Errorf("winrate = %v, want exactly 0.5", result.Value)
	}
}

func TestGetOutputDenseTower(t *testing.T) {
	network, _ := newTestNetwork(t, toweredNet())
	state := newFakeState()

	result, err := network.GetOutput(state, Direct, 0, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Value < 0 || result.Value > 1 {
		t.Errorf("value = %v, want within [0,1]", result.Value)
	}
	sum := float64(result.PolicyPass)
	for _, p := range result.Policy {
		sum += float64(p)
	}
	if math.Abs(sum-1.0) > 1e-4 {
		t.Errorf("policy sum = %v, want 1", sum)
	}
}

func TestGetOutputQuartile(t *testing.T) {
	network, _ := newTestNetwork(t, doubleINet("257", 2))
	state := newFakeState()

	result, err := network.GetOutput(state, Direct, 0, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsSai {
		t.Fatal("quartile head did not produce a SAI result")
	}
	// Zero quartiles: alpha = 0, beta = 2*ln(3)/eps.
	if result.Alpha != 0 {
		t.Errorf("alpha = %v, want 0", result.Alpha)
	}
	wantBeta := float32(2.0 * 1.0986122886681098 / 0.05)
	if diff := result.Beta - wantBeta; diff > 1e-3 || diff < -1e-3 {
		t.Errorf("beta = %v, want %v", result.Beta, wantBeta)
	}
	if result.Value != 0.5 {
		t.Errorf("winrate = %v, want 0.5", result.Value)
	}
}

func TestGetOutputUsesCache(t *testing.T) {
	network, pipe := newTestNetwork(t, singleHeadNet())
	state := newFakeState()

	if _, err := network.GetOutput(state, Direct, 0, true, true); err != nil {
		t.Fatal(err)
	}
	if got := pipe.calls.Load(); got != 1 {
		t.Fatalf("pipe calls after first eval = %d, want 1", got)
	}

	if _, err := network.GetOutput(state, Direct, 0, true, true); err != nil {
		t.Fatal(err)
	}
	if got := pipe.calls.Load(); got != 1 {
		t.Fatalf("pipe calls after cached eval = %d, want 1", got)
	}
}

func TestProbeCacheSymmetry(t *testing.T) {
	network, _ := newTestNetwork(t, singleHeadNet())

	stored := newNetresult(testArea)
	for i := range stored.Policy {
		stored.Policy[i] = float32(i) / float32(testArea)
	}
	stored.PolicyPass = 0.5
	network.cache.Insert(0x1111, stored)

	const sym = 3
	state := newFakeState()
	state.hash = 0x2222
	state.symHash = func(s int) uint64 {
		if s == sym {
			return 0x1111
		}
		return 0x3333
	}

	var out Netresult
	if !network.probeCache(state, &out) {
		t.Fatal("symmetry probe missed")
	}
	for idx := range out.Policy {
		want := stored.Policy[network.symmetries.Index(sym, idx)]
		if out.Policy[idx] != want {
			t.Fatalf("policy[%d] = %v, want %v", idx, out.Policy[idx], want)
		}
	}
}

func TestProbeCacheSkipsSymmetryWhenRandomised(t *testing.T) {
	cfg := testConfig()
	cfg.Noise = true
	w := parseTestNet(t, singleHeadNet())
	network := NewNetwork(cfg, zerolog.Nop())
	if err := network.InitializeWeights(100, w, NewCPUPipe(testBoardSize)); err != nil {
		t.Fatal(err)
	}

	network.cache.Insert(0x1111, newNetresult(testArea))
	state := newFakeState()
	state.hash = 0x2222
	state.symHash = func(s int) uint64 { return 0x1111 }

	var out Netresult
	if network.probeCache(state, &out) {
		t.Fatal("symmetry probe ran despite self-play noise")
	}
}

func TestGatherFeaturesSymmetryRoundTrip(t *testing.T) {
	network, _ := newTestNetwork(t, singleHeadNet())
	state := newFakeState()
	state.stones[[2]int{0, 0}] = game.Black
	state.stones[[2]int{1, 2}] = game.White
	state.stones[[2]int{3, 4}] = game.Black

	base := network.GatherFeatures(state, 0)
	table := network.symmetries
	moves := network.weights.InputMoves
	planeBlock := moves * testArea

	for sym := 1; sym < game.NumSymmetries; sym++ {
		feat := network.GatherFeatures(state, sym)
		for idx := 0; idx < testArea; idx++ {
			mapped := table.Index(sym, idx)
			if feat[idx] != base[mapped] {
				t.Fatalf("sym %d: current plane mismatch at %d", sym, idx)
			}
			if feat[planeBlock+idx] != base[planeBlock+mapped] {
				t.Fatalf("sym %d: opponent plane mismatch at %d", sym, idx)
			}
		}
	}
}

func TestGatherFeaturesColorPlanes(t *testing.T) {
	network, _ := newTestNetwork(t, singleHeadNet())
	state := newFakeState()

	feat := network.GatherFeatures(state, 0)
	w := network.weights
	perMove := 2
	movesPlanes := w.InputMoves * perMove
	onesPlane := feat[movesPlanes*testArea : (movesPlanes+1)*testArea]
	zeroPlane := feat[(movesPlanes+1)*testArea : (movesPlanes+2)*testArea]

	for i := 0; i < testArea; i++ {
		if onesPlane[i] != 1 {
			t.Fatalf("black-to-move plane entry %d = %v, want 1", i, onesPlane[i])
		}
		if zeroPlane[i] != 0 {
			t.Fatalf("white plane entry %d = %v, want 0", i, zeroPlane[i])
		}
	}

	// White to move swaps the two color planes.
	state.toMove = game.White
	feat = network.GatherFeatures(state, 0)
	if feat[movesPlanes*testArea] != 0 || feat[(movesPlanes+1)*testArea] != 1 {
		t.Fatal("white-to-move color planes not swapped")
	}
}

func TestAverageEnsemble(t *testing.T) {
	network, pipe := newTestNetwork(t, singleHeadNet())
	state := newFakeState()

	result, err := network.GetOutput(state, Average, -1, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if got := pipe.calls.Load(); got != 8 {
		t.Fatalf("pipe calls = %d, want 8 for the average ensemble", got)
	}

	sum := float64(result.PolicyPass)
	for _, p := range result.Policy {
		sum += float64(p)
	}
	if math.Abs(sum-1.0) > 1e-4 {
		t.Errorf("averaged policy sum = %v, want 1", sum)
	}
}

func TestHeatmapString(t *testing.T) {
	network, _ := newTestNetwork(t, singleHeadNet())
	state := newFakeState()

	result, err := network.GetOutput(state, Direct, 0, false, false)
	if err != nil {
		t.Fatal(err)
	}
	out := HeatmapString(state, result, true, AgentEval{})
	if out == "" {
		t.Fatal("empty heatmap")
	}
	if !containsLine(out, "pass:") {
		t.Errorf("heatmap missing pass line:\n%s", out)
	}
	if !containsLine(out, "value:") {
		t.Errorf("heatmap missing value line:\n%s", out)
	}
}

func containsLine(s, prefix string) bool {
	for len(s) > 0 {
		end := len(s)
		for i := 0; i < len(s); i++ {
			if s[i] == '\n' {
				end = i
				break
			}
		}
		line := s[:end]
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			return true
		}
		if end == len(s) {
			break
		}
		s = s[end+1:]
	}
	return false
}

func TestDrainHaltsEvaluation(t *testing.T) {
	network, _ := newTestNetwork(t, singleHeadNet())
	state := newFakeState()

	network.DrainEvals()
	_, err := network.GetOutput(state, Direct, 0, false, false)
	if err == nil {
		t.Fatal("drained network evaluated anyway")
	}

	network.ResumeEvals()
	if _, err := network.GetOutput(state, Direct, 0, false, false); err != nil {
		t.Fatalf("resumed network failed: %v", err)
	}
}
