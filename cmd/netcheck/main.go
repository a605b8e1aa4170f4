// netcheck loads a weights file, reports the detected architecture,
// evaluates an empty board and prints the policy heatmap. With -bench
// it instead runs parallel evaluations for a fixed wall-clock budget.
package main

import (
	"context"
	"flag"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/CuriosAI/sai/internal/config"
	"github.com/CuriosAI/sai/internal/game"
	"github.com/CuriosAI/sai/internal/logx"
	"github.com/CuriosAI/sai/internal/net"
)

func main() {
	var (
		weightsPath = flag.String("weights", "", "path to the network weights file (gzip or plain text)")
		boardSize   = flag.Int("board", 19, "board size the engine is compiled for")
		playouts    = flag.Int("playouts", 1600, "playout budget used to size the eval cache")
		symmetry    = flag.Int("symmetry", 0, "symmetry for the direct evaluation")
		topMoves    = flag.Bool("top-moves", true, "list the top policy moves under the heatmap")
		bench       = flag.Duration("bench", 0, "run parallel evaluations for this long instead of printing a heatmap")
		threads     = flag.Int("threads", 0, "bench worker count (0 = all cores)")
		debug       = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := logx.NewLogger(level)

	if *weightsPath == "" {
		log.Fatal().Msg("missing -weights")
	}

	cfg := config.Default()
	cfg.BoardSize = *boardSize
	if *threads > 0 {
		cfg.NumThreads = *threads
	}

	network := net.NewNetwork(cfg, log)
	pipe := net.NewCPUPipe(cfg.BoardSize)
	start := time.Now()
	if err := network.Initialize(*playouts, *weightsPath, pipe); err != nil {
		log.Fatal().Err(err).Str("weights", *weightsPath).Msg("failed to initialize network")
	}
	log.Info().
		Dur("elapsed", time.Since(start)).
		Int("board", cfg.BoardSize).
		Msg("network ready")

	state := newEmptyState(cfg.BoardSize)

	if *bench > 0 {
		runBench(log, network, state, cfg.NumThreads, *bench)
		return
	}

	result, err := network.GetOutput(state, net.Direct, *symmetry, true, true)
	if err != nil {
		log.Fatal().Err(err).Msg("evaluation failed")
	}
	fmt.Print(net.HeatmapString(state, result, *topMoves, net.AgentEval{}))
}

func runBench(log zerolog.Logger, network *net.Network, state game.State,
	workers int, budget time.Duration) {

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	var runs atomic.Int64
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				if _, err := network.GetOutput(state, net.RandomSymmetry, -1, false, false); err != nil {
					return err
				}
				runs.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("bench worker failed")
	}

	elapsed := time.Since(start).Seconds()
	log.Info().
		Int64("evaluations", runs.Load()).
		Float64("seconds", elapsed).
		Float64("evals_per_second", float64(runs.Load())/elapsed).
		Int("workers", workers).
		Msg("benchmark complete")
}

// emptyState is a bare empty-board state, enough to drive an
// evaluation without a rules engine.
type emptyState struct {
	size int
	hash uint64
}

func newEmptyState(size int) *emptyState {
	h := xxhash.New64()
	fmt.Fprintf(h, "empty-%d", size)
	return &emptyState{size: size, hash: h.Sum64()}
}

func (s *emptyState) StoneAt(x, y int) game.Color                 { return game.Empty }
func (s *emptyState) ToMove() game.Color                          { return game.Black }
func (s *emptyState) IsMoveLegal(c game.Color, vertex int) bool   { return true }
func (s *emptyState) LibertiesToCapture(vertex int) int           { return 0 }
func (s *emptyState) ChainLiberties(vertex int) int               { return 0 }
func (s *emptyState) ChainStones(vertex int) int                  { return 0 }
func (s *emptyState) BoardSize() int                              { return s.size }
func (s *emptyState) MoveNum() int                                { return 0 }
func (s *emptyState) Passes() int                                 { return 0 }
func (s *emptyState) Hash() uint64                                { return s.hash }
func (s *emptyState) SymmetryHash(sym int) uint64                 { return s.hash }
func (s *emptyState) Past(h int) game.Position                    { return s }
func (s *emptyState) Alpkt(rawAlpha float32) float32              { return rawAlpha }
func (s *emptyState) KomiAdj() float32                            { return 0 }
func (s *emptyState) SymMove(vertex, sym int) int                 { return vertex }
func (s *emptyState) IsSymmetryInvariant(sym int) bool            { return true }
func (s *emptyState) FinalScore() float32                         { return 0 }
func (s *emptyState) IsCPUColor() bool                            { return true }
