// Package config carries the engine knobs shared by the evaluator and
// the search tree. A Config value is immutable once handed to a
// component; callers that need to change a knob at runtime build a new
// snapshot and pass it into the next top-level call.
package config

import "runtime"

// Config holds every tunable of the evaluation and search core.
type Config struct {
	// BoardSize is the board edge length the engine is set up for.
	BoardSize int

	// NumThreads is the size of the search worker pool.
	NumThreads int

	// SoftmaxTemp is the policy head softmax temperature.
	SoftmaxTemp float32
	// PolicyTemp warms child priors during expansion: each prior is
	// raised to 1/PolicyTemp before renormalisation.
	PolicyTemp float32

	// Puct is the PUCT exploration constant.
	Puct float32
	// LogPuct and LogConst shape the PUCT numerator
	// sqrt(v * ln(LogPuct*v + LogConst)).
	LogPuct  float32
	LogConst float32

	// FPUReduction is subtracted (scaled by the visited-policy mass)
	// from the best child eval to price unvisited children.
	FPUReduction     float32
	FPURootReduction float32
	// FPUAvg prices unvisited children at the average eval of the
	// visited ones, excluding the best.
	FPUAvg bool
	// FPUZero prices unvisited children at zero.
	FPUZero bool

	// StdevUCT scales child priors by twice the eval standard
	// deviation.
	StdevUCT bool

	// BetaTune shifts the beta head output by BetaTune*ln(2) before
	// exponentiation.
	BetaTune float32

	// Lambda and Mu are the policy-blending weights, indexed by
	// (engine color, losing side) as set per node.
	Lambda [4]float32
	Mu     [4]float32

	// DumbPass always allows pass as a candidate child.
	DumbPass bool
	// ExploitSymmetries pools equivalent moves when the position is
	// symmetry invariant.
	ExploitSymmetries bool
	// SymmNonRandom picks symmetry representatives by coordinates
	// instead of RNG draws, for reproducible trees.
	SymmNonRandom bool

	// Noise and RandomCnt are the self-play randomisation knobs;
	// either disables the cache symmetry probe.
	Noise     bool
	RandomCnt int

	// UseNNCache enables the evaluation cache.
	UseNNCache bool
	// OpeningMoves bounds the early-opening window for the cache
	// symmetry probe (probe active while movenum < OpeningMoves/2).
	OpeningMoves int

	// LadderCode subtracts forced visits from the PUCT denominator.
	LadderCode bool

	// UseLCB sorts root children by the lower confidence bound of
	// their winrate.
	UseLCB bool
	// LCBMinVisitRatio is the fraction of the max child visits a
	// child needs before LCB ordering applies to it.
	LCBMinVisitRatio float32

	// VirtualLossCount is added to a node's virtual loss on descent.
	VirtualLossCount int32

	// RNGSeed seeds the engine RNG. Zero selects a fixed built-in seed.
	RNGSeed uint64
}

// Default returns the stock configuration for a 19x19 engine.
func Default() Config {
	return Config{
		BoardSize:         19,
		NumThreads:        runtime.NumCPU(),
		SoftmaxTemp:       1.0,
		PolicyTemp:        1.0,
		Puct:              0.5,
		LogPuct:           0.015,
		LogConst:          1.7,
		FPUReduction:      0.25,
		FPURootReduction:  0.25,
		BetaTune:          0.0,
		Lambda:            [4]float32{0.5, 0.5, 0.5, 0.5},
		Mu:                [4]float32{0, 0, 0, 0},
		ExploitSymmetries: true,
		UseNNCache:        true,
		OpeningMoves:      30,
		UseLCB:            true,
		LCBMinVisitRatio:  0.1,
		VirtualLossCount:  3,
	}
}

// NumIntersections is the intersection count for the configured board.
func (c Config) NumIntersections() int {
	return c.BoardSize * c.BoardSize
}

// PotentialMoves is the policy head width: every intersection plus pass.
func (c Config) PotentialMoves() int {
	return c.NumIntersections() + 1
}
