package net

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/CuriosAI/sai/internal/config"
	"github.com/CuriosAI/sai/internal/game"
)

// Ensemble selects how symmetries enter an evaluation.
type Ensemble int

const (
	// Direct evaluates one chosen symmetry.
	Direct Ensemble = iota
	// RandomSymmetry evaluates one uniformly drawn symmetry.
	RandomSymmetry
	// Average evaluates all eight symmetries and averages.
	Average
)

// Network converts game states into input planes, runs the forward
// pipe and post-processes the raw outputs into a Netresult, behind a
// position-hash cache.
type Network struct {
	cfg config.Config
	log zerolog.Logger

	boardSize        int
	numIntersections int
	potentialMoves   int

	symmetries *SymmetryTable
	cache      *Cache
	forward    ForwardPipe
	weights    *Weights

	rngMu sync.Mutex
	rng   *rand.Rand

	estimatedSize int
}

// NewNetwork returns an evaluator that still needs Initialize.
func NewNetwork(cfg config.Config, log zerolog.Logger) *Network {
	n := cfg.NumIntersections()
	seed := cfg.RNGSeed
	if seed == 0 {
		seed = 0x5deece66d
	}
	return &Network{
		cfg:              cfg,
		log:              log,
		boardSize:        cfg.BoardSize,
		numIntersections: n,
		potentialMoves:   n + 1,
		symmetries:       NewSymmetryTable(cfg.BoardSize),
		cache:            NewCache(minCacheCount),
		rng:              rand.New(rand.NewSource(int64(seed))),
	}
}

// Initialize loads the weights file, transforms the weights and brings
// up the forward pipe. playouts sizes the cache.
func (n *Network) Initialize(playouts int, weightsPath string, pipe ForwardPipe) error {
	w, err := LoadWeightsFile(weightsPath, n.boardSize, n.log)
	if err != nil {
		return err
	}
	return n.InitializeWeights(playouts, w, pipe)
}

// InitializeWeights is Initialize for weights already in memory.
func (n *Network) InitializeWeights(playouts int, w *Weights, pipe ForwardPipe) error {
	if n.cfg.UseNNCache {
		n.cache.SetSizeFromPlayouts(playouts)
	} else {
		n.cache.Resize(10)
	}

	w.Transform()

	if err := pipe.Initialize(w.Channels); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendInit, err)
	}
	if err := pipe.PushWeights(WinogradAlpha, w.InputPlanes, w.Channels, w); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendInit, err)
	}

	n.weights = w
	n.forward = pipe
	n.estimatedSize = w.EstimatedSize()
	n.log.Info().
		Int("estimated_bytes", n.estimatedSize).
		Bool("sai", w.IsSai()).
		Msg("network initialized")
	return nil
}

// Weights exposes the loaded network parameters.
func (n *Network) Weights() *Weights {
	return n.weights
}

// IsSai reports whether the loaded value head is a SAI head.
func (n *Network) IsSai() bool {
	return n.weights != nil && n.weights.IsSai()
}

// BoardSize returns the configured board edge length.
func (n *Network) BoardSize() int {
	return n.boardSize
}

// EstimatedSize returns the weight footprint in bytes.
func (n *Network) EstimatedSize() int {
	return n.estimatedSize
}

// Cache returns the evaluation cache.
func (n *Network) Cache() *Cache {
	return n.cache
}

// CacheResize rebounds the evaluation cache.
func (n *Network) CacheResize(maxCount int) {
	n.cache.Resize(maxCount)
}

// CacheClear drops all cached evaluations.
func (n *Network) CacheClear() {
	n.cache.Clear()
}

// DrainEvals makes in-flight and new evaluations fail with
// ErrNetworkHalt until ResumeEvals.
func (n *Network) DrainEvals() {
	n.forward.Drain()
}

// ResumeEvals reopens the network for business.
func (n *Network) ResumeEvals() {
	n.forward.Resume()
}

func (n *Network) randomSymmetry() int {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Intn(game.NumSymmetries)
}

// saiWinrate recomputes the winrate of a SAI result for the current
// komi adjustment. Komi is not part of the cache key, so this runs on
// every cache read too.
func (n *Network) saiWinrate(result *Netresult, state game.State) float32 {
	komi := state.KomiAdj()
	if state.ToMove() != game.White {
		komi = -komi
	}
	p, _ := Sigmoid(result.Alpha, result.Beta, komi, result.Beta2)
	result.Value = p
	return p
}

// probeCache checks the raw hash and, in the early opening of a
// non-randomised game, the seven non-identity symmetry hashes. A
// symmetric hit has its policy mapped back to board coordinates.
func (n *Network) probeCache(state game.State, result *Netresult) bool {
	hit := n.cache.Lookup(state.Hash(), result)

	if !hit && !n.cfg.Noise && n.cfg.RandomCnt == 0 &&
		state.MoveNum() < n.cfg.OpeningMoves/2 {
		for sym := 0; sym < game.NumSymmetries; sym++ {
			if sym == game.IdentitySymmetry {
				continue
			}
			if !n.cache.Lookup(state.SymmetryHash(sym), result) {
				continue
			}
			corrected := make([]float32, n.numIntersections)
			for idx := 0; idx < n.numIntersections; idx++ {
				corrected[idx] = result.Policy[n.symmetries.Index(sym, idx)]
			}
			result.Policy = corrected
			hit = true
			break
		}
	}

	if hit && result.IsSai {
		n.saiWinrate(result, state)
	}
	return hit
}

// GetOutput evaluates the position, consulting and feeding the cache.
// symmetry is only meaningful with the Direct ensemble.
func (n *Network) GetOutput(state game.State, ensemble Ensemble, symmetry int,
	readCache, writeCache bool) (Netresult, error) {

	if state.BoardSize() != n.boardSize {
		return Netresult{}, fmt.Errorf("%w: state is %dx%d, network is %dx%d",
			ErrBoardSizeMismatch, state.BoardSize(), state.BoardSize(),
			n.boardSize, n.boardSize)
	}

	var result Netresult
	if readCache && ensemble != Average {
		result = newNetresult(n.numIntersections)
		if n.probeCache(state, &result) {
			return result, nil
		}
	}

	switch ensemble {
	case Direct:
		r, err := n.getOutputInternal(state, symmetry)
		if err != nil {
			return Netresult{}, err
		}
		result = r

	case Average:
		result = newNetresult(n.numIntersections)
		result.Beta2 = 0
		const div = float32(game.NumSymmetries)
		for sym := 0; sym < game.NumSymmetries; sym++ {
			tmp, err := n.getOutputInternal(state, sym)
			if err != nil {
				return Netresult{}, err
			}
			result.PolicyPass += tmp.PolicyPass / div
			result.Value += tmp.Value / div
			result.Alpha += tmp.Alpha / div
			result.Beta += tmp.Beta / div
			result.Beta2 += tmp.Beta2 / div
			result.IsSai = tmp.IsSai
			for idx := range result.Policy {
				result.Policy[idx] += tmp.Policy[idx] / div
			}
		}

	default: // RandomSymmetry
		r, err := n.getOutputInternal(state, n.randomSymmetry())
		if err != nil {
			return Netresult{}, err
		}
		result = r
	}

	// v2 format (ELF Open Go) returns the black value, not the side
	// to move.
	if n.weights.ValueHeadNotSTM && state.ToMove() == game.White {
		result.Value = 1.0 - result.Value
	}

	if writeCache {
		// With the Average ensemble this stores the averaged result
		// under the raw hash; future reads return it for this
		// position only.
		n.cache.Insert(state.Hash(), result)
	}

	return result, nil
}

func (n *Network) getOutputInternal(state game.State, symmetry int) (Netresult, error) {
	if symmetry < 0 || symmetry >= game.NumSymmetries {
		return Netresult{}, fmt.Errorf("symmetry %d out of range", symmetry)
	}
	w := n.weights
	area := n.numIntersections

	input := n.GatherFeatures(state, symmetry)

	policyData := make([]float32, w.PolicyOutputs*area)
	valueOutputs := w.ValOutputs
	if w.ValPoolOutputs > 0 {
		valueOutputs = w.ValPoolOutputs
	}
	valData := make([]float32, valueOutputs*area)

	if err := n.forward.Forward(input, policyData, valData); err != nil {
		return Netresult{}, err
	}

	policyOut := innerProduct(policyData, w.IPPolW, w.IPPolB, false)
	outputs := softmax(policyOut, n.cfg.SoftmaxTemp)

	if w.ValPoolOutputs > 0 {
		valData = reduceMean(valData, area)
	}

	valData = n.valueDenseTower(valData)

	valChannels := innerProduct(valData, w.IP1ValW, w.IP1ValB, true)
	valOutput := innerProduct(valChannels, w.IP2ValW, w.IP2ValB, false)

	result := newNetresult(area)

	if w.ValueHeadType == HeadSingle {
		// logits of the winrate for LZ networks
		result.Alpha = 2 * valOutput[0]
		result.Beta = 1.0
		p, _ := Sigmoid(result.Alpha, 1, 0, -1)
		result.Value = p
		result.IsSai = false
	} else {
		switch w.ValueHeadType {
		case HeadDoubleY:
			vbeChannels := innerProduct(valData, w.IP1VbeW, w.IP1VbeB, true)
			vbeOutput := innerProduct(vbeChannels, w.IP2VbeW, w.IP2VbeB, false)
			result.Beta = vbeOutput[0]
			if w.VbeHeadRets == 2 {
				result.Beta2 = vbeOutput[1]
			}
		case HeadDoubleT:
			vbeOutput := innerProduct(valChannels, w.IP2VbeW, w.IP2VbeB, false)
			result.Beta = vbeOutput[0]
			if w.VbeHeadRets == 2 {
				result.Beta2 = vbeOutput[1]
			}
		case HeadDoubleI:
			result.Beta = valOutput[1]
			if w.VbeHeadRets == 2 {
				result.Beta2 = valOutput[2]
			}
		}

		if !w.QuartileEncoding {
			result.Alpha = valOutput[0]
			// ln(x) = log2(x) * ln(2)
			tune := float64(n.cfg.BetaTune) * 0.69314718055994530941723212145818
			scale := 10.0 / float64(area)
			result.Beta = float32(math.Exp(float64(result.Beta)+tune) * scale)
			if w.VbeHeadRets == 2 {
				result.Beta2 = float32(math.Exp(float64(result.Beta2)+tune) * scale)
			}
		} else {
			q1 := float64(valOutput[0])
			q2 := float64(result.Beta)
			const eps = 0.05
			const log3 = 1.0986122886681096913952452369225
			result.Alpha = float32(0.5 * (q1 + q2))
			result.Beta = float32(2.0 * log3 / (eps + math.Max(0.0, q2-q1)))
		}

		result.IsSai = true
		n.saiWinrate(&result, state)
	}

	for idx := 0; idx < area; idx++ {
		result.Policy[n.symmetries.Index(symmetry, idx)] = outputs[idx]
	}
	result.PolicyPass = outputs[area]

	return result, nil
}

// valueDenseTower runs the optional dense residual tower of the value
// head. The first layer is plain when it changes dimension; thereafter
// every other layer adds the skip input of the pair.
func (n *Network) valueDenseTower(valData []float32) []float32 {
	w := n.weights
	parity := 0
	var res []float32
	for i := range w.VHDenseW {
		if i == 0 && len(valData) != len(w.VHDenseB[0]) {
			valData = innerProduct(valData, w.VHDenseW[i], w.VHDenseB[i], false)
			batchnormDense(valData, w.VHDenseBNMeans[i], w.VHDenseBNVars[i], nil)
			parity = 1
		} else if i%2 == parity {
			res = valData
			valData = innerProduct(res, w.VHDenseW[i], w.VHDenseB[i], false)
			batchnormDense(valData, w.VHDenseBNMeans[i], w.VHDenseBNVars[i], nil)
		} else {
			valData = innerProduct(valData, w.VHDenseW[i], w.VHDenseB[i], false)
			batchnormDense(valData, w.VHDenseBNMeans[i], w.VHDenseBNVars[i], res)
		}
	}
	return valData
}

// GatherFeatures builds the input tensor for a symmetry: per history
// move the side-to-move and opponent stone planes, the optional
// feature planes, and the trailing color (or border) planes. Planes
// are written through the symmetry permutation.
func (n *Network) GatherFeatures(state game.State, symmetry int) []float32 {
	w := n.weights
	return gatherFeatures(state, symmetry, n.symmetries, w.InputMoves,
		w.AdvFeatures, w.ChainLibsFeatures, w.ChainSizeFeatures, w.IncludeColor)
}

func gatherFeatures(state game.State, symmetry int, table *SymmetryTable,
	inputMoves int, advFeatures, chainLibs, chainSize, includeColor bool) []float32 {

	boardSize := table.BoardSize()
	area := boardSize * boardSize
	planeBlock := inputMoves * area

	perMove := 2
	if advFeatures {
		perMove += 2
	}
	if chainLibs {
		perMove += ChainLibertiesPlanes
	}
	if chainSize {
		perMove += ChainSizePlanes
	}
	movesPlanes := inputMoves * perMove

	colorPlanes := 1
	if includeColor {
		colorPlanes = 2
	}
	input := make([]float32, (movesPlanes+colorPlanes)*area)

	currentOff := 0
	opponentOff := planeBlock
	legalOff := 2 * planeBlock
	atariOff := 3 * planeBlock
	chainLibsOff := opponentOff + planeBlock
	if advFeatures {
		chainLibsOff = atariOff + planeBlock
	}
	chainSizeOff := chainLibsOff
	if chainLibs {
		chainSizeOff += ChainLibertiesPlanes * planeBlock
	}

	toMove := state.ToMove()
	blackOff, whiteOff := currentOff, opponentOff
	if toMove != game.Black {
		blackOff, whiteOff = opponentOff, currentOff
	}

	// One plane filled with ones: the only remaining plane when the
	// color is not included, where it marks the board border for the
	// CNN; otherwise the plane of the side to move.
	onesOff := movesPlanes * area
	if includeColor && toMove != game.Black {
		onesOff = (movesPlanes + 1) * area
	}
	for i := 0; i < area; i++ {
		input[onesOff+i] = 1.0
	}

	moves := state.MoveNum() + 1
	if moves > inputMoves {
		moves = inputMoves
	}
	for h := 0; h < moves; h++ {
		past := state.Past(h)
		fillPlanePair(past, input[blackOff+h*area:], input[whiteOff+h*area:],
			table, symmetry)
		if advFeatures {
			fillPlaneAdv(past, input[legalOff+h*area:], input[atariOff+h*area:],
				table, symmetry, boardSize)
		}
		if chainLibs {
			fillPlaneChainLibs(past, input, chainLibsOff+h*area, planeBlock,
				table, symmetry, boardSize)
		}
		if chainSize {
			fillPlaneChainSize(past, input, chainSizeOff+h*area, planeBlock,
				table, symmetry, boardSize)
		}
	}

	return input
}

func fillPlanePair(pos game.Position, black, white []float32,
	table *SymmetryTable, symmetry int) {

	boardSize := table.BoardSize()
	area := boardSize * boardSize
	for idx := 0; idx < area; idx++ {
		symIdx := table.Index(symmetry, idx)
		switch pos.StoneAt(symIdx%boardSize, symIdx/boardSize) {
		case game.Black:
			black[idx] = 1.0
		case game.White:
			white[idx] = 1.0
		}
	}
}

func fillPlaneAdv(pos game.Position, legal, atari []float32,
	table *SymmetryTable, symmetry, boardSize int) {

	area := boardSize * boardSize
	toMove := pos.ToMove()
	for idx := 0; idx < area; idx++ {
		vertex := table.Index(symmetry, idx)
		isLegal := pos.IsMoveLegal(toMove, vertex)
		if !isLegal {
			legal[idx] = 1.0
		}
		if isLegal && pos.LibertiesToCapture(vertex) == 1 {
			atari[idx] = 1.0
		}
	}
}

// Chain feature planes are plane-major: threshold plane p of history
// slot h lives at base + p*planeBlock + h*area.
func fillPlaneChainLibs(pos game.Position, input []float32, base, planeBlock int,
	table *SymmetryTable, symmetry, boardSize int) {

	area := boardSize * boardSize
	for idx := 0; idx < area; idx++ {
		vertex := table.Index(symmetry, idx)
		stone := pos.StoneAt(vertex%boardSize, vertex/boardSize)
		if stone != game.Black && stone != game.White {
			continue
		}
		libs := pos.ChainLiberties(vertex)
		for plane := 0; plane < ChainLibertiesPlanes; plane++ {
			if libs <= plane+1 {
				input[base+plane*planeBlock+idx] = 1.0
			}
		}
	}
}

func fillPlaneChainSize(pos game.Position, input []float32, base, planeBlock int,
	table *SymmetryTable, symmetry, boardSize int) {

	area := boardSize * boardSize
	for idx := 0; idx < area; idx++ {
		vertex := table.Index(symmetry, idx)
		stone := pos.StoneAt(vertex%boardSize, vertex/boardSize)
		if stone != game.Black && stone != game.White {
			continue
		}
		stones := pos.ChainStones(vertex)
		for plane := 0; plane < ChainSizePlanes; plane++ {
			if stones >= 2*plane+2 {
				input[base+plane*planeBlock+idx] = 1.0
			}
		}
	}
}

// innerProduct computes output = W * input + b, optionally with ReLU.
func innerProduct(input, weights, biases []float32, relu bool) []float32 {
	inputs := len(input)
	outputs := len(biases)
	out := make([]float32, outputs)
	for o := 0; o < outputs; o++ {
		acc := biases[o]
		row := weights[o*inputs : (o+1)*inputs]
		for i, v := range input {
			acc += row[i] * v
		}
		if relu && acc < 0 {
			acc = 0
		}
		out[o] = acc
	}
	return out
}

// batchnormDense is the spatial-size-1 batchnorm of the value head
// dense tower, with ReLU and optional residual add.
func batchnormDense(data []float32, means, stddevs, eltwise []float32) {
	for c := range data {
		v := stddevs[c] * (data[c] - means[c])
		if eltwise != nil {
			v += eltwise[c]
		}
		if v < 0 {
			v = 0
		}
		data[c] = v
	}
}

func softmax(input []float32, temperature float32) []float32 {
	output := make([]float32, len(input))
	maxVal := input[0]
	for _, v := range input {
		if v > maxVal {
			maxVal = v
		}
	}
	var denom float64
	for i, v := range input {
		e := math.Exp(float64((v - maxVal) / temperature))
		denom += e
		output[i] = float32(e)
	}
	for i := range output {
		output[i] = float32(float64(output[i]) / denom)
	}
	return output
}

// reduceMean replaces each channel's spatial map with its mean.
func reduceMean(layer []float32, area int) []float32 {
	channels := len(layer) / area
	out := make([]float32, channels)
	for c := 0; c < channels; c++ {
		var sum float64
		for i := 0; i < area; i++ {
			sum += float64(layer[area*c+i])
		}
		out[c] = float32(sum / float64(area))
	}
	return out
}
