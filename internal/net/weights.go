package net

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Value head types, in the file-format order.
const (
	HeadSingle  = 1
	HeadDoubleV = 2
	HeadDoubleY = 3
	HeadDoubleT = 4
	HeadDoubleI = 5
)

// Feature planes appended per history move when the corresponding
// format flag is set. Both must stay even.
const (
	ChainLibertiesPlanes = 4
	ChainSizePlanes      = 4
)

// Weights holds every parameter of a loaded network, plus the
// architecture derived while parsing. Immutable once Transform has run
// and the struct is handed to a ForwardPipe.
type Weights struct {
	FormatVersion int
	// Fingerprint is the xxhash64 of the decompressed weight text.
	Fingerprint uint64

	ValueHeadNotSTM   bool
	AdvFeatures       bool
	ChainLibsFeatures bool
	ChainSizeFeatures bool
	QuartileEncoding  bool
	IncludeColor      bool

	BoardSize      int
	Channels       int
	InputPlanes    int
	InputMoves     int
	ResidualBlocks int

	PolicyConvLayers int
	PolicyChannels   int
	PolicyOutputs    int

	ValOutputs     int
	ValPoolOutputs int
	ValDenseInputs int
	ValueChannels  int
	ValChans       int
	VbeChans       int

	ValueHeadType int
	ValueHeadRets int
	ValHeadRets   int
	VbeHeadRets   int

	// Input conv + residual tower, one entry per convolution.
	ConvWeights      [][]float32
	ConvBiases       [][]float32
	BatchNormMeans   [][]float32
	BatchNormStddevs [][]float32

	// Policy head.
	ConvPolW [][]float32
	ConvPolB [][]float32
	BNPolW1  [][]float32
	BNPolW2  [][]float32
	IPPolW   []float32
	IPPolB   []float32

	// Value head common convolution and optional pooling.
	ConvValW     []float32
	ConvValB     []float32
	BNValW1      []float32
	BNValW2      []float32
	ConvValPoolW []float32
	ConvValPoolB []float32
	BNValPoolW1  []float32
	BNValPoolW2  []float32

	// Optional dense residual tower in the value head.
	VHDenseW       [][]float32
	VHDenseB       [][]float32
	VHDenseBNMeans [][]float32
	VHDenseBNVars  [][]float32

	// Alpha head.
	IP1ValW []float32
	IP1ValB []float32
	IP2ValW []float32
	IP2ValB []float32

	// Beta head.
	IP1VbeW []float32
	IP1VbeB []float32
	IP2VbeW []float32
	IP2VbeB []float32
}

// IsSai reports whether the value head parametrises a sigmoid.
func (w *Weights) IsSai() bool {
	return w.ValueHeadType != HeadSingle
}

type section int

const (
	sectionNone section = iota
	sectionInputConv
	sectionResconvTower
	sectionPolConvTower
	sectionPolDense
	sectionValueConv
	sectionValueAvgpool
	sectionValueDenseTower
	sectionValDenseHidden
	sectionValDenseOut
	sectionVbeDenseHidden
	sectionVbeDenseOut
)

// fileIndex tracks the loader position: the current semantic section,
// the file line, and how many of the four buffered lines were pushed
// back by the previous block.
type fileIndex struct {
	section  section
	previous section
	line     int
	excess   int
	complete bool
}

type loader struct {
	w   *Weights
	log zerolog.Logger

	numIntersections int
	potentialMoves   int
}

// LoadWeightsFile reads a gzip-optional text weights file.
func LoadWeightsFile(path string, boardSize int, log zerolog.Logger) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileOpen, path, err)
	}
	defer f.Close()

	w, err := ParseWeights(f, boardSize, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// ParseWeights reads the weights format from r, decompressing when the
// stream carries a gzip header.
func ParseWeights(r io.Reader, boardSize int, log zerolog.Logger) (*Weights, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOpen, err)
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		defer gz.Close()
		src = gz
	}

	hash := xxhash.New64()
	scanner := bufio.NewScanner(io.TeeReader(src, hash))
	scanner.Buffer(make([]byte, 0, 1024*1024), 512*1024*1024)

	ld := &loader{
		w: &Weights{
			BoardSize:     boardSize,
			ValueHeadType: 0,
		},
		log:              log,
		numIntersections: boardSize * boardSize,
		potentialMoves:   boardSize*boardSize + 1,
	}

	if err := ld.readVersion(scanner); err != nil {
		return nil, err
	}
	if err := ld.readNetwork(scanner); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	ld.w.Fingerprint = hash.Sum64()
	ld.logDetails()
	return ld.w, nil
}

func (ld *loader) readVersion(scanner *bufio.Scanner) error {
	if !scanner.Scan() {
		return fmt.Errorf("%w: empty file", ErrWrongFormat)
	}
	version, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return fmt.Errorf("%w: bad version line: %v", ErrWrongFormat, err)
	}

	w := ld.w
	w.FormatVersion = version
	w.AdvFeatures = version&16 != 0
	w.ChainLibsFeatures = version&64 != 0
	w.ChainSizeFeatures = version&128 != 0
	w.QuartileEncoding = version&256 != 0

	lzOrElf := version & 3
	extraBits := version &^ 0x1ff
	if (lzOrElf != 1 && lzOrElf != 2) || extraBits != 0 {
		return fmt.Errorf("%w: version %d", ErrWrongFormat, version)
	}
	// Version 2 networks are identical to v1, except that they
	// return the value for black instead of the player to move.
	w.ValueHeadNotSTM = lzOrElf == 2

	ld.log.Info().
		Int("version", version).
		Bool("elf", w.ValueHeadNotSTM).
		Bool("adv_features", w.AdvFeatures).
		Bool("chain_liberties", w.ChainLibsFeatures).
		Bool("chain_size", w.ChainSizeFeatures).
		Bool("quartile_encoding", w.QuartileEncoding).
		Msg("weights file header")
	return nil
}

func (ld *loader) readNetwork(scanner *bufio.Scanner) error {
	var layer [4][]float32
	var id fileIndex

	for {
		more, err := ld.readBlock(scanner, &layer, &id)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	if !id.complete {
		return fmt.Errorf("%w: network ends at line %d in section %d",
			ErrTruncated, id.line, id.section)
	}
	return nil
}

func readWeightsLine(scanner *bufio.Scanner) ([]float32, bool, error) {
	if !scanner.Scan() {
		return nil, false, nil
	}
	fields := strings.Fields(scanner.Text())
	out := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %q: %v", ErrDimMismatch, f, err)
		}
		out[i] = float32(v)
	}
	return out, true, nil
}

// readBlock reads up to 4 lines of the weights file. It returns false
// once fewer than 4 lines remain after the read. If at least 1 line is
// buffered, it identifies and stores a new layer, leaving any excess
// lines buffered for the next block.
func (ld *loader) readBlock(scanner *bufio.Scanner, layer *[4][]float32, id *fileIndex) (bool, error) {
	bufferComplete := true
	missing := 0
	for i := 0; i < 4; i++ {
		if i < id.excess {
			// leftovers from the previous read of 4 lines
			layer[i] = layer[4-id.excess+i]
			continue
		}
		line, ok, err := readWeightsLine(scanner)
		if err != nil {
			return false, fmt.Errorf("line %d: %w", id.line+1, err)
		}
		if !ok {
			layer[i] = nil
			bufferComplete = false
			missing++
			continue
		}
		layer[i] = line
		id.line++
	}

	if missing < 4 {
		ld.identifyLayer(layer, id)
		if err := ld.setNetworkParameters(layer, id); err != nil {
			return false, err
		}
		if err := ld.storeLayer(layer, id); err != nil {
			return false, err
		}
	}

	return bufferComplete, nil
}

func (ld *loader) identifyLayer(layer *[4][]float32, id *fileIndex) {
	w := ld.w
	id.previous = id.section

	switch id.section {
	case sectionNone:
		id.section = sectionInputConv

	case sectionInputConv:
		id.section = sectionResconvTower

	case sectionResconvTower:
		if len(layer[0]) == w.Channels*9*w.Channels {
			id.section = sectionResconvTower
		} else {
			id.section = sectionPolConvTower
		}

	case sectionPolConvTower:
		if len(layer[1]) == len(layer[3]) {
			id.section = sectionPolConvTower
		} else {
			id.section = sectionPolDense
		}

	case sectionPolDense:
		id.section = sectionValueConv

	case sectionValueConv:
		if len(layer[0])%ld.numIntersections != 0 {
			id.section = sectionValueAvgpool
			break
		}
		fallthrough

	case sectionValueAvgpool, sectionValueDenseTower:
		if len(layer[1]) == len(layer[3]) {
			id.section = sectionValueDenseTower
		} else {
			id.section = sectionValDenseHidden
		}

	case sectionValDenseHidden:
		id.section = sectionValDenseOut

	case sectionValDenseOut:
		if len(layer[2]) > 0 {
			id.section = sectionVbeDenseHidden
		} else {
			id.section = sectionVbeDenseOut
		}

	case sectionVbeDenseHidden:
		id.section = sectionVbeDenseOut
	}
}

func (ld *loader) setNetworkParameters(layer *[4][]float32, id *fileIndex) error {
	w := ld.w

	switch id.section {
	case sectionInputConv:
		// The biases of the input convolution give the channel
		// width of the whole tower; the weights then give the
		// input plane count.
		w.Channels = len(layer[1])
		if w.Channels == 0 || len(layer[0])%(9*w.Channels) != 0 {
			return fmt.Errorf("%w: input conv %dx%d", ErrDimMismatch,
				len(layer[0]), len(layer[1]))
		}
		w.InputPlanes = len(layer[0]) / 9 / w.Channels
		// Even plane counts carry the side-to-move color in the
		// last two planes; odd ones end with a single all-ones
		// border plane.
		w.IncludeColor = w.InputPlanes%2 == 0

		featurePlanes := 2
		if w.AdvFeatures {
			featurePlanes += 2
		}
		if w.ChainLibsFeatures {
			featurePlanes += ChainLibertiesPlanes
		}
		if w.ChainSizeFeatures {
			featurePlanes += ChainSizePlanes
		}
		colorPlanes := 1
		if w.IncludeColor {
			colorPlanes = 2
		}
		w.InputMoves = (w.InputPlanes - colorPlanes) / featurePlanes
		if w.InputPlanes != w.InputMoves*featurePlanes+colorPlanes {
			return fmt.Errorf("%w: %d input planes with %d feature planes per move",
				ErrDimMismatch, w.InputPlanes, featurePlanes)
		}
		ld.log.Info().
			Int("input_planes", w.InputPlanes).
			Int("input_moves", w.InputMoves).
			Int("channels", w.Channels).
			Msg("input convolution")

	case sectionPolConvTower:
		if id.section != id.previous {
			w.PolicyOutputs = len(layer[1])
			w.PolicyChannels = len(layer[1])
			w.ResidualBlocks = (len(w.ConvBiases) - 1) / 2
			if len(w.ConvBiases) != 1+2*w.ResidualBlocks {
				return fmt.Errorf("%w: %d tower convolutions", ErrDimMismatch,
					len(w.ConvBiases))
			}
			ld.log.Info().Int("blocks", w.ResidualBlocks).Msg("residual tower")
		} else {
			w.PolicyOutputs = len(layer[1])
		}

	case sectionPolDense:
		w.PolicyConvLayers = len(w.ConvPolB)
		if w.PolicyConvLayers == 1 {
			ld.log.Info().Int("filters", w.PolicyOutputs).Msg("legacy policy convolution")
		} else {
			ld.log.Info().
				Int("channels", w.PolicyChannels).
				Int("layers", w.PolicyConvLayers).
				Int("filters", w.PolicyOutputs).
				Msg("policy resconv tower")
		}

	case sectionValueConv:
		w.ValOutputs = len(layer[1])
		w.ValDenseInputs = ld.numIntersections * w.ValOutputs

	case sectionValueAvgpool:
		w.ValPoolOutputs = len(layer[1])
		w.ValDenseInputs = w.ValPoolOutputs
		ld.log.Info().Int("channels", w.ValPoolOutputs).Msg("value head pooling")

	case sectionValueDenseTower:
		if id.section != id.previous {
			w.ValueChannels = len(layer[1])
		}

	case sectionValDenseHidden:
		w.ValChans = len(layer[1])
		if len(w.VHDenseW) > 0 {
			ld.log.Info().
				Int("channels", w.ValueChannels).
				Int("layers", len(w.VHDenseW)).
				Msg("value head residual tower")
		}

	case sectionValDenseOut:
		w.ValueHeadRets = len(layer[1])
		w.ValHeadRets = w.ValueHeadRets
		switch w.ValueHeadRets {
		case 1:
			w.ValueHeadType = HeadSingle
		case 2, 3:
			w.ValueHeadType = HeadDoubleI
			w.ValHeadRets = 1
			w.VbeHeadRets = w.ValueHeadRets - 1
		default:
			return fmt.Errorf("%w: %d value head returns", ErrDimMismatch,
				w.ValueHeadRets)
		}
		id.complete = true

	case sectionVbeDenseHidden:
		if w.ValHeadRets != 1 {
			return fmt.Errorf("%w: beta subhead after %d-output alpha head",
				ErrDimMismatch, w.ValHeadRets)
		}
		w.ValueHeadType = HeadDoubleY
		w.VbeChans = len(layer[1])
		ld.log.Info().
			Int("alpha_channels", w.ValChans).
			Int("beta_channels", w.VbeChans).
			Msg("double value head, type Y")
		id.complete = false

	case sectionVbeDenseOut:
		w.VbeHeadRets = len(layer[1])
		if w.VbeHeadRets != 1 && w.VbeHeadRets != 2 {
			return fmt.Errorf("%w: %d beta head returns", ErrDimMismatch,
				w.VbeHeadRets)
		}
		w.ValueHeadRets = w.ValHeadRets + w.VbeHeadRets
		if w.ValueHeadType != HeadDoubleY {
			w.ValueHeadType = HeadDoubleT
			ld.log.Info().
				Int("filters", w.ValOutputs).
				Int("channels", w.ValChans).
				Msg("double value head, type T")
		}
		id.complete = true
	}

	if w.QuartileEncoding && w.VbeHeadRets > 1 {
		return fmt.Errorf("%w: more than one beta head with quartile encoding",
			ErrWrongFormat)
	}
	return nil
}

func (ld *loader) checkSizes(id *fileIndex, layer *[4][]float32, want [4]int) error {
	for i, n := range want {
		if n >= 0 && len(layer[i]) != n {
			return fmt.Errorf("%w: line %d: section %d line %d has %d values, want %d",
				ErrDimMismatch, id.line, id.section, i, len(layer[i]), n)
		}
	}
	return nil
}

func (ld *loader) storeLayer(layer *[4][]float32, id *fileIndex) error {
	w := ld.w

	switch id.section {
	case sectionInputConv:
		if err := ld.checkSizes(id, layer, [4]int{w.InputPlanes * 9 * w.Channels,
			w.Channels, w.Channels, w.Channels}); err != nil {
			return err
		}
		w.ConvWeights = append(w.ConvWeights, layer[0])
		w.ConvBiases = append(w.ConvBiases, layer[1])
		w.BatchNormMeans = append(w.BatchNormMeans, layer[2])
		w.BatchNormStddevs = append(w.BatchNormStddevs, layer[3])
		id.excess = 0

	case sectionResconvTower:
		if err := ld.checkSizes(id, layer, [4]int{w.Channels * 9 * w.Channels,
			w.Channels, w.Channels, w.Channels}); err != nil {
			return err
		}
		w.ConvWeights = append(w.ConvWeights, layer[0])
		w.ConvBiases = append(w.ConvBiases, layer[1])
		w.BatchNormMeans = append(w.BatchNormMeans, layer[2])
		w.BatchNormStddevs = append(w.BatchNormStddevs, layer[3])
		id.excess = 0

	case sectionPolConvTower:
		wantW := w.PolicyChannels * w.PolicyOutputs
		if id.section != id.previous {
			wantW = w.Channels * w.PolicyOutputs
		}
		if err := ld.checkSizes(id, layer, [4]int{wantW, w.PolicyOutputs,
			w.PolicyOutputs, w.PolicyOutputs}); err != nil {
			return err
		}
		w.ConvPolW = append(w.ConvPolW, layer[0])
		w.ConvPolB = append(w.ConvPolB, layer[1])
		w.BNPolW1 = append(w.BNPolW1, layer[2])
		w.BNPolW2 = append(w.BNPolW2, layer[3])
		id.excess = 0

	case sectionPolDense:
		if len(layer[1]) != ld.potentialMoves {
			return fmt.Errorf("%w: policy dense has %d outputs, want %d for %dx%d",
				ErrBoardSizeMismatch, len(layer[1]), ld.potentialMoves,
				w.BoardSize, w.BoardSize)
		}
		if err := ld.checkSizes(id, layer, [4]int{
			w.PolicyOutputs * ld.numIntersections * ld.potentialMoves,
			ld.potentialMoves, -1, -1}); err != nil {
			return err
		}
		w.IPPolW = layer[0]
		w.IPPolB = layer[1]
		id.excess = 2

	case sectionValueConv:
		if err := ld.checkSizes(id, layer, [4]int{w.Channels * w.ValOutputs,
			w.ValOutputs, w.ValOutputs, w.ValOutputs}); err != nil {
			return err
		}
		w.ConvValW = layer[0]
		w.ConvValB = layer[1]
		w.BNValW1 = layer[2]
		w.BNValW2 = layer[3]
		id.excess = 0

	case sectionValueAvgpool:
		if err := ld.checkSizes(id, layer, [4]int{w.ValOutputs * w.ValPoolOutputs,
			w.ValPoolOutputs, w.ValPoolOutputs, w.ValPoolOutputs}); err != nil {
			return err
		}
		w.ConvValPoolW = layer[0]
		w.ConvValPoolB = layer[1]
		w.BNValPoolW1 = layer[2]
		w.BNValPoolW2 = layer[3]
		if w.ValOutputs < 8 {
			w.addZeroChannels()
		}
		id.excess = 0

	case sectionValueDenseTower:
		wantW := w.ValueChannels * w.ValueChannels
		if id.section != id.previous {
			wantW = w.ValDenseInputs * w.ValueChannels
		}
		if err := ld.checkSizes(id, layer, [4]int{wantW, w.ValueChannels,
			w.ValueChannels, w.ValueChannels}); err != nil {
			return err
		}
		w.VHDenseW = append(w.VHDenseW, layer[0])
		w.VHDenseB = append(w.VHDenseB, layer[1])
		w.VHDenseBNMeans = append(w.VHDenseBNMeans, layer[2])
		w.VHDenseBNVars = append(w.VHDenseBNVars, layer[3])
		id.excess = 0

	case sectionValDenseHidden:
		wantW := w.ValDenseInputs * w.ValChans
		if len(w.VHDenseW) > 0 {
			wantW = w.ValueChannels * w.ValChans
		}
		if err := ld.checkSizes(id, layer, [4]int{wantW, w.ValChans, -1, -1}); err != nil {
			return err
		}
		w.IP1ValW = layer[0]
		w.IP1ValB = layer[1]
		id.excess = 2

	case sectionValDenseOut:
		if err := ld.checkSizes(id, layer, [4]int{w.ValChans * w.ValueHeadRets,
			w.ValueHeadRets, -1, -1}); err != nil {
			return err
		}
		w.IP2ValW = layer[0]
		w.IP2ValB = layer[1]
		id.excess = 2

	case sectionVbeDenseHidden:
		wantW := w.ValDenseInputs * w.VbeChans
		if len(w.VHDenseW) > 0 {
			wantW = w.ValueChannels * w.VbeChans
		}
		if err := ld.checkSizes(id, layer, [4]int{wantW, w.VbeChans, -1, -1}); err != nil {
			return err
		}
		w.IP1VbeW = layer[0]
		w.IP1VbeB = layer[1]
		id.excess = 2

	case sectionVbeDenseOut:
		wantW := w.ValChans * w.VbeHeadRets
		if len(w.IP1VbeW) > 0 {
			wantW = w.VbeChans * w.VbeHeadRets
		}
		if err := ld.checkSizes(id, layer, [4]int{wantW, w.VbeHeadRets, -1, -1}); err != nil {
			return err
		}
		w.IP2VbeW = layer[0]
		w.IP2VbeB = layer[1]
		id.excess = 2
	}

	return nil
}

func (ld *loader) logDetails() {
	w := ld.w
	switch w.ValueHeadType {
	case HeadSingle:
		ld.log.Info().
			Int("filters", w.ValOutputs).
			Int("channels", w.ValChans).
			Msg("single value head (LZ)")
	case HeadDoubleI:
		ld.log.Info().
			Int("filters", w.ValOutputs).
			Int("channels", w.ValChans).
			Msg("double value head, type I")
	}
	if w.VbeHeadRets == 2 {
		ld.log.Info().Msg("beta head with double output")
	}
	ld.log.Info().
		Str("fingerprint", fmt.Sprintf("%016x", w.Fingerprint)).
		Msg("weights loaded")
}

// addZeroChannels pads the pooled value head to 8 channels by
// inserting zero channels at the front of every pooling weight row, so
// narrow nets share the SGEMM path of wider ones. The original
// channels move to the high indices, and the value convolution output
// channels shift with them so row entries keep multiplying the channel
// they were trained against.
func (w *Weights) addZeroChannels() {
	oldChannels := w.ValOutputs
	w.ValOutputs = 8
	shift := w.ValOutputs - oldChannels

	convW := make([]float32, w.ValOutputs*w.Channels)
	convB := make([]float32, w.ValOutputs)
	bnW1 := make([]float32, w.ValOutputs)
	bnW2 := make([]float32, w.ValOutputs)
	for j := 0; j < oldChannels; j++ {
		copy(convW[(shift+j)*w.Channels:(shift+j+1)*w.Channels],
			w.ConvValW[j*w.Channels:(j+1)*w.Channels])
		convB[shift+j] = w.ConvValB[j]
		bnW1[shift+j] = w.BNValW1[j]
		bnW2[shift+j] = w.BNValW2[j]
	}
	// Zero-channel batchnorm variances stay 1 so the inverse-stddev
	// rewrite never divides by zero.
	for j := 0; j < shift; j++ {
		bnW2[j] = 1.0
	}
	w.ConvValW = convW
	w.ConvValB = convB
	w.BNValW1 = bnW1
	w.BNValW2 = bnW2

	pool := make([]float32, w.ValOutputs*w.ValPoolOutputs)
	for i := 0; i < w.ValPoolOutputs; i++ {
		for j := 0; j < oldChannels; j++ {
			pool[i*w.ValOutputs+shift+j] = w.ConvValPoolW[i*oldChannels+j]
		}
	}
	w.ConvValPoolW = pool
}
