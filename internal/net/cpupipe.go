package net

import (
	"sync/atomic"
)

// CPUPipe is the reference ForwardPipe: plain Go Winograd convolutions
// over the transformed weights. It is safe for concurrent Forward
// calls; each call works on its own scratch buffers.
type CPUPipe struct {
	boardSize   int
	channels    int
	inputPlanes int
	weights     *Weights
	draining    atomic.Bool
}

// NewCPUPipe returns an uninitialised CPU pipe for the given board.
func NewCPUPipe(boardSize int) *CPUPipe {
	return &CPUPipe{boardSize: boardSize}
}

func (p *CPUPipe) Initialize(channels int) error {
	if channels <= 0 {
		return ErrBackendInit
	}
	p.channels = channels
	return nil
}

func (p *CPUPipe) PushWeights(filterSize, inputPlanes, channels int, w *Weights) error {
	if filterSize != WinogradAlpha || channels != p.channels {
		return ErrBackendInit
	}
	p.inputPlanes = inputPlanes
	p.weights = w
	return nil
}

func (p *CPUPipe) Drain() {
	p.draining.Store(true)
}

func (p *CPUPipe) Resume() {
	p.draining.Store(false)
}

func (p *CPUPipe) Forward(input []float32, policy []float32, value []float32) error {
	if p.draining.Load() {
		return ErrNetworkHalt
	}
	w := p.weights
	size := p.boardSize
	area := size * size

	maxPlanes := p.channels
	if p.inputPlanes > maxPlanes {
		maxPlanes = p.inputPlanes
	}
	conv := newWinogradScratch(size, maxPlanes)

	// Input convolution.
	cur := make([]float32, p.channels*area)
	conv.convolve3(p.channels, input, w.ConvWeights[0], cur)
	batchnorm(p.channels, area, cur, w.BatchNormMeans[0], w.BatchNormStddevs[0], nil)

	// Residual tower.
	res := make([]float32, p.channels*area)
	tmp := make([]float32, p.channels*area)
	idx := 1
	for b := 0; b < w.ResidualBlocks; b++ {
		copy(res, cur)
		conv.convolve3(p.channels, cur, w.ConvWeights[idx], tmp)
		batchnorm(p.channels, area, tmp, w.BatchNormMeans[idx], w.BatchNormStddevs[idx], nil)
		idx++
		conv.convolve3(p.channels, tmp, w.ConvWeights[idx], cur)
		batchnorm(p.channels, area, cur, w.BatchNormMeans[idx], w.BatchNormStddevs[idx], res)
		idx++
	}

	// Policy convolutions, 1x1 each.
	pol := cur
	for i := range w.ConvPolW {
		outs := len(w.ConvPolB[i])
		next := make([]float32, outs*area)
		convolve1(outs, area, pol, w.ConvPolW[i], next)
		batchnorm(outs, area, next, w.BNPolW1[i], w.BNPolW2[i], nil)
		pol = next
	}
	copy(policy, pol)

	// Value convolution, then the optional pooling convolution.
	val := make([]float32, w.ValOutputs*area)
	convolve1(w.ValOutputs, area, cur, w.ConvValW, val)
	batchnorm(w.ValOutputs, area, val, w.BNValW1, w.BNValW2, nil)
	if w.ValPoolOutputs > 0 {
		pooled := make([]float32, w.ValPoolOutputs*area)
		convolve1(w.ValPoolOutputs, area, val, w.ConvValPoolW, pooled)
		batchnorm(w.ValPoolOutputs, area, pooled, w.BNValPoolW1, w.BNValPoolW2, nil)
		val = pooled
	}
	copy(value, val)

	return nil
}

// convolve1 is a 1x1 convolution: out[o] = sum_c w[o*C+c] * in[c].
func convolve1(outputs, area int, input, weights, output []float32) {
	channels := len(input) / area
	for o := 0; o < outputs; o++ {
		out := output[o*area : (o+1)*area]
		for i := range out {
			out[i] = 0
		}
		for c := 0; c < channels; c++ {
			wv := weights[o*channels+c]
			if wv == 0 {
				continue
			}
			in := input[c*area : (c+1)*area]
			for i, v := range in {
				out[i] += wv * v
			}
		}
	}
}

// batchnorm applies the fused batchnorm (bias already folded into the
// mean, variance already inverted) with ReLU, adding the residual skip
// when eltwise is non-nil.
func batchnorm(channels, spatial int, data []float32, means, stddevs, eltwise []float32) {
	for c := 0; c < channels; c++ {
		mean := means[c]
		scale := stddevs[c]
		arr := data[c*spatial : (c+1)*spatial]
		if eltwise == nil {
			for i, v := range arr {
				v = scale * (v - mean)
				if v < 0 {
					v = 0
				}
				arr[i] = v
			}
		} else {
			res := eltwise[c*spatial : (c+1)*spatial]
			for i, v := range arr {
				v = scale*(v-mean) + res[i]
				if v < 0 {
					v = 0
				}
				arr[i] = v
			}
		}
	}
}

// winogradScratch holds the V and M buffers of one F(4x4,3x3)
// convolution so the tower reuses them across layers.
type winogradScratch struct {
	size   int
	wtiles int
	p      int
	v      []float32
	m      []float32
}

func newWinogradScratch(size, maxChannels int) *winogradScratch {
	wtiles := (size + WinogradM - 1) / WinogradM
	p := wtiles * wtiles
	return &winogradScratch{
		size:   size,
		wtiles: wtiles,
		p:      p,
		v:      make([]float32, WinogradTile*maxChannels*p),
		m:      make([]float32, WinogradTile*maxChannels*p),
	}
}

// convolve3 runs one 3x3 convolution through the Winograd transform:
// V = B^T d B per tile, M = U V batched over tiles, Y = A^T M A.
func (s *winogradScratch) convolve3(outputs int, input, u, output []float32) {
	channels := len(input) / (s.size * s.size)
	s.transformIn(input, channels)
	s.sgemm(u, channels, outputs)
	s.transformOut(output, outputs)
}

var bt = [WinogradAlpha * WinogradAlpha]float32{
	1.0, 0.0, -5.0 / 2.0, 0.0, 1.0, 0.0,
	0.0, -sqrt2, -2.0, sqrt2 / 2.0, 1.0, 0.0,
	0.0, sqrt2, -2.0, -sqrt2 / 2.0, 1.0, 0.0,
	0.0, -sqrt2 / 2.0, -1.0 / 2.0, sqrt2, 1.0, 0.0,
	0.0, sqrt2 / 2.0, -1.0 / 2.0, -sqrt2, 1.0, 0.0,
	0.0, 1.0, 0.0, -5.0 / 2.0, 0.0, 1.0,
}

var at = [WinogradM * WinogradAlpha]float32{
	1.0, 1.0, 1.0, 1.0, 1.0, 0.0,
	0.0, sqrt2 / 2.0, -sqrt2 / 2.0, sqrt2, -sqrt2, 0.0,
	0.0, 1.0 / 2.0, 1.0 / 2.0, 2.0, 2.0, 0.0,
	0.0, sqrt2 / 4.0, -sqrt2 / 4.0, 2.0 * sqrt2, -2.0 * sqrt2, 1.0,
}

func (s *winogradScratch) transformIn(input []float32, channels int) {
	var d, wd [WinogradTile]float32
	for ch := 0; ch < channels; ch++ {
		in := input[ch*s.size*s.size:]
		for blockY := 0; blockY < s.wtiles; blockY++ {
			for blockX := 0; blockX < s.wtiles; blockX++ {
				// 6x6 patch, offset -1 with zero padding
				for i := 0; i < WinogradAlpha; i++ {
					for j := 0; j < WinogradAlpha; j++ {
						y := blockY*WinogradM + i - 1
						x := blockX*WinogradM + j - 1
						if y >= 0 && y < s.size && x >= 0 && x < s.size {
							d[i*WinogradAlpha+j] = in[y*s.size+x]
						} else {
							d[i*WinogradAlpha+j] = 0
						}
					}
				}
				// wd = B^T d
				for i := 0; i < WinogradAlpha; i++ {
					for j := 0; j < WinogradAlpha; j++ {
						var acc float32
						for k := 0; k < WinogradAlpha; k++ {
							acc += bt[i*WinogradAlpha+k] * d[k*WinogradAlpha+j]
						}
						wd[i*WinogradAlpha+j] = acc
					}
				}
				// V tile = wd B, scattered as [tile][ch][block]
				block := blockY*s.wtiles + blockX
				for i := 0; i < WinogradAlpha; i++ {
					for j := 0; j < WinogradAlpha; j++ {
						var acc float32
						for k := 0; k < WinogradAlpha; k++ {
							acc += wd[i*WinogradAlpha+k] * bt[j*WinogradAlpha+k]
						}
						s.v[(i*WinogradAlpha+j)*channels*s.p+ch*s.p+block] = acc
					}
				}
			}
		}
	}
}

func (s *winogradScratch) sgemm(u []float32, channels, outputs int) {
	for b := 0; b < WinogradTile; b++ {
		ub := u[b*channels*outputs:]
		vb := s.v[b*channels*s.p:]
		mb := s.m[b*outputs*s.p:]
		for o := 0; o < outputs; o++ {
			row := mb[o*s.p : (o+1)*s.p]
			for i := range row {
				row[i] = 0
			}
			for c := 0; c < channels; c++ {
				wv := ub[c*outputs+o]
				if wv == 0 {
					continue
				}
				vrow := vb[c*s.p : (c+1)*s.p]
				for i, v := range vrow {
					row[i] += wv * v
				}
			}
		}
	}
}

func (s *winogradScratch) transformOut(output []float32, outputs int) {
	var m, wm [WinogradTile]float32
	for o := 0; o < outputs; o++ {
		out := output[o*s.size*s.size:]
		for blockY := 0; blockY < s.wtiles; blockY++ {
			for blockX := 0; blockX < s.wtiles; blockX++ {
				block := blockY*s.wtiles + blockX
				for t := 0; t < WinogradTile; t++ {
					m[t] = s.m[t*outputs*s.p+o*s.p+block]
				}
				// wm = A^T m
				for i := 0; i < WinogradM; i++ {
					for j := 0; j < WinogradAlpha; j++ {
						var acc float32
						for k := 0; k < WinogradAlpha; k++ {
							acc += at[i*WinogradAlpha+k] * m[k*WinogradAlpha+j]
						}
						wm[i*WinogradAlpha+j] = acc
					}
				}
				// Y = wm A
				for i := 0; i < WinogradM; i++ {
					for j := 0; j < WinogradM; j++ {
						y := blockY*WinogradM + i
						x := blockX*WinogradM + j
						if y >= s.size || x >= s.size {
							continue
						}
						var acc float32
						for k := 0; k < WinogradAlpha; k++ {
							acc += wm[i*WinogradAlpha+k] * at[j*WinogradAlpha+k]
						}
						out[y*s.size+x] = acc
					}
				}
			}
		}
	}
}
