package net

import "math"

// Winograd F(4x4, 3x3): 3x3 filters become alpha x alpha tiles.
const (
	WinogradM     = 4
	WinogradAlpha = WinogradM + 3 - 1
	WinogradTile  = WinogradAlpha * WinogradAlpha
)

const sqrt2 = 1.4142135623730951

// winogradTransformF computes U = G . f . G^T for every filter and
// transposes U into [alpha*alpha][channels][outputs] layout for SGEMM
// batching.
func winogradTransformF(f []float32, outputs, channels int) []float32 {
	u := make([]float32, WinogradTile*outputs*channels)
	g := [WinogradAlpha * 3]float32{
		1.0, 0.0, 0.0,
		-2.0 / 3.0, -sqrt2 / 3.0, -1.0 / 3.0,
		-2.0 / 3.0, sqrt2 / 3.0, -1.0 / 3.0,
		1.0 / 6.0, sqrt2 / 6.0, 1.0 / 3.0,
		1.0 / 6.0, -sqrt2 / 6.0, 1.0 / 3.0,
		0.0, 0.0, 1.0,
	}

	var temp [WinogradAlpha * 3]float32
	for c := 0; c < channels; c++ {
		for o := 0; o < outputs; o++ {
			// G . f
			for i := 0; i < WinogradAlpha; i++ {
				for j := 0; j < 3; j++ {
					var acc float32
					for k := 0; k < 3; k++ {
						acc += g[i*3+k] * f[o*channels*9+c*9+k*3+j]
					}
					temp[i*3+j] = acc
				}
			}
			// (G . f) . G^T, scattered to the transposed layout
			for xi := 0; xi < WinogradAlpha; xi++ {
				for nu := 0; nu < WinogradAlpha; nu++ {
					var acc float32
					for k := 0; k < 3; k++ {
						acc += temp[xi*3+k] * g[nu*3+k]
					}
					u[(xi*WinogradAlpha+nu)*outputs*channels+c*outputs+o] = acc
				}
			}
		}
	}
	return u
}

// processBNVar rewrites batchnorm variances into inverse standard
// deviations so inference uses a multiply.
func processBNVar(weights []float32) {
	const epsilon = 1e-5
	for i, w := range weights {
		weights[i] = float32(1.0 / math.Sqrt(float64(w)+epsilon))
	}
}

// fuseBias folds convolution biases into the batchnorm means. Biases
// are typically zero but some nets still carry them.
func fuseBias(means, biases []float32) {
	for i := range means {
		means[i] -= biases[i]
		biases[i] = 0.0
	}
}

// Transform applies the post-load weight rewrites: Winograd filter
// transform of the 3x3 tower convolutions, bias/batchnorm fusion, and
// variance inversion. Must run exactly once, before the weights are
// pushed to a forward pipe.
func (w *Weights) Transform() {
	idx := 0
	w.ConvWeights[idx] = winogradTransformF(w.ConvWeights[idx], w.Channels, w.InputPlanes)
	idx++
	for i := 0; i < w.ResidualBlocks*2; i++ {
		w.ConvWeights[idx] = winogradTransformF(w.ConvWeights[idx], w.Channels, w.Channels)
		idx++
	}

	for i := range w.ConvBiases {
		fuseBias(w.BatchNormMeans[i], w.ConvBiases[i])
		processBNVar(w.BatchNormStddevs[i])
	}

	fuseBias(w.BNValW1, w.ConvValB)
	processBNVar(w.BNValW2)

	if len(w.BNValPoolW1) > 0 {
		fuseBias(w.BNValPoolW1, w.ConvValPoolB)
		processBNVar(w.BNValPoolW2)
	}

	for i := range w.ConvPolB {
		fuseBias(w.BNPolW1[i], w.ConvPolB[i])
		processBNVar(w.BNPolW2[i])
	}

	for i := range w.VHDenseB {
		fuseBias(w.VHDenseBNMeans[i], w.VHDenseB[i])
		processBNVar(w.VHDenseBNVars[i])
	}
}

// EstimatedSize returns the memory footprint of the parameters in
// bytes.
func (w *Weights) EstimatedSize() int {
	total := 0
	sum2 := func(vv [][]float32) {
		for _, v := range vv {
			total += len(v) * 4
		}
	}
	sum := func(v []float32) { total += len(v) * 4 }

	sum2(w.ConvWeights)
	sum2(w.ConvBiases)
	sum2(w.BatchNormMeans)
	sum2(w.BatchNormStddevs)
	sum2(w.ConvPolW)
	sum2(w.ConvPolB)
	sum2(w.BNPolW1)
	sum2(w.BNPolW2)
	sum(w.IPPolW)
	sum(w.IPPolB)
	sum(w.ConvValW)
	sum(w.ConvValB)
	sum(w.BNValW1)
	sum(w.BNValW2)
	sum(w.ConvValPoolW)
	sum(w.ConvValPoolB)
	sum(w.BNValPoolW1)
	sum(w.BNValPoolW2)
	sum2(w.VHDenseW)
	sum2(w.VHDenseB)
	sum2(w.VHDenseBNMeans)
	sum2(w.VHDenseBNVars)
	sum(w.IP1ValW)
	sum(w.IP1ValB)
	sum(w.IP2ValW)
	sum(w.IP2ValB)
	sum(w.IP1VbeW)
	sum(w.IP1VbeB)
	sum(w.IP2VbeW)
	sum(w.IP2VbeB)
	return total
}
