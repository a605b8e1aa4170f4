package mcts

import (
	"math"

	"github.com/CuriosAI/sai/internal/game"
	"github.com/CuriosAI/sai/internal/net"
)

// The running quantile estimators follow a stochastic fixed-point
// iteration: every backed-up leaf contributes the sigmoid response g
// and its derivative g' at the node's current quantile, and the
// quantile then takes one Newton step toward the blended probability
// level.

func updateGxxSums(gxgpSum, gpSum *atomicFloat32, oldQuantile,
	alpkt, beta, beta2 float32) {

	g, gc := net.Sigmoid(alpkt, beta, oldQuantile, beta2)
	rightBeta := beta
	if beta2 > 0 && alpkt+oldQuantile > 0 {
		rightBeta = beta2
	}
	gpTerm := rightBeta * g * gc
	gxgpTerm := g - oldQuantile*gpTerm
	gxgpSum.Add(gxgpTerm)
	gpSum.Add(gpTerm)
}

func updateQuantile(quantile *atomicFloat32, gxgpSum, gpSum, parameter float32,
	updates int32, avgPi, alpkt, beta, beta2 float32) {

	if float32(math.Abs(float64(parameter))) < 1e-5 {
		quantile.Store(0.0)
		return
	}
	if updates <= 0 {
		return
	}
	avgP := 0.5*parameter + (1.0-parameter)*avgPi

	old := quantile.Load()
	if updates <= 8 && old == 0.0 {
		// avg_p is away from 0 and 1, so the logit is safe.
		rightBeta := beta
		if beta2 > 0 && avgP > 0.5 {
			rightBeta = beta2
		}
		if rightBeta < 0.01 {
			rightBeta = 0.01
		}
		logit := math.Log(float64(avgP)) - math.Log1p(-float64(avgP))
		quantile.Store(float32(logit)/rightBeta - alpkt)
		return
	}

	avgFPrime := gpSum / float32(updates)
	avgF := gxgpSum/float32(updates) + old*avgFPrime
	if avgFPrime < 0.1 {
		avgFPrime = 0.1
	}
	quantile.Add((avgP - avgF) / avgFPrime)
}

// updateAllQuantiles folds one leaf into the lambda, mu and score
// quantile estimators.
func (n *Node) updateAllQuantiles(alpkt, beta, beta2 float32) {
	// Cache values so racing updates see a consistent snapshot.
	avgPi := n.AvgPi(game.Black)
	oldQLambda := n.quantileLambda.Load()
	oldQMu := n.quantileMu.Load()
	oldQOne := n.quantileOne.Load()
	updates := int32(n.quantileUpdates.Add(1))

	updateGxxSums(&n.gxgpSumLambda, &n.gpSumLambda, oldQLambda, alpkt, beta, beta2)
	updateGxxSums(&n.gxgpSumMu, &n.gpSumMu, oldQMu, alpkt, beta, beta2)
	updateGxxSums(&n.gxgpSumOne, &n.gpSumOne, oldQOne, alpkt, beta, beta2)

	updateQuantile(&n.quantileLambda, n.gxgpSumLambda.Load(), n.gpSumLambda.Load(),
		n.lambda.Load(), updates, avgPi, alpkt, beta, beta2)
	updateQuantile(&n.quantileMu, n.gxgpSumMu.Load(), n.gpSumMu.Load(),
		n.mu.Load(), updates, avgPi, alpkt, beta, beta2)
	updateQuantile(&n.quantileOne, n.gxgpSumOne.Load(), n.gpSumOne.Load(),
		1.0, updates, avgPi, alpkt, beta, beta2)
}
