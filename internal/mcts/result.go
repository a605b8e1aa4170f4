package mcts

import "github.com/CuriosAI/sai/internal/net"

// SearchResult is the value carried up the tree after a leaf
// evaluation. eval and alpkt are from black's perspective.
type SearchResult struct {
	valid bool
	eval  float32
	alpkt float32
	beta  float32
	beta2 float32
	isSai bool
}

// ResultFromEval wraps a leaf network output for backpropagation.
func ResultFromEval(eval, alpkt, beta, beta2 float32, isSai bool) SearchResult {
	return SearchResult{
		valid: true,
		eval:  eval,
		alpkt: alpkt,
		beta:  beta,
		beta2: beta2,
		isSai: isSai,
	}
}

// Valid reports whether the result carries an evaluation.
func (r SearchResult) Valid() bool { return r.valid }

// Eval is the raw winrate pi, black's perspective.
func (r SearchResult) Eval() float32 { return r.eval }

// Alpkt is the komi-adjusted score advantage for black.
func (r SearchResult) Alpkt() float32 { return r.alpkt }

// Beta is the sigmoid sharpness.
func (r SearchResult) Beta() float32 { return r.beta }

// Beta2 is the asymmetric sharpness, negative when unset.
func (r SearchResult) Beta2() float32 { return r.beta2 }

// IsSaiHead reports whether the result came from a SAI value head.
func (r SearchResult) IsSaiHead() bool { return r.isSai }

// EvalWithBonus is the value actually backed up through a SAI node:
// the sigmoid re-evaluated at a score bonus blending the parent's
// lambda and mu quantiles. This biases the search toward positions the
// engine wants to play.
func (r SearchResult) EvalWithBonus(qLambda, qMu, lambda float32) float32 {
	if !r.isSai {
		return r.eval
	}
	bonus := qLambda*(1.0-lambda) + qMu*lambda
	p, _ := net.Sigmoid(r.alpkt, r.beta, bonus, r.beta2)
	return p
}
