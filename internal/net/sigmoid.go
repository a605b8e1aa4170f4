package net

import "math"

// Sigmoid evaluates the SAI score-conditioned win probability
// sigma(beta' * (alpha + bonus)) and returns the pair (p, 1-p).
// beta2 < 0 means "no second beta": beta is used on both sides.
// When beta2 is set it replaces beta for positive score advantages.
// The computation goes through exp(-|arg|) so neither branch overflows.
func Sigmoid(alpha, beta, bonus, beta2 float32) (float32, float32) {
	if beta2 < 0 {
		beta2 = beta
	}
	b := float64(beta)
	if alpha+bonus > 0 {
		b = float64(beta2)
	}
	arg := b * float64(alpha+bonus)
	absarg := math.Abs(arg)

	var ret float64
	if absarg > 30 {
		ret = math.Exp(-absarg)
	} else {
		ret = 1.0 / (1.0 + math.Exp(absarg))
	}

	if arg < 0 {
		return float32(ret), float32(1.0 - ret)
	}
	return float32(1.0 - ret), float32(ret)
}
