package optimizer

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
)

// LearningRate returns the learning rate at the 0-based step:
//
//   - with WarmupSteps > 0: LearningRate * min(1/sqrt(step+1), (step+1) * WarmupSteps^-DecayRate);
//   - else with DecaySteps > 0: LearningRate * DecayRate^(step/DecaySteps);
//   - else LearningRate.
func (c Config) LearningRate(step int64) float64 {
	switch {
	case c.WarmupSteps > 0:
		s := float64(step + 1)
		return c.LearnRate * math.Min(1/math.Sqrt(s), s*math.Pow(float64(c.WarmupSteps), -c.DecayRate))
	case c.DecaySteps > 0:
		return c.LearnRate * math.Pow(c.DecayRate, float64(step)/float64(c.DecaySteps))
	default:
		return c.LearnRate
	}
}

// LearningRateGraph is the graph version of LearningRate, for a 0-based float step.
func (c Config) LearningRateGraph(step *Node) *Node {
	g := step.Graph()
	dtype := step.DType()
	switch {
	case c.WarmupSteps > 0:
		s := AddScalar(step, 1)
		warmup := MulScalar(s, math.Pow(float64(c.WarmupSteps), -c.DecayRate))
		return MulScalar(Min(Rsqrt(s), warmup), c.LearnRate)
	case c.DecaySteps > 0:
		exponent := DivScalar(step, float64(c.DecaySteps))
		return MulScalar(Pow(Scalar(g, dtype, c.DecayRate), exponent), c.LearnRate)
	default:
		return Scalar(g, dtype, c.LearnRate)
	}
}

// ClipByGlobalNorm scales the gradients so that their global norm (the norm of all of them
// concatenated) is at most clipNorm: each one is multiplied by clipNorm / max(norm, clipNorm).
// It returns the clipped gradients and the global norm before clipping.
func ClipByGlobalNorm(grads []*Node, clipNorm float64) (clipped []*Node, globalNorm *Node) {
	if len(grads) == 0 {
		return grads, nil
	}
	g := grads[0].Graph()
	dtype := grads[0].DType()
	var sumSquares *Node
	for _, grad := range grads {
		s := ReduceAllSum(Square(grad))
		if sumSquares == nil {
			sumSquares = s
		} else {
			sumSquares = Add(sumSquares, s)
		}
	}
	globalNorm = Sqrt(sumSquares)
	if clipNorm <= 0 {
		return grads, globalNorm
	}
	clip := Scalar(g, dtype, clipNorm)
	scale := Div(clip, Max(globalNorm, clip))
	clipped = make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, scale)
	}
	return clipped, globalNorm
}
